package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nimbusstore/tenantcore/internal/cryptoutil"
	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

type fakeLoader struct {
	mu      sync.Mutex
	rows    map[string]*Row
	loads   int32
	delayed chan struct{}
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{rows: make(map[string]*Row)}
}

func (f *fakeLoader) LoadTenantRow(ctx context.Context, tenantID string) (*Row, error) {
	atomic.AddInt32(&f.loads, 1)
	if f.delayed != nil {
		<-f.delayed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

type fakePoolController struct {
	rebalanced []string
	destroyed  []string
}

func (f *fakePoolController) Rebalance(ctx context.Context, tenantID string, clusterSize int) error {
	f.rebalanced = append(f.rebalanced, tenantID)
	return nil
}

func (f *fakePoolController) Destroy(ctx context.Context, tenantID string) error {
	f.destroyed = append(f.destroyed, tenantID)
	return nil
}

func testBox(t *testing.T) *cryptoutil.Box {
	t.Helper()
	box, err := cryptoutil.NewBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	return box
}

func mustEncrypt(t *testing.T, box *cryptoutil.Box, s string) string {
	t.Helper()
	enc, err := box.EncryptString(s)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	return enc
}

func TestGetTenantConfigEmptyID(t *testing.T) {
	cat := New(Options{Loader: newFakeLoader(), Box: testBox(t), IsMultitenant: true})
	if _, err := cat.GetTenantConfig(context.Background(), ""); err != svcerr.ErrInvalidTenantId {
		t.Errorf("got %v, want ErrInvalidTenantId", err)
	}
}

func TestGetTenantConfigMissingRow(t *testing.T) {
	cat := New(Options{Loader: newFakeLoader(), Box: testBox(t), IsMultitenant: true})
	_, err := cat.GetTenantConfig(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error for missing tenant")
	}
}

func TestGetTenantConfigCachesAfterLoad(t *testing.T) {
	box := testBox(t)
	loader := newFakeLoader()
	loader.rows["t1"] = &Row{ID: "t1", DatabaseDSN: "postgres://t1", MaxConnections: 10, EncryptedJWTSecret: mustEncrypt(t, box, "s3cret")}
	cat := New(Options{Loader: loader, Box: box, IsMultitenant: true})

	cfg1, err := cat.GetTenantConfig(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTenantConfig: %v", err)
	}
	if cfg1.JWTSecret != "s3cret" {
		t.Errorf("got %q, want s3cret", cfg1.JWTSecret)
	}
	cat.GetTenantConfig(context.Background(), "t1")
	if loader.loads != 1 {
		t.Errorf("got %d loads, want 1 (cached on second call)", loader.loads)
	}
}

func TestGetTenantConfigCoalescesConcurrentMisses(t *testing.T) {
	box := testBox(t)
	loader := newFakeLoader()
	loader.delayed = make(chan struct{})
	loader.rows["t1"] = &Row{ID: "t1", EncryptedJWTSecret: mustEncrypt(t, box, "s")}
	cat := New(Options{Loader: loader, Box: box, IsMultitenant: true})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cat.GetTenantConfig(context.Background(), "t1")
		}()
	}
	close(loader.delayed)
	wg.Wait()

	if loader.loads != 1 {
		t.Errorf("got %d loads, want 1 for coalesced concurrent misses", loader.loads)
	}
}

func TestInvalidationTriggersRebalanceOnMaxConnectionsChange(t *testing.T) {
	box := testBox(t)
	loader := newFakeLoader()
	loader.rows["t1"] = &Row{ID: "t1", MaxConnections: 10, PoolMode: PoolModeRecycled, EncryptedJWTSecret: mustEncrypt(t, box, "s")}
	pool := &fakePoolController{}
	cat := New(Options{Loader: loader, Box: box, Pool: pool, IsMultitenant: true})

	if _, err := cat.GetTenantConfig(context.Background(), "t1"); err != nil {
		t.Fatalf("GetTenantConfig: %v", err)
	}

	loader.rows["t1"].MaxConnections = 20
	cat.handleInvalidation("t1")

	if len(pool.rebalanced) != 1 || pool.rebalanced[0] != "t1" {
		t.Errorf("got rebalanced=%v, want [t1]", pool.rebalanced)
	}
	cfg, _ := cat.GetTenantConfig(context.Background(), "t1")
	if cfg.MaxConnections != 20 {
		t.Errorf("got %d, want 20 after invalidation re-fetch", cfg.MaxConnections)
	}
}

func TestInvalidationTriggersDestroyOnPoolModeTransition(t *testing.T) {
	box := testBox(t)
	loader := newFakeLoader()
	loader.rows["t1"] = &Row{ID: "t1", PoolMode: PoolModeRecycled, EncryptedJWTSecret: mustEncrypt(t, box, "s")}
	pool := &fakePoolController{}
	cat := New(Options{Loader: loader, Box: box, Pool: pool, IsMultitenant: true})

	cat.GetTenantConfig(context.Background(), "t1")
	loader.rows["t1"].PoolMode = PoolModeSingleUse
	cat.handleInvalidation("t1")

	if len(pool.destroyed) != 1 || pool.destroyed[0] != "t1" {
		t.Errorf("got destroyed=%v, want [t1]", pool.destroyed)
	}
}

func TestTenantHasFeatureSingleTenantAlwaysTrue(t *testing.T) {
	cat := New(Options{Loader: newFakeLoader(), Box: testBox(t), IsMultitenant: false, TenantID: "t1"})
	ok, err := cat.TenantHasFeature(context.Background(), "t1", "anything")
	if err != nil {
		t.Fatalf("TenantHasFeature: %v", err)
	}
	if !ok {
		t.Errorf("expected single-tenant mode to always report feature enabled")
	}
}

func TestGetTenantCapabilitiesDerivedFromMigrationVersion(t *testing.T) {
	box := testBox(t)
	loader := newFakeLoader()
	loader.rows["t1"] = &Row{ID: "t1", MigrationVersion: 5, EncryptedJWTSecret: mustEncrypt(t, box, "s")}
	cat := New(Options{Loader: loader, Box: box, IsMultitenant: true})

	caps, err := cat.GetTenantCapabilities(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTenantCapabilities: %v", err)
	}
	if !caps.ListV2 || !caps.IcebergCatalog || caps.VectorBuckets {
		t.Errorf("got %+v, want ListV2=true IcebergCatalog=true VectorBuckets=false", caps)
	}
}
