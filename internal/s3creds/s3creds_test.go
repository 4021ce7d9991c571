package s3creds

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nimbusstore/tenantcore/internal/cryptoutil"
	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

type fakeDB struct {
	rows   map[string][]Row
	nextID int
}

func newFakeDB() *fakeDB { return &fakeDB{rows: make(map[string][]Row)} }

func (f *fakeDB) InsertCredential(ctx context.Context, row Row) error {
	f.nextID++
	row.ID = fmt.Sprintf("cred-%d", f.nextID)
	f.rows[row.TenantID] = append(f.rows[row.TenantID], row)
	return nil
}

func (f *fakeDB) GetCredentialByAccessKey(ctx context.Context, tenantID, accessKey string) (*Row, error) {
	for _, r := range f.rows[tenantID] {
		if r.AccessKey == accessKey {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) DeleteCredential(ctx context.Context, tenantID, id string) error {
	rows := f.rows[tenantID]
	for i, r := range rows {
		if r.ID == id {
			f.rows[tenantID] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeDB) ListCredentials(ctx context.Context, tenantID string) ([]Row, error) {
	return f.rows[tenantID], nil
}

func (f *fakeDB) CountCredentials(ctx context.Context, tenantID string) (int, error) {
	return len(f.rows[tenantID]), nil
}

func testBox(t *testing.T) *cryptoutil.Box {
	t.Helper()
	box, err := cryptoutil.NewBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	return box
}

func TestCreateS3CredentialsStripsReservedClaims(t *testing.T) {
	db := newFakeDB()
	mgr := New(Options{DB: db, Box: testBox(t)})

	cred, err := mgr.CreateS3Credentials(context.Background(), "t1", "ci key", map[string]any{
		"iss": "attacker", "role": "authenticated",
	})
	if err != nil {
		t.Fatalf("CreateS3Credentials: %v", err)
	}
	if _, ok := cred.Claims["iss"]; ok {
		t.Errorf("expected iss claim to be stripped")
	}
	if cred.Claims["issuer"] != "supabase.storage.t1" {
		t.Errorf("got issuer %v, want supabase.storage.t1", cred.Claims["issuer"])
	}
	if cred.Claims["role"] != "authenticated" {
		t.Errorf("expected non-reserved claims to survive")
	}
}

func TestCreateS3CredentialsEnforcesLimit(t *testing.T) {
	db := newFakeDB()
	mgr := New(Options{DB: db, Box: testBox(t)})

	for i := 0; i < MaximumCredentialsLimit; i++ {
		if _, err := mgr.CreateS3Credentials(context.Background(), "t1", "k", nil); err != nil {
			t.Fatalf("CreateS3Credentials #%d: %v", i, err)
		}
	}
	if _, err := mgr.CreateS3Credentials(context.Background(), "t1", "overflow", nil); err != svcerr.ErrMaximumCredentialsLimit {
		t.Errorf("got %v, want ErrMaximumCredentialsLimit", err)
	}
}

func TestGetS3CredentialsByAccessKeyMissing(t *testing.T) {
	db := newFakeDB()
	mgr := New(Options{DB: db, Box: testBox(t)})

	if _, err := mgr.GetS3CredentialsByAccessKey(context.Background(), "t1", "ghost"); err != svcerr.ErrMissingS3Credentials {
		t.Errorf("got %v, want ErrMissingS3Credentials", err)
	}
}

func TestGetS3CredentialsByAccessKeyCachesAndDecrypts(t *testing.T) {
	db := newFakeDB()
	mgr := New(Options{DB: db, Box: testBox(t)})

	created, err := mgr.CreateS3Credentials(context.Background(), "t1", "k", nil)
	if err != nil {
		t.Fatalf("CreateS3Credentials: %v", err)
	}

	got, err := mgr.GetS3CredentialsByAccessKey(context.Background(), "t1", created.AccessKey)
	if err != nil {
		t.Fatalf("GetS3CredentialsByAccessKey: %v", err)
	}
	if got.SecretKey != created.SecretKey {
		t.Errorf("got secret %q, want %q", got.SecretKey, created.SecretKey)
	}

	// Deleting the underlying row must not affect a cached lookup before
	// the TTL expires.
	db.rows["t1"] = nil
	got2, err := mgr.GetS3CredentialsByAccessKey(context.Background(), "t1", created.AccessKey)
	if err != nil {
		t.Fatalf("GetS3CredentialsByAccessKey (cached): %v", err)
	}
	if got2.SecretKey != created.SecretKey {
		t.Errorf("expected cached response after row deletion")
	}
}

func TestGetS3CredentialsByAccessKeyExpiresAfterTTL(t *testing.T) {
	db := newFakeDB()
	mgr := New(Options{DB: db, Box: testBox(t), TTL: time.Millisecond})

	created, _ := mgr.CreateS3Credentials(context.Background(), "t1", "k", nil)
	time.Sleep(5 * time.Millisecond)
	db.rows["t1"] = nil

	if _, err := mgr.GetS3CredentialsByAccessKey(context.Background(), "t1", created.AccessKey); err != svcerr.ErrMissingS3Credentials {
		t.Errorf("got %v, want ErrMissingS3Credentials after TTL expiry and row deletion", err)
	}
}

func TestDeleteS3CredentialEvictsCache(t *testing.T) {
	db := newFakeDB()
	mgr := New(Options{DB: db, Box: testBox(t)})

	created, _ := mgr.CreateS3Credentials(context.Background(), "t1", "k", nil)
	mgr.GetS3CredentialsByAccessKey(context.Background(), "t1", created.AccessKey)

	if err := mgr.DeleteS3Credential(context.Background(), "t1", created.ID, created.AccessKey); err != nil {
		t.Fatalf("DeleteS3Credential: %v", err)
	}
	if _, err := mgr.GetS3CredentialsByAccessKey(context.Background(), "t1", created.AccessKey); err != svcerr.ErrMissingS3Credentials {
		t.Errorf("got %v, want ErrMissingS3Credentials after delete", err)
	}
}

func TestGetS3CredentialsByAccessKeyRefreshesTTLOnHit(t *testing.T) {
	db := newFakeDB()
	mgr := New(Options{DB: db, Box: testBox(t), TTL: 20 * time.Millisecond})

	created, _ := mgr.CreateS3Credentials(context.Background(), "t1", "k", nil)

	// Read repeatedly, sleeping less than the TTL each time but longer in
	// aggregate: a cache that only stamps expiresAt on load would expire.
	for i := 0; i < 3; i++ {
		time.Sleep(12 * time.Millisecond)
		if _, err := mgr.GetS3CredentialsByAccessKey(context.Background(), "t1", created.AccessKey); err != nil {
			t.Fatalf("GetS3CredentialsByAccessKey iteration %d: %v", i, err)
		}
	}
}

func TestCacheEvictsLeastRecentlyUsedBeyondCapacity(t *testing.T) {
	db := newFakeDB()
	mgr := New(Options{DB: db, Box: testBox(t)})

	capacity := cacheBudgetBytes / estimatedEntryBytes
	for i := 0; i < capacity+10; i++ {
		key := fmt.Sprintf("k-%d", i)
		mgr.cache.Add(key, cacheEntry{expiresAt: time.Now().Add(time.Hour)})
	}
	if mgr.cache.Len() > capacity {
		t.Errorf("got cache len %d, want at most %d", mgr.cache.Len(), capacity)
	}
}

func TestCountAndListS3Credentials(t *testing.T) {
	db := newFakeDB()
	mgr := New(Options{DB: db, Box: testBox(t)})

	mgr.CreateS3Credentials(context.Background(), "t1", "a", nil)
	mgr.CreateS3Credentials(context.Background(), "t1", "b", nil)

	n, err := mgr.CountS3Credentials(context.Background(), "t1")
	if err != nil {
		t.Fatalf("CountS3Credentials: %v", err)
	}
	if n != 2 {
		t.Errorf("got %d, want 2", n)
	}
	rows, err := mgr.ListS3Credentials(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListS3Credentials: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("got %d rows, want 2", len(rows))
	}
}
