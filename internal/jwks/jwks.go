// Package jwks implements component F: the JWKS store and URL-signing key
// generator. Per-tenant signing material is stored encrypted at rest;
// public JWKS responses are assembled with github.com/lestrrat-go/jwx/v2/jwk.
package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/nimbusstore/tenantcore/internal/cryptoutil"
	"github.com/nimbusstore/tenantcore/internal/keyedmutex"
	"github.com/nimbusstore/tenantcore/internal/obs"
	"github.com/nimbusstore/tenantcore/internal/pubsub"
	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

// ReservedKindURLSigning is the reserved kind tag for the URL-signing JWK,
// per spec.md §3.
const ReservedKindURLSigning = "url-signing-key"

// urlSigningKeyBytes is the HS512 key size.
const urlSigningKeyBytes = 64

// Row is a raw, encrypted JWKS row as stored in the multitenant DB.
type Row struct {
	ID               string
	Kind             string
	EncryptedContent string
	Active           bool
	Cursor           int64
}

// TenantCursor identifies a tenant row for paginated backfill scans.
type TenantCursor struct {
	TenantID string
	Cursor   int64
}

// DB is the persistence backend the Store drives; kept as a narrow
// interface so SQL/pgx specifics stay out of this package, matching
// spec.md §9's "duck-typed JSON rows, decryption at the boundary".
type DB interface {
	InsertJWK(ctx context.Context, tenantID, encryptedContent, kind string, idempotent bool) (id string, err error)
	ToggleActiveJWK(ctx context.Context, tenantID, id string, newState bool) (changed bool, err error)
	ListActiveJWKs(ctx context.Context, tenantID string) ([]Row, error)
	ListTenantsWithoutKind(ctx context.Context, kind string, batchSize int, lastCursor int64) ([]TenantCursor, error)
}

// Store is the component F store contract.
type Store struct {
	db  DB
	box *cryptoutil.Box
}

// NewStore builds a Store.
func NewStore(db DB, box *cryptoutil.Box) *Store { return &Store{db: db, box: box} }

// Insert stores content under kind for tenantID. If idempotent and a
// conflicting active row for (tenantID, kind) already exists, the
// existing row's id is returned instead of raising.
func (s *Store) Insert(ctx context.Context, tenantID string, content []byte, kind string, idempotent bool) (string, error) {
	encrypted, err := s.box.Encrypt(content)
	if err != nil {
		return "", fmt.Errorf("jwks: encrypt: %w", err)
	}
	id, err := s.db.InsertJWK(ctx, tenantID, encrypted, kind, idempotent)
	if err != nil {
		return "", svcerr.NewTenantError(tenantID, err)
	}
	return id, nil
}

// ToggleActive atomically transitions id's active flag, returning whether
// a row actually changed state.
func (s *Store) ToggleActive(ctx context.Context, tenantID, id string, newState bool) (bool, error) {
	changed, err := s.db.ToggleActiveJWK(ctx, tenantID, id, newState)
	if err != nil {
		return false, svcerr.NewTenantError(tenantID, err)
	}
	return changed, nil
}

// JWKItem is a decrypted active JWKS row, parsed into a jwx key.
type JWKItem struct {
	ID     string
	Kind   string
	Cursor int64
	Key    jwk.Key
}

// ListActive returns every active JWK for tenantID, decrypted.
func (s *Store) ListActive(ctx context.Context, tenantID string) ([]JWKItem, error) {
	rows, err := s.db.ListActiveJWKs(ctx, tenantID)
	if err != nil {
		return nil, svcerr.NewTenantError(tenantID, err)
	}
	items := make([]JWKItem, 0, len(rows))
	for _, row := range rows {
		raw, err := s.box.Decrypt(row.EncryptedContent)
		if err != nil {
			return nil, svcerr.NewTenantError(tenantID, fmt.Errorf("decrypt jwk %s: %w", row.ID, err))
		}
		key, err := jwk.FromRaw(raw)
		if err != nil {
			return nil, svcerr.NewTenantError(tenantID, fmt.Errorf("parse jwk %s: %w", row.ID, err))
		}
		if err := key.Set(jwk.KeyIDKey, row.ID); err != nil {
			return nil, err
		}
		items = append(items, JWKItem{ID: row.ID, Kind: row.Kind, Cursor: row.Cursor, Key: key})
	}
	return items, nil
}

// ListTenantsWithoutKindPaginated returns tenants missing an active row of
// kind, ordered by cursor, starting after lastCursor.
func (s *Store) ListTenantsWithoutKindPaginated(ctx context.Context, kind string, batchSize int, lastCursor int64) ([]TenantCursor, error) {
	batch, err := s.db.ListTenantsWithoutKind(ctx, kind, batchSize, lastCursor)
	if err != nil {
		return nil, fmt.Errorf("jwks: list tenants without kind %s: %w", kind, err)
	}
	return batch, nil
}

// Manager is the cached, pub/sub-aware front end over Store.
type Manager struct {
	store    *Store
	coalesce *keyedmutex.Group
	log      *log.Logger

	mu    sync.RWMutex
	cache map[string]jwksCacheEntry
}

type jwksCacheEntry struct {
	urlSigningKey string
	jwks          []byte
}

// NewManager builds a Manager over store.
func NewManager(store *Store) *Manager {
	return &Manager{
		store:    store,
		coalesce: keyedmutex.New(),
		log:      log.New(log.Writer(), "[JWKS] ", log.LstdFlags),
		cache:    make(map[string]jwksCacheEntry),
	}
}

// GetJwksTenantConfig returns the tenant's cached JWKS set plus its active
// URL-signing key's raw secret, loading on a cache miss.
func (m *Manager) GetJwksTenantConfig(ctx context.Context, tenantID string) (urlSigningKey string, jwksJSON []byte, err error) {
	m.mu.RLock()
	entry, ok := m.cache[tenantID]
	m.mu.RUnlock()
	if ok {
		return entry.urlSigningKey, entry.jwks, nil
	}

	v, err := m.coalesce.Run("jwks:"+tenantID, func() (any, error) {
		return m.load(ctx, tenantID)
	})
	if err != nil {
		return "", nil, err
	}
	entry = v.(jwksCacheEntry)
	return entry.urlSigningKey, entry.jwks, nil
}

func (m *Manager) load(ctx context.Context, tenantID string) (jwksCacheEntry, error) {
	m.mu.RLock()
	entry, ok := m.cache[tenantID]
	m.mu.RUnlock()
	if ok {
		return entry, nil
	}
	items, err := m.store.ListActive(ctx, tenantID)
	if err != nil {
		return jwksCacheEntry{}, err
	}

	set := jwk.NewSet()
	var urlSigningKey string
	for _, item := range items {
		if err := set.AddKey(item.Key); err != nil {
			return jwksCacheEntry{}, fmt.Errorf("jwks: add key %s to set: %w", item.ID, err)
		}
		if item.Kind == ReservedKindURLSigning {
			var raw []byte
			if err := item.Key.Raw(&raw); err == nil {
				urlSigningKey = string(raw)
			}
		}
	}
	encoded, err := json.Marshal(set)
	if err != nil {
		return jwksCacheEntry{}, fmt.Errorf("jwks: marshal set: %w", err)
	}

	entry = jwksCacheEntry{urlSigningKey: urlSigningKey, jwks: encoded}
	m.mu.Lock()
	m.cache[tenantID] = entry
	m.mu.Unlock()
	return entry, nil
}

// GenerateUrlSigningJwk idempotently generates a fresh HS512 key for
// tenantID, inserts it under ReservedKindURLSigning, and publishes an
// invalidation on tenants_jwks_update.
func (m *Manager) GenerateUrlSigningJwk(ctx context.Context, tenantID string, bus *pubsub.Bus) error {
	secret, err := cryptoutil.RandomSecret(urlSigningKeyBytes)
	if err != nil {
		return err
	}
	if _, err := m.store.Insert(ctx, tenantID, secret, ReservedKindURLSigning, true); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, tenantID)
	m.mu.Unlock()
	if bus != nil {
		if err := bus.Publish(ctx, pubsub.ChannelTenantsJWKSUpdate, tenantID); err != nil {
			m.log.Printf("publish jwks invalidation for tenant %s failed: %v", tenantID, err)
		}
	}
	return nil
}

// ListenForJwksUpdate registers the tenants_jwks_update handler that
// evicts the cache entry for the affected tenant.
func (m *Manager) ListenForJwksUpdate(bus *pubsub.Bus) {
	bus.Subscribe(pubsub.ChannelTenantsJWKSUpdate, func(tenantID string) {
		m.mu.Lock()
		delete(m.cache, tenantID)
		m.mu.Unlock()
	})
}

// ListTenantsMissingUrlSigningJwk paginates tenants lacking an active
// URL-signing key, invoking fn once per batch. It is finite and
// restartable across process restarts since the caller supplies the
// resume cursor.
func (m *Manager) ListTenantsMissingUrlSigningJwk(ctx context.Context, batchSize int, fn func(batch []TenantCursor) error) error {
	var lastCursor int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		batch, err := m.store.ListTenantsWithoutKindPaginated(ctx, ReservedKindURLSigning, batchSize, lastCursor)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		lastCursor = batch[len(batch)-1].Cursor
		if len(batch) < batchSize {
			return nil
		}
	}
}

// GeneratorStatus reports UrlSigningJwkGenerator.GenerateOnAllTenants's
// outcome.
type GeneratorStatus string

const (
	StatusRunning   GeneratorStatus = "running"
	StatusCompleted GeneratorStatus = "completed"
)

// JobDispatcher is the subset of the durable job queue (component H) the
// backfill generator needs.
type JobDispatcher interface {
	Send(ctx context.Context, name string, payload []byte) error
}

// UrlSigningJwkGenerator dispatches one queue job per tenant missing a
// URL-signing key, in batches, and is a process-wide singleton: a call
// made while a prior call is still running returns StatusRunning instead
// of starting a second scan.
type UrlSigningJwkGenerator struct {
	manager    *Manager
	dispatcher JobDispatcher
	batchSize  int
	metrics    *obs.Collector
	running    atomic.Bool
}

// NewUrlSigningJwkGenerator builds a generator. batchSize defaults to 200
// per spec.md §4.I's batching convention if unset.
func NewUrlSigningJwkGenerator(manager *Manager, dispatcher JobDispatcher, batchSize int, metrics *obs.Collector) *UrlSigningJwkGenerator {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &UrlSigningJwkGenerator{manager: manager, dispatcher: dispatcher, batchSize: batchSize, metrics: metrics}
}

// GenerateOnAllTenants scans for tenants missing a URL-signing key and
// dispatches a backfill job for each. It returns StatusRunning without
// doing work if already in progress.
func (g *UrlSigningJwkGenerator) GenerateOnAllTenants(ctx context.Context) (GeneratorStatus, error) {
	if !g.running.CompareAndSwap(false, true) {
		return StatusRunning, nil
	}
	defer g.running.Store(false)

	err := g.manager.ListTenantsMissingUrlSigningJwk(ctx, g.batchSize, func(batch []TenantCursor) error {
		if g.metrics != nil {
			g.metrics.JWKSBackfillBatches.Inc()
		}
		for _, t := range batch {
			if err := g.dispatcher.Send(ctx, "jwks.generate_url_signing_key", []byte(t.TenantID)); err != nil {
				return fmt.Errorf("dispatch backfill for tenant %s: %w", t.TenantID, err)
			}
			if g.metrics != nil {
				g.metrics.JWKSBackfillTenants.Inc()
			}
		}
		return nil
	})
	if err != nil {
		return StatusCompleted, err
	}
	return StatusCompleted, nil
}
