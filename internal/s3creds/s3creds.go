// Package s3creds implements component G: CRUD and cached lookup of
// per-tenant S3-compatible access/secret key pairs, and SigV4 resolution
// of an Authorization header to the tenant-scoped credential it signs for.
package s3creds

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nimbusstore/tenantcore/internal/cryptoutil"
	"github.com/nimbusstore/tenantcore/internal/keyedmutex"
	"github.com/nimbusstore/tenantcore/internal/obs"
	"github.com/nimbusstore/tenantcore/internal/pubsub"
	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

// MaximumCredentialsLimit is the per-tenant cap on live credentials.
const MaximumCredentialsLimit = 50

const accessKeyBytes = 32
const secretKeyBytes = 64

// reservedClaims are stripped from caller-supplied claims before storage;
// issuer and timing claims are owned by this package.
var reservedClaims = map[string]struct{}{
	"iss": {}, "issuer": {}, "exp": {}, "iat": {},
}

// Credential is a decrypted, usable S3 credential.
type Credential struct {
	ID          string
	AccessKey   string
	SecretKey   string
	Description string
	Claims      map[string]any
	CreatedAt   time.Time
}

// Row is the encrypted-at-rest persisted form.
type Row struct {
	ID                 string
	TenantID           string
	AccessKey          string
	EncryptedSecretKey string
	Description        string
	Claims             map[string]any
	CreatedAt          time.Time
}

// DB is the persistence backend driving the store.
type DB interface {
	InsertCredential(ctx context.Context, row Row) error
	GetCredentialByAccessKey(ctx context.Context, tenantID, accessKey string) (*Row, error)
	DeleteCredential(ctx context.Context, tenantID, id string) error
	ListCredentials(ctx context.Context, tenantID string) ([]Row, error)
	CountCredentials(ctx context.Context, tenantID string) (int, error)
}

// cacheEntry is an LRU-tracked decrypted credential, updated-on-get.
type cacheEntry struct {
	cred      Credential
	expiresAt time.Time
}

// cacheBudgetBytes is the cache's target memory footprint, per spec.md
// §4.G. The underlying LRU evicts by entry count rather than measured
// bytes, so the count is derived from an estimated per-entry size.
const cacheBudgetBytes = 50 * 1024 * 1024

// estimatedEntryBytes approximates one cached credential's resident size:
// two hex-encoded keys, a description, and typical claims overhead.
const estimatedEntryBytes = 1024

// Manager is the cached, pub/sub-aware front end over DB.
type Manager struct {
	db       DB
	box      *cryptoutil.Box
	coalesce *keyedmutex.Group
	ttl      time.Duration
	metrics  *obs.Collector

	cache *lru.Cache // key: tenantID + "/" + accessKey, value: cacheEntry
}

// Options configures a Manager.
type Options struct {
	DB      DB
	Box     *cryptoutil.Box
	TTL     time.Duration // default 1h, per spec.md §4.G
	Metrics *obs.Collector
}

// New builds a Manager.
func New(opts Options) *Manager {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	cache, err := lru.New(cacheBudgetBytes / estimatedEntryBytes)
	if err != nil {
		// Only returns an error for a non-positive size, which the
		// constants above never produce.
		panic(fmt.Sprintf("s3creds: build credential cache: %v", err))
	}
	return &Manager{
		db:       opts.DB,
		box:      opts.Box,
		coalesce: keyedmutex.New(),
		ttl:      ttl,
		metrics:  opts.Metrics,
		cache:    cache,
	}
}

// CreateS3Credentials generates a fresh access/secret key pair for
// tenantID, enforcing the per-tenant cap and stripping reserved claims.
func (m *Manager) CreateS3Credentials(ctx context.Context, tenantID, description string, claims map[string]any) (*Credential, error) {
	count, err := m.db.CountCredentials(ctx, tenantID)
	if err != nil {
		return nil, svcerr.NewTenantError(tenantID, err)
	}
	if count >= MaximumCredentialsLimit {
		return nil, svcerr.ErrMaximumCredentialsLimit
	}

	accessKey, err := randomHex(accessKeyBytes)
	if err != nil {
		return nil, err
	}
	secretKey, err := randomHex(secretKeyBytes)
	if err != nil {
		return nil, err
	}

	cleaned := make(map[string]any, len(claims))
	for k, v := range claims {
		if _, reserved := reservedClaims[k]; reserved {
			continue
		}
		cleaned[k] = v
	}
	cleaned["issuer"] = fmt.Sprintf("supabase.storage.%s", tenantID)

	encrypted, err := m.box.EncryptString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("s3creds: encrypt secret: %w", err)
	}

	row := Row{
		TenantID: tenantID, AccessKey: accessKey, EncryptedSecretKey: encrypted,
		Description: description, Claims: cleaned, CreatedAt: time.Now(),
	}
	if err := m.db.InsertCredential(ctx, row); err != nil {
		return nil, svcerr.NewTenantError(tenantID, err)
	}

	return &Credential{
		ID: row.ID, AccessKey: accessKey, SecretKey: secretKey,
		Description: description, Claims: cleaned, CreatedAt: row.CreatedAt,
	}, nil
}

// GetS3CredentialsByAccessKey resolves accessKey to a decrypted
// credential, serving from a TTL-bound, updated-on-get cache. Concurrent
// misses for the same key are coalesced.
func (m *Manager) GetS3CredentialsByAccessKey(ctx context.Context, tenantID, accessKey string) (*Credential, error) {
	cacheKey := tenantID + "/" + accessKey

	if cred, ok := m.cacheGet(cacheKey); ok {
		if m.metrics != nil {
			m.metrics.S3CredentialCacheHits.Inc()
		}
		return cred, nil
	}
	if m.metrics != nil {
		m.metrics.S3CredentialCacheMisses.Inc()
	}

	v, err := m.coalesce.Run("s3cred:"+cacheKey, func() (any, error) {
		return m.load(ctx, tenantID, accessKey, cacheKey)
	})
	if err != nil {
		return nil, err
	}
	cred := v.(Credential)
	return &cred, nil
}

// cacheGet returns the cached credential for key if present and unexpired,
// refreshing its TTL and LRU recency on every hit.
func (m *Manager) cacheGet(key string) (*Credential, bool) {
	raw, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	entry := raw.(cacheEntry)
	if time.Now().After(entry.expiresAt) {
		m.cache.Remove(key)
		return nil, false
	}
	entry.expiresAt = time.Now().Add(m.ttl)
	m.cache.Add(key, entry)
	return &entry.cred, true
}

func (m *Manager) load(ctx context.Context, tenantID, accessKey, cacheKey string) (Credential, error) {
	if cred, ok := m.cacheGet(cacheKey); ok {
		return *cred, nil
	}

	row, err := m.db.GetCredentialByAccessKey(ctx, tenantID, accessKey)
	if err != nil {
		return Credential{}, svcerr.NewTenantError(tenantID, err)
	}
	if row == nil {
		return Credential{}, svcerr.ErrMissingS3Credentials
	}
	secretKey, err := m.box.DecryptString(row.EncryptedSecretKey)
	if err != nil {
		return Credential{}, svcerr.NewTenantError(tenantID, fmt.Errorf("decrypt s3 credential %s: %w", row.ID, err))
	}

	cred := Credential{
		ID: row.ID, AccessKey: row.AccessKey, SecretKey: secretKey,
		Description: row.Description, Claims: row.Claims, CreatedAt: row.CreatedAt,
	}
	m.cache.Add(cacheKey, cacheEntry{cred: cred, expiresAt: time.Now().Add(m.ttl)})
	return cred, nil
}

// DeleteS3Credential removes id and evicts any cached entry for it.
func (m *Manager) DeleteS3Credential(ctx context.Context, tenantID, id, accessKey string) error {
	if err := m.db.DeleteCredential(ctx, tenantID, id); err != nil {
		return svcerr.NewTenantError(tenantID, err)
	}
	m.cache.Remove(tenantID + "/" + accessKey)
	return nil
}

// ListS3Credentials lists every credential row for tenantID. Secret keys
// are not decrypted; callers needing the secret must go through
// GetS3CredentialsByAccessKey.
func (m *Manager) ListS3Credentials(ctx context.Context, tenantID string) ([]Row, error) {
	rows, err := m.db.ListCredentials(ctx, tenantID)
	if err != nil {
		return nil, svcerr.NewTenantError(tenantID, err)
	}
	return rows, nil
}

// CountS3Credentials returns the live credential count for tenantID.
func (m *Manager) CountS3Credentials(ctx context.Context, tenantID string) (int, error) {
	n, err := m.db.CountCredentials(ctx, tenantID)
	if err != nil {
		return 0, svcerr.NewTenantError(tenantID, err)
	}
	return n, nil
}

// ListenForS3CredentialsUpdate registers the invalidation handler that
// drops every cached entry for the affected tenant, forcing a re-load on
// next lookup.
func (m *Manager) ListenForS3CredentialsUpdate(bus *pubsub.Bus) {
	bus.Subscribe(pubsub.ChannelTenantsS3CredentialsUpdate, func(tenantID string) {
		prefix := tenantID + "/"
		for _, k := range m.cache.Keys() {
			key := k.(string)
			if strings.HasPrefix(key, prefix) {
				m.cache.Remove(key)
			}
		}
	})
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("s3creds: generate random key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
