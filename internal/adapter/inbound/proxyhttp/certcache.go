package proxyhttp

import (
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCertTTL is how long minted leaf certificates are served from
// cache. One day less than the leaf validity so a cached cert never
// outlives itself.
const DefaultCertTTL = 364 * 24 * time.Hour

// cacheEntry holds a cached leaf certificate and its cache expiry.
type cacheEntry struct {
	cert      *tls.Certificate
	expiresAt time.Time
}

// CertCache is the per-host leaf certificate cache. Concurrent misses
// for the same host coalesce into one mint.
type CertCache struct {
	mu     sync.RWMutex
	certs  map[string]*cacheEntry
	mints  singleflight.Group
	ca     *CAManager
	ttl    time.Duration
	onMint func()
	logger *slog.Logger
}

// NewCertCache creates a cache backed by the given CA. A zero ttl
// selects the default.
func NewCertCache(ca *CAManager, ttl time.Duration, logger *slog.Logger) *CertCache {
	if ttl <= 0 {
		ttl = DefaultCertTTL
	}
	return &CertCache{
		certs:  make(map[string]*cacheEntry),
		ca:     ca,
		ttl:    ttl,
		logger: logger,
	}
}

// OnMint registers a callback invoked once per minted leaf. Feeds the
// cert mint counter; cache hits do not fire it.
func (cc *CertCache) OnMint(fn func()) { cc.onMint = fn }

// GetCert returns the leaf certificate for a host, minting one on a
// miss. A second request for the same host while a mint is in flight
// joins it rather than duplicating work.
func (cc *CertCache) GetCert(host string) (*tls.Certificate, error) {
	cc.mu.RLock()
	entry, ok := cc.certs[host]
	if ok && time.Now().Before(entry.expiresAt) {
		cc.mu.RUnlock()
		return entry.cert, nil
	}
	cc.mu.RUnlock()

	v, err, _ := cc.mints.Do(host, func() (any, error) {
		// Re-check under the group: the previous flight may have filled
		// the cache between our miss and this call.
		cc.mu.RLock()
		entry, ok := cc.certs[host]
		cc.mu.RUnlock()
		if ok && time.Now().Before(entry.expiresAt) {
			return entry.cert, nil
		}

		cc.logger.Debug("cert cache miss, minting", "host", host)
		cert, err := cc.ca.GenerateCert(host)
		if err != nil {
			return nil, err
		}
		cc.mu.Lock()
		cc.certs[host] = &cacheEntry{cert: cert, expiresAt: time.Now().Add(cc.ttl)}
		cc.mu.Unlock()
		if cc.onMint != nil {
			cc.onMint()
		}
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// Size returns the number of cached certificates.
func (cc *CertCache) Size() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.certs)
}

// Clear drops all cached certificates. Used on CA rotation.
func (cc *CertCache) Clear() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.certs = make(map[string]*cacheEntry)
}
