package proxyhttp

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCache(t *testing.T, ttl time.Duration) *CertCache {
	t.Helper()
	ca, err := NewCAManager(testCAConfig(t), slog.Default())
	if err != nil {
		t.Fatalf("NewCAManager() error: %v", err)
	}
	return NewCertCache(ca, ttl, slog.Default())
}

func TestCertCacheHit(t *testing.T) {
	t.Parallel()

	cc := newTestCache(t, 0)
	first, err := cc.GetCert("api.example.com")
	if err != nil {
		t.Fatalf("GetCert() error: %v", err)
	}
	second, err := cc.GetCert("api.example.com")
	if err != nil {
		t.Fatalf("GetCert() error: %v", err)
	}
	if first != second {
		t.Error("second lookup should return the cached certificate")
	}
	if cc.Size() != 1 {
		t.Errorf("Size() = %d, want 1", cc.Size())
	}

	if _, err := cc.GetCert("other.example.com"); err != nil {
		t.Fatalf("GetCert() error: %v", err)
	}
	if cc.Size() != 2 {
		t.Errorf("Size() = %d, want 2", cc.Size())
	}
}

func TestCertCacheMintCallback(t *testing.T) {
	t.Parallel()

	cc := newTestCache(t, 0)
	var mints atomic.Int64
	cc.OnMint(func() { mints.Add(1) })

	if _, err := cc.GetCert("api.example.com"); err != nil {
		t.Fatalf("GetCert() error: %v", err)
	}
	if _, err := cc.GetCert("api.example.com"); err != nil {
		t.Fatalf("GetCert() error: %v", err)
	}
	if got := mints.Load(); got != 1 {
		t.Errorf("mints after cache hit = %d, want 1", got)
	}

	if _, err := cc.GetCert("other.example.com"); err != nil {
		t.Fatalf("GetCert() error: %v", err)
	}
	if got := mints.Load(); got != 2 {
		t.Errorf("mints after second host = %d, want 2", got)
	}
}

func TestCertCacheExpiry(t *testing.T) {
	t.Parallel()

	cc := newTestCache(t, time.Millisecond)
	first, err := cc.GetCert("api.example.com")
	if err != nil {
		t.Fatalf("GetCert() error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := cc.GetCert("api.example.com")
	if err != nil {
		t.Fatalf("GetCert() error: %v", err)
	}
	if first == second {
		t.Error("expired entry should be re-minted")
	}
}

func TestCertCacheCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	cc := newTestCache(t, 0)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cc.GetCert("api.example.com")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("GetCert() [%d] error: %v", i, err)
		}
	}
	if cc.Size() != 1 {
		t.Errorf("Size() = %d, want 1 after coalesced misses", cc.Size())
	}
}

func TestCertCacheClear(t *testing.T) {
	t.Parallel()

	cc := newTestCache(t, 0)
	if _, err := cc.GetCert("api.example.com"); err != nil {
		t.Fatalf("GetCert() error: %v", err)
	}
	cc.Clear()
	if cc.Size() != 0 {
		t.Errorf("Size() after Clear = %d, want 0", cc.Size())
	}
}
