package venue

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Close() error { return nil }

func TestNextNonceMonotonic(t *testing.T) {
	store := newMemStore()
	c := NewClient(ClientOpts{Store: store})
	fixed := time.UnixMilli(1700000000000)
	c.now = func() time.Time { return fixed }

	first, err := c.nextNonce(context.Background())
	if err != nil {
		t.Fatalf("nonce error: %v", err)
	}
	if first != 1700000000000 {
		t.Fatalf("expected wall-clock nonce, got %d", first)
	}
	// Clock has not advanced; the nonce must still increase.
	second, err := c.nextNonce(context.Background())
	if err != nil {
		t.Fatalf("nonce error: %v", err)
	}
	if second != first+1 {
		t.Fatalf("expected %d, got %d", first+1, second)
	}
}

func TestNextNonceSurvivesRestart(t *testing.T) {
	store := newMemStore()
	ahead := time.UnixMilli(1800000000000)

	c1 := NewClient(ClientOpts{Store: store})
	c1.now = func() time.Time { return ahead }
	last, err := c1.nextNonce(context.Background())
	if err != nil {
		t.Fatalf("nonce error: %v", err)
	}

	// A fresh client with a lagging clock resumes past the persisted
	// high-water mark instead of reusing old nonces.
	c2 := NewClient(ClientOpts{Store: store})
	c2.now = func() time.Time { return time.UnixMilli(1700000000000) }
	next, err := c2.nextNonce(context.Background())
	if err != nil {
		t.Fatalf("nonce error: %v", err)
	}
	if next != last+1 {
		t.Fatalf("expected %d after restart, got %d", last+1, next)
	}
}

func TestMidsCachePrefersPositivePrices(t *testing.T) {
	cache := NewMidsCache()
	cache.update(map[string]string{"BTC": "30100.5", "ETH": "bogus"})
	if px, ok := cache.Get("BTC"); !ok || px != 30100.5 {
		t.Fatalf("expected BTC mid, got %v %v", px, ok)
	}
	if _, ok := cache.Get("ETH"); ok {
		t.Fatalf("expected unparseable mid to be ignored")
	}
	if _, ok := cache.Get("SOL"); ok {
		t.Fatalf("expected miss for unknown coin")
	}
}

func TestFeedHandleAllMids(t *testing.T) {
	cache := NewMidsCache()
	feed := NewFeed("wss://example.invalid/ws", time.Second, cache, nil)
	feed.handle([]byte(`{"channel":"allMids","data":{"mids":{"BTC":"30000.0","@1":"0.25"}}}`))
	if px, ok := cache.Get("BTC"); !ok || px != 30000.0 {
		t.Fatalf("expected BTC mid, got %v %v", px, ok)
	}
	if px, ok := cache.Get("@1"); !ok || px != 0.25 {
		t.Fatalf("expected spot mid, got %v %v", px, ok)
	}
	// Unrelated channels leave the cache untouched.
	feed.handle([]byte(`{"channel":"subscriptionResponse","data":{}}`))
	if px, _ := cache.Get("BTC"); px != 30000.0 {
		t.Fatalf("cache mutated by unrelated message")
	}
}
