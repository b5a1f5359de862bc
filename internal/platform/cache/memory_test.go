package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "capacity"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss on empty store, got %v", err)
	}
	if err := s.Set(ctx, "capacity", []byte(`{"occupancy":0.5}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "capacity")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"occupancy":0.5}` {
		t.Errorf("unexpected value %q", got)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	s := NewMemoryStore().WithClock(clock.now)

	_ = s.Set(ctx, "k", []byte("v"), 60*time.Second)
	clock.advance(59 * time.Second)
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("expected hit before ttl, got %v", err)
	}
	clock.advance(time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss at ttl boundary, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected expired entry to be evicted, len=%d", s.Len())
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf, time.Minute)
	buf[0] = 'x'

	got, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}
	got[1] = 'y'
	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("returned value aliased stored buffer: %q", again)
	}
}

func TestMemoryStore_DeleteAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	s := NewMemoryStore().WithClock(clock.now)

	_ = s.Set(ctx, "a", []byte("1"), time.Second)
	_ = s.Set(ctx, "b", []byte("2"), time.Hour)
	_ = s.Delete(ctx, "b")
	clock.advance(2 * time.Second)
	s.sweep()

	if s.Len() != 0 {
		t.Errorf("expected empty store, len=%d", s.Len())
	}
}

func TestMemoryStore_EvictKeepsFreshValue(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	s := NewMemoryStore().WithClock(clock.now)

	_ = s.Set(ctx, "capacity", []byte("old"), time.Second)
	clock.advance(2 * time.Second)
	expiredAt := clock.now()

	// A writer refreshes the key after Get saw it expired.
	_ = s.Set(ctx, "capacity", []byte("new"), time.Minute)
	s.evictExpired("capacity", expiredAt)

	got, err := s.Get(ctx, "capacity")
	if err != nil {
		t.Fatalf("fresh value evicted: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("expected the refreshed value, got %q", got)
	}

	clock.advance(2 * time.Minute)
	s.evictExpired("capacity", clock.now())
	if s.Len() != 0 {
		t.Errorf("expected the expired entry to be evicted, %d left", s.Len())
	}
}
