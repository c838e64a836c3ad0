package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicops/portal/internal/platform/apperr"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "doctor-1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if km.Len() != 0 {
		t.Errorf("expected no slots left, got %d", km.Len())
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA, err := km.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := km.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("key b must not wait on key a: %v", err)
	}
	unlockB()
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	km := NewKeyedMutex()
	unlock, _ := km.Lock(context.Background(), "k")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	unlock()
	unlock()
	if km.Len() != 0 {
		t.Errorf("expected slot to be released, got %d", km.Len())
	}
}

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, ttl, zerolog.Nop()), mr
}

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	l, mr := newRedisLocker(t, 200*time.Millisecond)

	unlock, err := l.Lock(context.Background(), "request:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mr.Exists(keyPrefix + "request:1") {
		t.Fatal("expected lock key to be set")
	}
	if ttl := mr.TTL(keyPrefix + "request:1"); ttl <= 0 || ttl > 200*time.Millisecond {
		t.Errorf("expected key to expire within the hold ttl, got %v", ttl)
	}

	// Waits the full ttl, then gives up.
	started := time.Now()
	_, err = l.Lock(context.Background(), "request:1")
	if !apperr.IsKind(err, apperr.KindConcurrency) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if waited := time.Since(started); waited < 150*time.Millisecond {
		t.Errorf("expected to wait for the holder, gave up after %v", waited)
	}

	unlockOther, err := l.Lock(context.Background(), "request:2")
	if err != nil {
		t.Fatalf("other keys must not wait: %v", err)
	}
	unlockOther()

	unlock()
	unlock()
	if mr.Exists(keyPrefix + "request:1") {
		t.Fatal("expected release to delete the key")
	}

	unlock2, err := l.Lock(context.Background(), "request:1")
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	unlock2()
}

func TestRedisLocker_ExpiredHoldDoesNotReleaseNewHolder(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second)
	key := keyPrefix + "request:7"

	unlockFirst, err := l.Lock(context.Background(), "request:7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if mr.Exists(key) {
		t.Fatal("expected hold to expire")
	}

	unlockSecond, err := l.Lock(context.Background(), "request:7")
	if err != nil {
		t.Fatalf("expected second holder to acquire after expiry: %v", err)
	}
	token, err := mr.Get(key)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}

	unlockFirst()
	got, err := mr.Get(key)
	if err != nil || got != token {
		t.Fatalf("stale unlock removed the new hold: value %q, err %v", got, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "request:7"); err == nil {
		t.Fatal("expected lock to still be held by the second holder")
	}

	unlockSecond()
	if mr.Exists(key) {
		t.Fatal("expected the current holder to release the key")
	}
}
