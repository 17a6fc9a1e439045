package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.TryLock(context.Background(), "patient-1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("expected at most one holder, saw %d", maxActive)
	}
	if l.held() != 0 {
		t.Errorf("expected slots to be cleaned up, got %d", l.held())
	}
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	unlock, err := l.TryLock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.TryLock(ctx, "b")
	if err != nil {
		t.Fatalf("expected key b to be free: %v", err)
	}
	unlockB()
}

func TestLocal_ContextCancelled(t *testing.T) {
	l := NewLocal()
	unlock, _ := l.TryLock(context.Background(), "a")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.TryLock(ctx, "a")
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	unlock()
	unlock()
	if l.held() != 0 {
		t.Errorf("expected no held keys, got %d", l.held())
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedis_ExclusiveAndRelease(t *testing.T) {
	client := newTestRedis(t)
	l := NewRedis(client, "test:lock:", Options{TTL: 2 * time.Second, RetryDelay: 5 * time.Millisecond}, zerolog.Nop())

	unlock, err := l.TryLock(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := l.TryLock(ctx, t.Name()); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired while held, got %v", err)
	}

	unlock()
	unlock2, err := l.TryLock(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	unlock2()
}

func TestRedis_RenewsWhileHeld(t *testing.T) {
	client := newTestRedis(t)
	ttl := 150 * time.Millisecond
	l := NewRedis(client, "test:lock:", Options{TTL: ttl, RetryDelay: 5 * time.Millisecond}, zerolog.Nop())

	unlock, err := l.TryLock(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(3 * ttl)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.TryLock(ctx, t.Name()); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected lock to outlive its TTL while held, got %v", err)
	}

	unlock()
	if n, _ := client.Exists(context.Background(), "test:lock:"+t.Name()).Result(); n != 0 {
		t.Errorf("expected key to be released")
	}
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.TTL != 30*time.Second || o.RenewInterval != 10*time.Second || o.RetryDelay != 50*time.Millisecond {
		t.Errorf("unexpected defaults %+v", o)
	}
	o = Options{TTL: time.Second, RenewInterval: 5 * time.Second}.withDefaults()
	if o.RenewInterval >= o.TTL {
		t.Errorf("renew interval %s must be shorter than TTL %s", o.RenewInterval, o.TTL)
	}
}
