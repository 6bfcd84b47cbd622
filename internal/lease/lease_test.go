package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func exerciseExclusive(t *testing.T, locker Locker) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "project-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxInside)
	}
}

func TestLocalExclusive(t *testing.T) {
	exerciseExclusive(t, NewLocal())
}

func TestLocalAcquireHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "p")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "p"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	other, err := l.Acquire(context.Background(), "q")
	if err != nil {
		t.Fatalf("independent key should not block: %v", err)
	}
	other()
}

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedis(client, "test:lease:", time.Minute, nil)
	locker.poll = 2 * time.Millisecond
	return locker, mr
}

func TestRedisExclusive(t *testing.T) {
	locker, _ := newRedisLocker(t)
	exerciseExclusive(t, locker)
}

func TestRedisReleaseDeletesOnlyOwnToken(t *testing.T) {
	locker, mr := newRedisLocker(t)
	release, err := locker.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists("test:lease:p1") {
		t.Fatalf("expected lease key to exist")
	}
	// Simulate expiry and takeover by another holder.
	mr.Set("test:lease:p1", "someone-else")
	release()
	if got, _ := mr.Get("test:lease:p1"); got != "someone-else" {
		t.Fatalf("release must not delete a lease it no longer owns, got %q", got)
	}
}
