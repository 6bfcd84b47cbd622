package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/pkg/logger"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := New(client, "builds", Options{
		LockDuration:    time.Second,
		StalledInterval: time.Hour,
		MaxStalledCount: 1,
		IdleWait:        20 * time.Millisecond,
	}, logger.Discard())
	return q, mr
}

func testJob(id string) domain.BuildJob {
	return domain.BuildJob{
		BuildID:      id,
		ProjectID:    "p1",
		SourceURL:    "https://github.com/acme/app",
		BuildCommand: "bun run build",
		RuntimeKind:  domain.RuntimeServer,
		EnvVars:      map[string]string{"A": "1"},
	}
}

func TestConsumerProcessesAndRemovesJob(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, testJob("b1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testJob("b1")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	got := make(chan domain.BuildJob, 1)
	consumer := NewConsumer(q, func(_ context.Context, job domain.BuildJob) error {
		got <- job
		return errors.New("build failed")
	}, nil)
	go consumer.Run(ctx)

	select {
	case job := <-got:
		if job.BuildID != "b1" || job.EnvVars["A"] != "1" {
			t.Fatalf("unexpected job %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job was not consumed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for mr.Exists("builds:job:b1") {
		if time.Now().After(deadline) {
			t.Fatalf("failed job should be removed from the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
	waiting, active, err := q.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if waiting != 0 || active != 0 {
		t.Fatalf("expected empty queue, got waiting=%d active=%d", waiting, active)
	}
}

func TestJobDeliveredToOneConsumer(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	var wg sync.WaitGroup
	wg.Add(1)
	handler := func(context.Context, domain.BuildJob) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			wg.Done()
		}
		return nil
	}
	for i := 0; i < 3; i++ {
		go NewConsumer(q, handler, nil).Run(ctx)
	}
	if err := q.Enqueue(ctx, testJob("b2")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	wg.Wait()
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
}

func TestRecoverStalledRequeuesThenDrops(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, testJob("b3")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claim, err := q.claim(ctx, "dead-consumer")
	if err != nil || claim == nil {
		t.Fatalf("claim: %v %v", claim, err)
	}
	requeued, dropped, err := q.RecoverStalled(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 0 || len(dropped) != 0 {
		t.Fatalf("locked job must not be recovered, got requeued=%d dropped=%d", requeued, len(dropped))
	}

	mr.FastForward(2 * time.Second)
	requeued, dropped, err = q.RecoverStalled(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 1 || len(dropped) != 0 {
		t.Fatalf("expected one requeue, got requeued=%d dropped=%d", requeued, len(dropped))
	}

	claim, err = q.claim(ctx, "dead-again")
	if err != nil || claim == nil || claim.id != "b3" {
		t.Fatalf("expected redelivery of b3, got %v %v", claim, err)
	}
	mr.FastForward(2 * time.Second)
	requeued, dropped, err = q.RecoverStalled(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 0 || len(dropped) != 1 || dropped[0].BuildID != "b3" {
		t.Fatalf("expected b3 dropped, got requeued=%d dropped=%v", requeued, dropped)
	}
	if mr.Exists("builds:job:b3") {
		t.Fatalf("dropped job payload should be deleted")
	}
}

func TestHeartbeatKeepsLock(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, testJob("b4")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claim, err := q.claim(ctx, "token")
	if err != nil || claim == nil {
		t.Fatalf("claim: %v %v", claim, err)
	}
	mr.FastForward(800 * time.Millisecond)
	ok, err := q.extend(ctx, claim)
	if err != nil || !ok {
		t.Fatalf("extend: %v %v", ok, err)
	}
	mr.FastForward(800 * time.Millisecond)
	if !mr.Exists("builds:lock:b4") {
		t.Fatalf("extended lock should still exist")
	}
	ok, err = q.extend(ctx, &claimed{id: "b4", token: "other"})
	if err != nil || ok {
		t.Fatalf("foreign token must not extend, got %v %v", ok, err)
	}
}

func TestShutdownLeavesInterruptedJobForRedelivery(t *testing.T) {
	q, mr := newTestQueue(t)
	if err := q.Enqueue(context.Background(), testJob("b5")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	consumer := NewConsumer(q, func(ctx context.Context, _ domain.BuildJob) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("job was not consumed")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
	}

	waiting, active, err := q.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if waiting != 0 || active != 1 || !mr.Exists("builds:job:b5") {
		t.Fatalf("interrupted job should stay active, got waiting=%d active=%d", waiting, active)
	}

	mr.FastForward(2 * time.Second)
	requeued, dropped, err := q.RecoverStalled(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 1 || len(dropped) != 0 {
		t.Fatalf("expected one requeue, got requeued=%d dropped=%d", requeued, len(dropped))
	}
	claim, err := q.claim(context.Background(), "next-consumer")
	if err != nil || claim == nil || claim.id != "b5" {
		t.Fatalf("expected redelivery of b5, got %v %v", claim, err)
	}
}
