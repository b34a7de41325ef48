package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"wake-dispatch/internal/config"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, config.Config{VisibilityTimeout: time.Minute, DLQName: "test:dlq"}), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "exec-1", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "exec-1" {
		t.Fatalf("expected exec-1, got %q err=%v", id, err)
	}
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected empty queue, got %q err=%v", id, err)
	}
	if err := q.Ack(ctx, "exec-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("acked lease should not be reclaimed, got %v err=%v", reclaimed, err)
	}
}

func TestTimersPromoteWhenDue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	now := time.Now()

	if err := q.Schedule(ctx, "soon", now.Add(5*time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.Enqueue(ctx, "later", now.Add(time.Hour)); err != nil {
		t.Fatalf("enqueue future: %v", err)
	}

	n, err := q.PromoteScheduled(ctx, now, 10)
	if err != nil || n != 0 {
		t.Fatalf("nothing is due yet, promoted %d err=%v", n, err)
	}
	at, ok, err := q.TimerAt(ctx, "soon")
	if err != nil || !ok || at.UnixMilli() != now.Add(5*time.Second).UnixMilli() {
		t.Fatalf("unexpected timer %v ok=%v err=%v", at, ok, err)
	}

	n, err = q.PromoteScheduled(ctx, now.Add(5*time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one promotion, got %d err=%v", n, err)
	}
	if _, ok, _ := q.TimerAt(ctx, "soon"); ok {
		t.Fatalf("promoted timer should be removed")
	}
	depth, _ := q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
	id, _ := q.DequeueWithLease(ctx)
	if id != "soon" {
		t.Fatalf("expected soon, got %q", id)
	}
}

func TestRescheduleMovesTimer(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	now := time.Now()

	_ = q.Schedule(ctx, "exec-1", now.Add(time.Hour))
	_ = q.Schedule(ctx, "exec-1", now.Add(time.Second))

	n, err := q.PromoteScheduled(ctx, now.Add(2*time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected the moved timer to fire once, got %d err=%v", n, err)
	}
}

func TestExpiredLeasesAreRequeued(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_ = q.Enqueue(ctx, "exec-1", time.Now())
	if id, _ := q.DequeueWithLease(ctx); id != "exec-1" {
		t.Fatalf("expected exec-1, got %q", id)
	}

	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("lease is still valid, got %v err=%v", reclaimed, err)
	}
	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(reclaimed) != 1 || reclaimed[0] != "exec-1" {
		t.Fatalf("expected exec-1 reclaimed, got %v err=%v", reclaimed, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "exec-1" {
		t.Fatalf("reclaimed execution should be ready again, got %q", id)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	_ = q.DLQPush(ctx, "a")
	_ = q.DLQPush(ctx, "b")
	items, err := q.DLQPeek(ctx, 10)
	if err != nil || len(items) != 2 || items[0] != "a" {
		t.Fatalf("unexpected dlq %v err=%v", items, err)
	}
	if !mr.Exists("test:dlq") {
		t.Fatalf("expected configured dlq key")
	}
}

func TestExtendLeasePushesDeadline(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_ = q.Enqueue(ctx, "exec-1", time.Now())
	if id, _ := q.DequeueWithLease(ctx); id != "exec-1" {
		t.Fatalf("expected exec-1, got %q", id)
	}
	if err := q.ExtendLease(ctx, "exec-1", 10*time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}

	// The original one-minute lease would have expired by now.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(5*time.Minute), 10)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("extended lease must not be reclaimed, got %v err=%v", reclaimed, err)
	}
	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(11*time.Minute), 10)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("expected lease reclaimed after extension, got %v err=%v", reclaimed, err)
	}
}

func TestExtendLeaseDoesNotRecreateAckedLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_ = q.Enqueue(ctx, "exec-1", time.Now())
	_, _ = q.DequeueWithLease(ctx)
	_ = q.Ack(ctx, "exec-1")
	if err := q.ExtendLease(ctx, "exec-1", time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("acked lease must stay gone, got %v err=%v", reclaimed, err)
	}
}
