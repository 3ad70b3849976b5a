package queue

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// newTestRedisClient creates a Redis client for testing. Tests that
// require a running Redis instance are skipped automatically. Grounded
// on oriys-nova's internal/queue/redis_notifier_test.go.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestJobQueue_EnqueueDequeue(t *testing.T) {
	client := newTestRedisClient(t)
	client.Del(context.Background(), jobListKey)

	q := NewJobQueue(client)
	job := Job{
		RequestID:  "req-1",
		Runtime:    "python3.11",
		MemSizeMiB: 256,
		VCPUCount:  2,
		TimeoutS:   30,
		EnvVars:    map[string]string{"FOO": "bar"},
	}

	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.RequestID != job.RequestID || got.Runtime != job.Runtime ||
		got.MemSizeMiB != job.MemSizeMiB || got.VCPUCount != job.VCPUCount ||
		got.TimeoutS != job.TimeoutS || got.EnvVars["FOO"] != "bar" {
		t.Fatalf("expected %+v, got %+v", job, got)
	}
}

func TestJobQueue_DequeueRespectsCancellation(t *testing.T) {
	client := newTestRedisClient(t)
	client.Del(context.Background(), jobListKey)

	q := NewJobQueue(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatal("expected Dequeue to return an error for an already-cancelled context")
	}
}

func TestJobQueue_FIFOOrdering(t *testing.T) {
	client := newTestRedisClient(t)
	client.Del(context.Background(), jobListKey)

	q := NewJobQueue(client)
	first := Job{RequestID: "first"}
	second := Job{RequestID: "second"}

	if err := q.Enqueue(context.Background(), first); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if err := q.Enqueue(context.Background(), second); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue first: %v", err)
	}
	if got1.RequestID != "first" {
		t.Fatalf("expected FIFO order, got %s first", got1.RequestID)
	}

	got2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue second: %v", err)
	}
	if got2.RequestID != "second" {
		t.Fatalf("expected FIFO order, got %s second", got2.RequestID)
	}
}
