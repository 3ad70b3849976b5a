// Package queue provides the job intake transport for the runner:
// job requests arrive over a Redis list (LPUSH/BRPOP), decoupling
// producers from however many runner processes are draining the queue.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

const jobListKey = "vmrunner:jobs"

// Job is the wire representation of one job request arriving over the
// queue: enough to derive a VmId and boot a VM. The agent-execution
// path that actually runs inside the guest is out of scope (spec.md
// §1); this carries only what the Runner Supervisor needs to build a
// VMSpec.
type Job struct {
	RequestID  string            `json:"request_id"`
	Runtime    string            `json:"runtime"`
	MemSizeMiB int               `json:"mem_size_mib"`
	VCPUCount  int               `json:"vcpu_count"`
	TimeoutS   int               `json:"timeout_s"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
}

// JobQueue pushes and pulls Job values over a Redis list, grounded on
// oriys-nova's internal/queue/redis_list_notifier.go LPUSH/BRPOP
// push-pull pattern (RedisListNotifier), adapted to carry full job
// payloads instead of bare wake-up signals, and to go-redis v8 — the
// version go.mod actually declares (the teacher file itself imports
// v9, a version-drift artifact in the retrieved source).
type JobQueue struct {
	client *redis.Client
}

// NewJobQueue wraps an existing Redis client.
func NewJobQueue(client *redis.Client) *JobQueue {
	return &JobQueue{client: client}
}

// Enqueue pushes a job onto the list. Exactly one dequeuer receives it.
func (q *JobQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, jobListKey, data).Err()
}

// Dequeue blocks (via BRPOP with a 1s poll interval, to allow periodic
// context-cancellation checks) until a job is available or ctx is done.
func (q *JobQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		default:
		}

		result, err := q.client.BRPop(ctx, time.Second, jobListKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, err
		}
		if len(result) < 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			continue // malformed payload from a misbehaving producer; skip it
		}
		return job, nil
	}
}
