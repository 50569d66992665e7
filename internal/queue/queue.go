// Package queue implements the durable delayed job queue on Redis sorted
// sets. The backend is injected, never a process-wide singleton, so tests run
// against miniredis and the worker endpoint can share a client with the rest
// of the process.
//
// Delivery semantics: Pop atomically removes the job it returns, so a job is
// handed to at most one worker invocation. The caller is expected to requeue
// on processing failure (see Retry); only a hard crash between Pop and Retry
// loses a job.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = time.Minute
	defaultBackoffCap  = time.Hour
)

// popScript takes the oldest due member and removes it in one atomic step.
// Two concurrent pops can never observe the same member.
var popScript = redis.NewScript(`
	local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #items == 0 then
		return false
	end
	redis.call('ZREM', KEYS[1], items[1])
	return items[1]
`)

// Queue is a named collection of delayed FIFO job queues sharing one Redis
// client. Jobs whose NotBefore lies in the future are invisible to Pop until
// it passes.
type Queue struct {
	client *redis.Client

	// Retry policy; zero values take the defaults above.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// New creates a Queue over the given client.
func New(client *redis.Client) *Queue {
	return &Queue{
		client:      client,
		MaxAttempts: defaultMaxAttempts,
		BackoffBase: defaultBackoffBase,
		BackoffCap:  defaultBackoffCap,
	}
}

func queueKey(name string) string { return "queue:" + name }
func deadKey(name string) string  { return "queue:" + name + ":dead" }

// Push appends a job to the named queue. A zero notBefore means due
// immediately; otherwise the job stays hidden until that time. Ordering among
// equally-due jobs approximates FIFO (score is the due time in milliseconds).
func (q *Queue) Push(ctx context.Context, name string, job *Job, notBefore time.Time) error {
	if notBefore.IsZero() {
		notBefore = time.Now().UTC()
	}
	job.NotBefore = notBefore.UTC()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	err = q.client.ZAdd(ctx, queueKey(name), redis.Z{
		Score:  float64(job.NotBefore.UnixMilli()),
		Member: string(body),
	}).Err()
	if err != nil {
		return fmt.Errorf("push job %s to %s: %w", job.ID, name, err)
	}
	return nil
}

// Pop atomically removes and returns the oldest due job, or (nil, nil) when
// nothing is due.
func (q *Queue) Pop(ctx context.Context, name string) (*Job, error) {
	now := time.Now().UTC().UnixMilli()
	res, err := popScript.Run(ctx, q.client, []string{queueKey(name)}, now).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop from %s: %w", name, err)
	}

	body, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("pop from %s: unexpected reply %T", name, res)
	}

	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		// An unparseable member would wedge the queue head forever if left in
		// place; it is already removed, record it on the dead queue.
		q.client.RPush(ctx, deadKey(name), body)
		return nil, fmt.Errorf("corrupt job on %s: %w", name, err)
	}
	return &job, nil
}

// Retry re-pushes a failed job with exponential backoff. Once the job has
// exhausted MaxAttempts it moves to the dead-letter queue instead and
// requeued is false.
func (q *Queue) Retry(ctx context.Context, name string, job *Job, cause error) (requeued bool, err error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}

	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if job.Attempts >= maxAttempts {
		return false, q.pushDead(ctx, name, job)
	}

	return true, q.Push(ctx, name, job, time.Now().UTC().Add(q.backoff(job.Attempts)))
}

func (q *Queue) backoff(attempts int) time.Duration {
	base := q.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	cap := q.BackoffCap
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	d := base << (attempts - 1)
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

func (q *Queue) pushDead(ctx context.Context, name string, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal dead job %s: %w", job.ID, err)
	}
	if err := q.client.RPush(ctx, deadKey(name), string(body)).Err(); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// DeadLetters returns up to limit jobs from the dead-letter queue, oldest
// first. Members that fail to parse are skipped.
func (q *Queue) DeadLetters(ctx context.Context, name string, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	bodies, err := q.client.LRange(ctx, deadKey(name), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters for %s: %w", name, err)
	}

	jobs := make([]Job, 0, len(bodies))
	for _, body := range bodies {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Len reports the number of pending jobs (due or not) on the named queue.
func (q *Queue) Len(ctx context.Context, name string) (int64, error) {
	return q.client.ZCard(ctx, queueKey(name)).Result()
}
