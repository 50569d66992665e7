package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return New(client), mr
}

func TestPushPopFIFO(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	first := NewJob(JobSendSequenceEmail, map[string]int{"step": 0})
	time.Sleep(2 * time.Millisecond)
	second := NewJob(JobSendSequenceEmail, map[string]int{"step": 1})

	if err := q.Push(ctx, QueueSequences, first, time.Time{}); err != nil {
		t.Fatalf("push first: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := q.Push(ctx, QueueSequences, second, time.Time{}); err != nil {
		t.Fatalf("push second: %v", err)
	}

	got, err := q.Pop(ctx, QueueSequences)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("pop returned %+v, want first job %s", got, first.ID)
	}

	got, err = q.Pop(ctx, QueueSequences)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got == nil || got.ID != second.ID {
		t.Fatalf("pop returned %+v, want second job %s", got, second.ID)
	}

	got, err = q.Pop(ctx, QueueSequences)
	if err != nil {
		t.Fatalf("pop empty: %v", err)
	}
	if got != nil {
		t.Fatalf("pop on empty queue = %+v, want nil", got)
	}
}

func TestNotBeforeGating(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	job := NewJob(JobSendSequenceEmail, map[string]int{"step": 1})
	due := time.Now().Add(24 * time.Hour)
	if err := q.Push(ctx, QueueSequences, job, due); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, err := q.Pop(ctx, QueueSequences)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got != nil {
		t.Fatalf("popped job %s before its notBefore", got.ID)
	}

	// The job must still be queued, not lost.
	n, err := q.Len(ctx, QueueSequences)
	if err != nil || n != 1 {
		t.Fatalf("Len = %d, %v; want 1", n, err)
	}
}

func TestPopAfterDelayElapses(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	job := NewJob(JobSendSequenceEmail, nil)
	if err := q.Push(ctx, QueueSequences, job, time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("push: %v", err)
	}

	if got, _ := q.Pop(ctx, QueueSequences); got != nil {
		t.Fatal("job visible before delay elapsed")
	}

	time.Sleep(50 * time.Millisecond)

	got, err := q.Pop(ctx, QueueSequences)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got == nil || got.ID != job.ID {
		t.Fatalf("pop after delay = %+v, want job %s", got, job.ID)
	}
}

func TestConcurrentPopExclusivity(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	job := NewJob(JobSendSequenceEmail, nil)
	if err := q.Push(ctx, QueueSequences, job, time.Time{}); err != nil {
		t.Fatalf("push: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]*Job, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := q.Pop(ctx, QueueSequences)
			if err != nil {
				t.Errorf("pop %d: %v", i, err)
			}
			results[i] = j
		}(i)
	}
	wg.Wait()

	gotCount := 0
	for _, r := range results {
		if r != nil {
			gotCount++
		}
	}
	if gotCount != 1 {
		t.Fatalf("concurrent pops returned the job %d times, want exactly 1", gotCount)
	}
}

func TestRetryBackoffAndDeadLetter(t *testing.T) {
	q, _ := setupTestQueue(t)
	q.MaxAttempts = 3
	q.BackoffBase = time.Minute
	ctx := context.Background()

	job := NewJob(JobSendSequenceEmail, nil)
	cause := context.DeadlineExceeded

	// First two failures requeue with a future notBefore.
	for i := 1; i <= 2; i++ {
		requeued, err := q.Retry(ctx, QueueSequences, job, cause)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if !requeued {
			t.Fatalf("retry %d: dead-lettered early", i)
		}
		if job.Attempts != i {
			t.Fatalf("attempts = %d, want %d", job.Attempts, i)
		}
		if got, _ := q.Pop(ctx, QueueSequences); got != nil {
			t.Fatalf("retried job visible immediately (attempt %d)", i)
		}
		// Clear the queue for the next round.
		n, _ := q.Len(ctx, QueueSequences)
		if n != 1 {
			t.Fatalf("queue len = %d after retry, want 1", n)
		}
		q.client.Del(ctx, queueKey(QueueSequences))
	}

	// Third failure exhausts MaxAttempts and moves the job to the dead queue.
	requeued, err := q.Retry(ctx, QueueSequences, job, cause)
	if err != nil {
		t.Fatalf("final retry: %v", err)
	}
	if requeued {
		t.Fatal("job requeued past MaxAttempts")
	}

	dead, err := q.DeadLetters(ctx, QueueSequences, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != job.ID {
		t.Fatalf("dead letters = %+v, want job %s", dead, job.ID)
	}
	if dead[0].LastError == "" {
		t.Error("dead job lost its last error")
	}
}

func TestBackoffGrowth(t *testing.T) {
	q := New(nil)
	q.BackoffBase = time.Minute
	q.BackoffCap = time.Hour

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{7, 64 * time.Minute}, // over the cap
	}
	for _, tt := range tests {
		got := q.backoff(tt.attempts)
		want := tt.want
		if want > time.Hour {
			want = time.Hour
		}
		if got != want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, want)
		}
	}
}
