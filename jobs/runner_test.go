package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeCoordinator implements just enough of store.Coordinator for the
// uniqueness-window tests; other methods are unused stubs.
type fakeCoordinator struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeCoordinator() *fakeCoordinator { return &fakeCoordinator{seen: make(map[string]bool)} }

func (f *fakeCoordinator) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeCoordinator) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeCoordinator) ReleaseLock(ctx context.Context, key, ownerID string) error { return nil }
func (f *fakeCoordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	return "", nil
}
func (f *fakeCoordinator) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeCoordinator) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeCoordinator) ReleaseLease(ctx context.Context, key, value string) error { return nil }
func (f *fakeCoordinator) IsLeaseOwner(ctx context.Context, key, value string) (bool, error) {
	return true, nil
}
func (f *fakeCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return 1, nil
}
func (f *fakeCoordinator) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	return nil, nil
}

func (f *fakeCoordinator) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func TestRunnerInlineDispatchesSynchronously(t *testing.T) {
	var processed []string
	r := NewRunner(nil, func(ctx context.Context, j *Job) error {
		processed = append(processed, j.JobID)
		return nil
	})
	r.Inline = true

	if err := r.Enqueue(context.Background(), &Job{JobID: "j1", Queue: QueueRollouts, Kind: "tick"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(processed) != 1 || processed[0] != "j1" {
		t.Fatalf("expected job j1 processed inline, got %v", processed)
	}
}

func TestRunnerUniqueKeyDedupesWithinWindow(t *testing.T) {
	coord := newFakeCoordinator()
	var processed int
	r := NewRunner(coord, func(ctx context.Context, j *Job) error {
		processed++
		return nil
	})
	r.Inline = true

	ctx := context.Background()
	if err := r.Enqueue(ctx, &Job{JobID: "j1", Queue: QueueMaintenance, Kind: "drift_scan", UniqueKey: "drift-scan"}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := r.Enqueue(ctx, &Job{JobID: "j2", Queue: QueueMaintenance, Kind: "drift_scan", UniqueKey: "drift-scan"}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected exactly 1 processed job due to dedup, got %d", processed)
	}
}

func TestRunnerWorkerPoolProcessesEnqueuedJob(t *testing.T) {
	done := make(chan string, 1)
	r := NewRunner(nil, func(ctx context.Context, j *Job) error {
		done <- j.JobID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	if err := r.Enqueue(ctx, &Job{JobID: "j1", Queue: QueueDefault, Kind: "tick"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case id := <-done:
		if id != "j1" {
			t.Fatalf("expected j1, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker to process job")
	}
}

func TestRunnerRetriesFailedJobUpToMaxAttempts(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	r := NewRunner(nil, func(ctx context.Context, j *Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	if err := r.Enqueue(ctx, &Job{JobID: "j1", Queue: QueueDefault, Kind: "tick", MaxAttempts: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(3 * time.Second)
	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", calls)
	}
}
