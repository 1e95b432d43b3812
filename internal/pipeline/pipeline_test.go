package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"astrosorter/internal/storage"
)

type funcProcessor func(ctx context.Context, job Job) Result

func (f funcProcessor) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipelineRecordsLifecycle(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		if job.Type == JobDSS {
			return Result{Error: errors.New("no lights")}
		}
		return Result{Meta: map[string]any{"stack": "x-Stack.sep"}}
	})
	p := NewWithProcessor(context.Background(), 2, quietLogger(), store, proc)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	if err := p.Submit(Job{ID: "ok", Type: JobSequator}); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(Job{ID: "bad", Type: JobDSS}); err != nil {
		t.Fatal(err)
	}

	seen := map[string]Result{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case res := <-results:
			seen[res.Job.ID] = res
		case <-timeout:
			t.Fatalf("timed out waiting for results, got %d", len(seen))
		}
	}
	if seen["bad"].Error == nil || seen["ok"].Error != nil {
		t.Fatalf("unexpected results %+v", seen)
	}

	jobs, err := store.RecentJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	status := map[string]string{}
	for _, j := range jobs {
		status[j.ID] = j.Status
	}
	if status["ok"] != "completed" || status["bad"] != "failed" {
		t.Fatalf("unexpected statuses %v", status)
	}
}

func TestPipelineAssignsIDs(t *testing.T) {
	block := make(chan struct{})
	ids := make(chan string, 1)
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		ids <- job.ID
		<-block
		return Result{}
	})
	p := NewWithProcessor(context.Background(), 1, quietLogger(), nil, proc)
	defer p.Stop()
	defer close(block)

	if err := p.Submit(Job{Type: JobScan}); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-ids:
		if !strings.HasPrefix(id, "scan-") || len(id) != len("scan-")+36 {
			t.Fatalf("unexpected id %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("job never ran")
	}
}

func TestPipelineSubmitAfterStop(t *testing.T) {
	p := NewWithProcessor(context.Background(), 1, quietLogger(), nil, funcProcessor(func(ctx context.Context, job Job) Result { return Result{} }))
	p.Stop()
	if err := p.Submit(Job{Type: JobScan}); err == nil {
		t.Fatalf("submit after stop must fail")
	}
	ch, _ := p.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("subscription after stop should be closed")
	}
}

func TestResultMarshalJSON(t *testing.T) {
	data, err := Result{Job: Job{ID: "j", Type: JobDSS}, Error: errors.New("boom")}.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"error":"boom"`) || !strings.Contains(string(data), `"type":"dss"`) {
		t.Fatalf("unexpected json %s", data)
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func jobStatuses(t *testing.T, store *storage.Store) map[string]string {
	t.Helper()
	jobs, err := store.RecentJobs(1000)
	if err != nil {
		t.Fatal(err)
	}
	status := make(map[string]string, len(jobs))
	for _, j := range jobs {
		status[j.ID] = j.Status
	}
	return status
}

func TestPipelineFastJobsEndCompleted(t *testing.T) {
	store := newTestStore(t)
	instant := funcProcessor(func(ctx context.Context, job Job) Result { return Result{} })
	p := NewWithProcessor(context.Background(), 4, quietLogger(), store, instant)
	defer p.Stop()

	const total = 200
	for i := 0; i < total; i++ {
		job := Job{ID: fmt.Sprintf("fast-%03d", i), Type: JobScan}
		for {
			err := p.Submit(job)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrQueueFull) {
				t.Fatal(err)
			}
			time.Sleep(time.Millisecond)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		status := jobStatuses(t, store)
		done := 0
		for _, s := range status {
			if s == "completed" {
				done++
			}
		}
		if len(status) == total && done == total {
			return
		}
		if time.Now().After(deadline) {
			counts := map[string]int{}
			for _, s := range status {
				counts[s]++
			}
			t.Fatalf("jobs not all completed: %v", counts)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPipelineQueueFullLeavesNoRow(t *testing.T) {
	store := newTestStore(t)
	block := make(chan struct{})
	p := NewWithProcessor(context.Background(), 1, quietLogger(), store, funcProcessor(func(ctx context.Context, job Job) Result {
		<-block
		return Result{}
	}))
	defer p.Stop()
	defer close(block)

	accepted := map[string]bool{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("job-%d", i)
		switch err := p.Submit(Job{ID: id, Type: JobScan}); {
		case err == nil:
			accepted[id] = true
		case errors.Is(err, ErrQueueFull):
		default:
			t.Fatal(err)
		}
	}
	if len(accepted) == 10 {
		t.Fatalf("expected the queue to fill up")
	}

	status := jobStatuses(t, store)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("job-%d", i)
		if _, ok := status[id]; ok != accepted[id] {
			t.Fatalf("job %s recorded=%v accepted=%v", id, ok, accepted[id])
		}
	}
}

func TestPipelineStopFailsPendingJobs(t *testing.T) {
	store := newTestStore(t)
	started := make(chan string, 3)
	p := NewWithProcessor(context.Background(), 1, quietLogger(), store, funcProcessor(func(ctx context.Context, job Job) Result {
		started <- job.ID
		<-ctx.Done()
		return Result{Error: ctx.Err()}
	}))

	if err := p.Submit(Job{ID: "first", Type: JobConvert}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first job never started")
	}
	for _, id := range []string{"second", "third"} {
		if err := p.Submit(Job{ID: id, Type: JobConvert}); err != nil {
			t.Fatal(err)
		}
	}
	p.Stop()

	status := jobStatuses(t, store)
	for _, id := range []string{"first", "second", "third"} {
		if status[id] != "failed" {
			t.Fatalf("job %s status %q after stop, want failed (%v)", id, status[id], status)
		}
	}
}
