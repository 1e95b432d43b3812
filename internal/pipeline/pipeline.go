package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"astrosorter/internal/config"
	"astrosorter/internal/logging"
	"astrosorter/internal/storage"
)

// JobType enumerates supported session steps.
type JobType string

const (
	JobScan     JobType = "scan"
	JobRename   JobType = "rename"
	JobOrganize JobType = "organize"
	JobConvert  JobType = "convert"
	JobGPS      JobType = "gps"
	JobSequator JobType = "sequator"
	JobDSS      JobType = "dss"
	JobSiril    JobType = "siril"
)

// JobTypes lists every type the router accepts.
var JobTypes = []JobType{JobScan, JobRename, JobOrganize, JobConvert, JobGPS, JobSequator, JobDSS, JobSiril}

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop, and recorded on jobs still
// queued when the pipeline stops.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// MarshalJSON renders Error as a string.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Job   Job            `json:"job"`
		Error string         `json:"error,omitempty"`
		Meta  map[string]any `json:"meta,omitempty"`
	}{r.Job, errString(r.Error), r.Meta})
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	stopped   bool
}

// New creates a Pipeline whose router runs the session steps configured by cfg.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	return NewWithProcessor(ctx, concurrency, logger, store, newRouter(logger, store, cfg))
}

// NewWithProcessor creates a Pipeline over an arbitrary Processor.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// NewID returns a job id with a readable prefix.
func NewID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}

// Submit adds a job to the processing queue. A job without an ID gets one.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		job.ID = NewID(string(job.Type))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	// The queued row must exist before a worker can update it.
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("record queued job", "job", job.ID, "error", err)
		}
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			if err := p.store.DeleteJob(job.ID); err != nil {
				p.log.Warn("drop rejected job", "job", job.ID, "error", err)
			}
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		for job := range p.jobs {
			p.log.Warn("job dropped at shutdown", "job", job.ID, "type", job.Type)
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, "failed", nil, ErrStopped.Error())
			}
		}

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, job))
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("record job result", "job", job.ID, "error", err)
		}
	}
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
