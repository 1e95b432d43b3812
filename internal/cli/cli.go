package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"astrosorter/internal/config"
	"astrosorter/internal/pipeline"
	"astrosorter/internal/rpcserver"
	"astrosorter/internal/server"
	"astrosorter/internal/storage"
	"astrosorter/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type toolChecker interface {
	Status(ctx context.Context, log *slog.Logger) []tasks.ToolStatus
}

type toolCheckerFactory func(config.Tools) toolChecker

type serverFunc func(ctx context.Context, httpAddr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

// defaultServe runs the HTTP API and, when grpcAddr is set, the gRPC
// service. The first server to fail stops the other.
func defaultServe(ctx context.Context, httpAddr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(gctx, httpAddr, store, pipe, log); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcAddr != "" {
		g.Go(func() error {
			if err := rpcserver.Serve(gctx, grpcAddr, log); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline    pipelineClient
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	out         io.Writer
	toolFactory toolCheckerFactory
	serveFn     serverFunc
}

// NewRoot constructs the CLI root. pl may be nil for commands that do not
// queue jobs.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		out:   os.Stdout,
		toolFactory: func(tools config.Tools) toolChecker {
			return tasks.NewToolManager(tools)
		},
		serveFn: defaultServe,
	}
	if pl != nil {
		r.pipeline = pl
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, fmt.Errorf("no pipeline configured")
	}
	if job.ID == "" {
		job.ID = pipeline.NewID(string(job.Type))
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath, "output", job.Output)
	return nil
}

// runJob queues job, waits for it and prints its result metadata.
func (r *Root) runJob(ctx context.Context, job pipeline.Job) error {
	res, err := r.enqueueAndWait(ctx, job)
	if res.Job.ID != "" {
		r.printMeta(res)
	}
	return err
}

func (r *Root) printMeta(res pipeline.Result) {
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, formatValue(res.Meta[k])})
	}
	fmt.Fprintf(r.out, "%s %s\n", res.Job.Type, res.Job.ID)
	if len(rows) > 0 {
		r.writeTable([]string{"Key", "Value"}, rows, nil)
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case map[string]int:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, val[k]))
		}
		return strings.Join(parts, " ")
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
