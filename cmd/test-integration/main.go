// Command test-integration drives a throwaway session through the watcher,
// the job pipeline and the project writers against a real sqlite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"astrosorter/internal/config"
	"astrosorter/internal/logging"
	"astrosorter/internal/pipeline"
	"astrosorter/internal/storage"
	"astrosorter/internal/tasks"
	"astrosorter/internal/watch"
)

func main() {
	workDir := flag.String("dir", "", "working directory (default: a new temp dir)")
	frames := flag.Int("frames", 5, "number of fake light frames to import")
	flag.Parse()

	if *workDir == "" {
		dir, err := os.MkdirTemp("", "astrosorter-integration-")
		if err != nil {
			log.Fatal("Failed to create work dir:", err)
		}
		*workDir = dir
	}
	importDir := filepath.Join(*workDir, "import")
	target := filepath.Join(*workDir, "session")
	if err := os.MkdirAll(importDir, 0o755); err != nil {
		log.Fatal("Failed to create import dir:", err)
	}

	logger := logging.New("info", "text")

	store, err := storage.New(filepath.Join(*workDir, "integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	fmt.Println("Setting up watcher...")
	ing, err := watch.New(importDir, target, logger)
	if err != nil {
		log.Fatal("Failed to create watcher:", err)
	}
	defer ing.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() {
		if err := ing.Run(ctx); err != nil {
			log.Println("watcher stopped:", err)
		}
	}()

	time.Sleep(200 * time.Millisecond)
	for i := 1; i <= *frames; i++ {
		name := filepath.Join(importDir, fmt.Sprintf("DSC_%04d.NEF", i))
		if err := os.WriteFile(name, []byte("raw"), 0o644); err != nil {
			log.Fatal("Failed to write frame:", err)
		}
	}

	placed := 0
	for placed < *frames {
		select {
		case <-ctx.Done():
			log.Fatalf("Timed out after %d of %d frames", placed, *frames)
		case p, ok := <-ing.Events:
			if !ok {
				log.Fatal("Watcher closed early")
			}
			if p.Err != nil {
				log.Fatal("Placement failed:", p.Err)
			}
			placed++
			fmt.Printf("Placed %s (%s)\n", filepath.Base(p.Target), p.Method)
		}
	}

	// Stand-in TIFFs so discovery has something to find without a converter.
	for i := 1; i <= *frames; i++ {
		writeStub(tasks.TreeDir(target, tasks.RoleLights, tasks.FormatTIFF), fmt.Sprintf("DSC_%04d.tif", i))
	}
	writeStub(tasks.TreeDir(target, tasks.RoleDarks, tasks.FormatTIFF), "dark_001.tif")

	cfg := config.Default()
	pipe := pipeline.New(ctx, 2, logger, store, cfg)
	defer pipe.Stop()

	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	jobs := []pipeline.Job{
		{Type: pipeline.JobSequator, Output: target, Options: map[string]any{"session": "integration"}},
		{Type: pipeline.JobDSS, Output: target, Options: map[string]any{"session": "integration"}},
	}
	for _, job := range jobs {
		if err := pipe.Submit(job); err != nil {
			log.Fatal("Failed to submit job:", err)
		}
	}
	for range jobs {
		select {
		case <-ctx.Done():
			log.Fatal("Timed out waiting for jobs")
		case res := <-results:
			if res.Error != nil {
				log.Fatalf("%s failed: %v", res.Job.Type, res.Error)
			}
			fmt.Printf("%s done: %v\n", res.Job.Type, res.Meta)
		}
	}

	history, err := store.RecentJobs(10)
	if err != nil {
		log.Fatal("Failed to read job history:", err)
	}
	fmt.Println("\nJob history:")
	for _, j := range history {
		fmt.Printf("  %s %-9s %s\n", j.ID, j.JobType, j.Status)
	}
	fmt.Printf("\nSession tree at %s\n", target)
}

func writeStub(dir, name string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("tiff"), 0o644); err != nil {
		log.Fatal(err)
	}
}
