// Package watch moves RAW frames from an import directory into a session
// tree as they arrive.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"astrosorter/internal/fsutil"
	"astrosorter/internal/tasks"
)

// LockName is the lock file kept in the target tree while a watcher runs.
const LockName = ".astrosorter.lock"

// ErrLocked means another watcher already owns the target tree.
var ErrLocked = errors.New("target is already being watched")

// Ingester watches one import directory and places each new RAW frame into
// <target>/lights/NEF.
type Ingester struct {
	importDir string
	target    string
	log       *slog.Logger
	lock      *flock.Flock
	watcher   *fsnotify.Watcher

	Events chan tasks.Placement

	mu      sync.Mutex
	placed  map[string]bool
	closeMu sync.Once
}

// New builds the target tree and takes its lock.
func New(importDir, target string, log *slog.Logger) (*Ingester, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := tasks.BuildTree(target); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(target, LockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &Ingester{
		importDir: importDir,
		target:    target,
		log:       log,
		lock:      lock,
		watcher:   w,
		Events:    make(chan tasks.Placement, 100),
		placed:    map[string]bool{},
	}, nil
}

// Run places the frames already in the import directory, then follows new
// ones until ctx is done. Events is closed on return.
func (i *Ingester) Run(ctx context.Context) error {
	defer close(i.Events)

	if err := i.watcher.Add(i.importDir); err != nil {
		return fmt.Errorf("watch %s: %w", i.importDir, err)
	}
	i.log.Info("watching directory", "dir", i.importDir, "target", i.target)

	existing, err := fsutil.ListRAW(i.importDir)
	if err != nil {
		return err
	}
	for _, f := range existing {
		i.ingest(f)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-i.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsRAWFile(event.Name) {
				continue
			}
			i.ingest(event.Name)
		case err, ok := <-i.watcher.Errors:
			if !ok {
				return nil
			}
			i.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (i *Ingester) ingest(path string) {
	i.mu.Lock()
	if i.placed[path] {
		i.mu.Unlock()
		return
	}
	i.placed[path] = true
	i.mu.Unlock()

	p := tasks.Place(path, tasks.TreeDir(i.target, tasks.RoleLights, tasks.FormatRAW))
	if p.Err != nil {
		i.log.Error("place frame", "source", path, "error", p.Err)
		i.mu.Lock()
		delete(i.placed, path)
		i.mu.Unlock()
	} else {
		i.log.Info("frame ingested", "source", filepath.Base(path), "method", string(p.Method))
	}

	select {
	case i.Events <- p:
	case <-time.After(time.Second):
		i.log.Warn("event buffer full, dropping event", "source", path)
	}
}

// Close stops watching and releases the target lock.
func (i *Ingester) Close() error {
	var err error
	i.closeMu.Do(func() {
		err = errors.Join(i.watcher.Close(), i.lock.Unlock())
	})
	return err
}
