package rules

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher could not be created.
var ErrWatcherFailed = errors.New("failed to initialize rule file watcher")

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// Watcher reapplies a seed file to a MemoryStore whenever the file changes.
type Watcher struct {
	path    string
	store   *MemoryStore
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	reloads  chan SeedResult
}

// NewWatcher creates a watcher for path. The parent directory is watched so
// atomic rename-on-save is observed.
func NewWatcher(path string, store *MemoryStore, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("resolving rule file path: %w", err)
	}
	return &Watcher{
		path:    abs,
		store:   store,
		logger:  logger,
		watcher: fw,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		reloads: make(chan SeedResult, 1),
	}, nil
}

// Start loads the file once and then watches it in the background.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := w.reload(ctx); err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching rule directory: %w", err)
	}
	w.started.Store(true)
	go w.loop(ctx)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	if w.started.Load() {
		<-w.done
	}
}

// Reloads delivers the result of each successful background reload. Slow
// readers miss intermediate results.
func (w *Watcher) Reloads() <-chan SeedResult {
	return w.reloads
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var pending <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDebounce)
			}
		case <-pending:
			pending = nil
			res, err := w.reload(ctx)
			if err != nil {
				w.logger.Warn("rule file reload failed; keeping previous rules",
					zap.String("path", w.path), zap.Error(err))
				continue
			}
			select {
			case w.reloads <- res:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rule file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) (SeedResult, error) {
	seed, err := LoadFile(w.path)
	if err != nil {
		return SeedResult{}, err
	}
	res, err := w.store.ApplySeed(ctx, seed)
	if err != nil {
		return SeedResult{}, fmt.Errorf("applying rule file: %w", err)
	}
	w.logger.Info("rule file applied",
		zap.String("path", w.path),
		zap.Int("added", res.Added),
		zap.Int("updated", res.Updated),
		zap.Int("removed", res.Removed))
	return res, nil
}
