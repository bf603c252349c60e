package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// WatchOptions configures Watcher.
type WatchOptions struct {
	// Interval forces a run even without file activity. Zero disables the ticker.
	Interval time.Duration
	// Debounce coalesces bursts of file events into one run.
	Debounce time.Duration
	// TasksFile and InboxesDir are watched for changes.
	TasksFile  string
	InboxesDir string
	Execute    bool
	// OnReport receives every completed run. It is called from the run goroutine.
	OnReport func(*Report, error)
}

// Watcher re-runs the pipeline when the task store or an inbox changes and on
// a fixed interval. Overlapping triggers share a single in-flight run.
type Watcher struct {
	runner *Runner
	opts   WatchOptions
	group  singleflight.Group
	clog   componentLog

	mu      sync.Mutex
	pending *time.Timer
}

func NewWatcher(runner *Runner, opts WatchOptions) *Watcher {
	return &Watcher{
		runner: runner,
		opts:   opts,
		clog:   componentLog{logger: runner.logger, minLevel: runner.logLevel, component: "watch"},
	}
}

// Run blocks until ctx is cancelled. It performs one run immediately.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	tasksDir := filepath.Dir(w.opts.TasksFile)
	if err := fw.Add(tasksDir); err != nil {
		return fmt.Errorf("watch %s: %w", tasksDir, err)
	}
	if w.opts.InboxesDir != "" {
		if err := os.MkdirAll(w.opts.InboxesDir, 0755); err != nil {
			return fmt.Errorf("create inboxes dir: %w", err)
		}
		if err := fw.Add(w.opts.InboxesDir); err != nil {
			return fmt.Errorf("watch %s: %w", w.opts.InboxesDir, err)
		}
	}
	w.clog.log(LogLevelInfo, "watching tasks=%s inboxes=%s interval=%s", w.opts.TasksFile, w.opts.InboxesDir, w.opts.Interval)

	w.trigger(ctx, "startup")

	var wg sync.WaitGroup
	wg.Add(2)
	go w.fsnotifyLoop(ctx, fw, &wg)
	go w.tickerLoop(ctx, &wg)

	<-ctx.Done()
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	wg.Wait()
	w.clog.log(LogLevelInfo, "stopped")
	return nil
}

func (w *Watcher) fsnotifyLoop(ctx context.Context, fw *fsnotify.Watcher, wg *sync.WaitGroup) {
	defer wg.Done()
	tasksBase := filepath.Base(w.opts.TasksFile)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !w.relevant(event.Name, tasksBase) {
				continue
			}
			w.clog.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			w.debounce(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.clog.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// relevant filters events in the tasks directory down to the task store itself.
// Temp files written by atomic saves are ignored; the final rename is not.
func (w *Watcher) relevant(name, tasksBase string) bool {
	if filepath.Dir(name) == filepath.Clean(w.opts.InboxesDir) {
		return filepath.Ext(name) == ".md"
	}
	return filepath.Base(name) == tasksBase
}

func (w *Watcher) tickerLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	if w.opts.Interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.trigger(ctx, "interval")
		}
	}
}

func (w *Watcher) debounce(ctx context.Context, cause string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.opts.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.trigger(ctx, cause)
	})
}

// trigger runs the pipeline unless a run is already in flight, in which case
// the caller shares its result.
func (w *Watcher) trigger(ctx context.Context, cause string) {
	_, _, shared := w.group.Do("run", func() (any, error) {
		w.clog.log(LogLevelDebug, "run cause=%s", cause)
		report, err := w.runner.Run(ctx, w.opts.Execute)
		if w.opts.OnReport != nil {
			w.opts.OnReport(report, err)
		}
		return report, err
	})
	if shared {
		w.clog.log(LogLevelDebug, "coalesced cause=%s", cause)
	}
}
