package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a config file when it changes and reports the Diff.
type Watcher struct {
	loader   *Loader
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config, Diff)
	debounce time.Duration

	mu      sync.Mutex
	current Config
	cancel  context.CancelFunc
	done    chan struct{}
}

// Watch starts watching path. fn runs on the watcher goroutine for every
// reload that changes something; invalid files are logged and skipped.
// The parent directory is watched so atomic replace-by-rename is seen.
func (l *Loader) Watch(ctx context.Context, path string, current Config, fn func(Config, Diff)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fw.Close()
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		loader:   l,
		path:     filepath.Clean(path),
		watcher:  fw,
		onChange: fn,
		debounce: DefaultDebounce,
		current:  current,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run(wctx)
	l.logger.Info("watching config file", slog.String("path", path))
	return w, nil
}

// Current returns the last applied configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the watch and waits for the goroutine. Safe to call twice.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.loader.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-timerCh:
			timerCh = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.loader.logger.Warn("config reload skipped",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	next, err := w.loader.Parse(data, FormatOf(w.path))
	if err != nil {
		w.loader.logger.Warn("config reload rejected, keeping previous",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.loader.applyEnv(&next)

	w.mu.Lock()
	diff := Compare(w.current, next)
	if !diff.Empty() {
		w.current = next
	}
	w.mu.Unlock()

	if diff.Empty() {
		return
	}
	w.loader.logger.Info("config reloaded",
		slog.Any("changed", diff.Changed),
		slog.Any("restart_needed", diff.RestartNeeded))
	if w.onChange != nil {
		w.onChange(next, diff)
	}
}
