package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// ReloadEvent lists the watched files that changed during one debounce
// window.
type ReloadEvent struct {
	Paths []string
}

// Watcher reports edits to config.yaml and the prompt template. It watches
// the parent directories, so files created after startup and editors that
// save by renaming a temp file over the original are both seen.
type Watcher struct {
	// Debounce coalesces bursts of writes into one event. Zero means 250ms.
	Debounce time.Duration

	files  map[string]bool
	dirs   []string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	paths := []string{ConfigPath(cfg.HomeDir)}
	if cfg.PromptTemplate != "" {
		paths = append(paths, cfg.PromptPath())
	}
	w := &Watcher{
		files:  map[string]bool{},
		logger: logger,
		// One pending event is enough: a reload rereads every file.
		events: make(chan ReloadEvent, 1),
	}
	seenDir := map[string]bool{}
	for _, p := range paths {
		p = filepath.Clean(p)
		w.files[p] = true
		if dir := filepath.Dir(p); !seenDir[dir] {
			seenDir[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	return w
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until ctx ends, then closes Events.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	added := 0
	for _, dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher skipped directory", "path", dir, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		_ = fsw.Close()
		return errors.New("config watcher: no directory could be watched")
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	go w.loop(ctx, fsw, debounce)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, debounce time.Duration) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]bool{}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			// Removes and renames away are ignored; an atomic save ends
			// with a Create of the real name.
			if !w.files[name] || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending[name] = true
			timer.Reset(debounce)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			select {
			case w.events <- ReloadEvent{Paths: paths}:
			default:
				// A reload is already queued and will read these files too.
			}
			w.logger.Info("config files changed", "paths", paths)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
