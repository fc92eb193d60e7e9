package configsync

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"ecowatt/telemetry/logging"
)

// Watcher hot-applies a local YAML override file. Field names match the
// remote delta names; the file is for bench and commissioning work, the
// cloud remains the source of truth in the field.
type Watcher struct {
	path    string
	task    *Task
	log     logging.Logger
	watcher *fsnotify.Watcher
}

func NewWatcher(path string, task *Task, log logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{path: path, task: task, log: log, watcher: fw}, nil
}

// Run blocks until ctx is done, applying the file on every write.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.applyFile(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WarnCtx(ctx, "config watcher error", "err", err)
		}
	}
}

func (w *Watcher) applyFile(ctx context.Context) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.log.WarnCtx(ctx, "override file unreadable", "path", w.path, "err", err)
		return
	}
	var fields map[string]string
	if err := yaml.Unmarshal(raw, &fields); err != nil {
		w.log.WarnCtx(ctx, "override file invalid", "path", w.path, "err", err)
		return
	}
	applied := 0
	for name, value := range fields {
		if err := w.task.ApplyLocal(ctx, name, value); err != nil {
			w.log.WarnCtx(ctx, "override field rejected", "field", name, "err", err)
			continue
		}
		applied++
	}
	if applied > 0 {
		w.log.InfoCtx(ctx, "local overrides applied", "fields", applied)
	}
}
