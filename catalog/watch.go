package catalog

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a YAML catalog whenever the schema file changes on disk.
// Reloads that fail validation are logged and skipped; the previous catalog
// stays in effect.
type Watcher struct {
	path   string
	reload func(*Catalog)
	log    *slog.Logger
	fw     *fsnotify.Watcher
}

// Watch starts watching the schema file at path and calls reload with every
// successfully parsed catalog. It returns after the initial load; the watch
// loop runs until ctx is canceled.
func Watch(ctx context.Context, path string, reload func(*Catalog), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cat, err := FromYAMLFile(path)
	if err != nil {
		return nil, err
	}
	reload(cat)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which would
	// otherwise drop the watch on the inode.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{path: path, reload: reload, log: logger, fw: fw}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cat, err := FromYAMLFile(w.path)
			if err != nil {
				w.log.Warn("catalog reload failed", "path", w.path, "error", err)
				continue
			}
			w.log.Info("catalog reloaded", "path", w.path)
			w.reload(cat)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("catalog watcher error", "path", w.path, "error", err)
		}
	}
}
