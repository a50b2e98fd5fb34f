package settings

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/arsandbox/sandcore/logging"
)

// ChangeFunc receives settings edited on disk along with the settings they replace.
type ChangeFunc func(prev, next Settings)

// Watcher reloads a Store when its file changes on disk.
type Watcher struct {
	logger  logging.Logger
	store   *Store
	watcher *fsnotify.Watcher
	workers *utils.StoppableWorkers
}

// Watch starts watching the file of store. The directory is watched so that editors replacing the
// file are noticed. onChange is called from the watcher goroutine for every effective change;
// writes made through Store.Update are not reported.
func Watch(store *Store, onChange ChangeFunc, logger logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "cannot create settings watcher")
	}
	if err := fw.Add(filepath.Dir(store.Path())); err != nil {
		utils.UncheckedError(fw.Close())
		return nil, errors.Wrapf(err, "cannot watch %s", store.Path())
	}
	w := &Watcher{logger: logger, store: store, watcher: fw}
	w.workers = utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		w.loop(ctx, onChange)
	})
	return w, nil
}

func (w *Watcher) loop(ctx context.Context, onChange ChangeFunc) {
	name := filepath.Clean(w.store.Path())
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("settings watcher error", "error", err)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			prev, next, changed, err := w.store.reload()
			if err != nil {
				w.logger.Warnw("ignoring settings file", "path", name, "error", err)
				continue
			}
			if !changed {
				continue
			}
			w.logger.Infow("settings reloaded", "path", name)
			if onChange != nil {
				onChange(prev, next)
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.workers.Stop()
	return err
}
