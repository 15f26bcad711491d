package liveview

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher recompiles view templates when their source files change on disk,
// for development use. Running sessions keep the template they joined with;
// new page loads and joins pick up the recompiled one.
type Watcher struct {
	handler *Handler
	fsw     *fsnotify.Watcher
	log     *zap.Logger
	opts    []TemplateOption
	views   map[string]string // absolute source path -> view name
}

// NewWatcher creates a Watcher feeding recompiled templates into h.
func NewWatcher(h *Handler, log *zap.Logger, opts ...TemplateOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		handler: h,
		fsw:     fsw,
		log:     log,
		opts:    opts,
		views:   make(map[string]string),
	}, nil
}

// Watch compiles path for viewName, registers it on the handler, and
// recompiles on every change.
func (w *Watcher) Watch(viewName, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	tmpl, err := ParseFile(abs, w.opts...)
	if err != nil {
		return err
	}
	w.handler.Template(viewName, tmpl)
	w.views[abs] = viewName
	// Watch the directory: editors often replace files instead of writing
	// them in place.
	return w.fsw.Add(filepath.Dir(abs))
}

// Run processes change events until ctx is canceled. A source that fails to
// compile is logged and the previous template stays registered.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			viewName, watched := w.views[abs]
			if !watched {
				continue
			}
			tmpl, err := ParseFile(abs, w.opts...)
			if err != nil {
				w.log.Warn("template recompile failed",
					zap.String("view", viewName),
					zap.String("path", abs),
					zap.Error(err))
				continue
			}
			w.handler.Template(viewName, tmpl)
			w.log.Info("template recompiled",
				zap.String("view", viewName),
				zap.String("fingerprint", tmpl.Fingerprint()))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
