package localsync

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// UploadFunc writes data to remotePath in the sandbox.
type UploadFunc func(ctx context.Context, remotePath string, data []byte) error

// Watcher mirrors files created or modified under a local directory into
// the sandbox. Uploads are rate limited so a bulk copy cannot flood the
// sandbox API.
type Watcher struct {
	dir        string
	remoteRoot string
	upload     UploadFunc
	limiter    *rate.Limiter
	log        *zap.Logger

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher watches dir (recursively) and uploads changes beneath
// remoteRoot.
func NewWatcher(dir, remoteRoot string, upload UploadFunc, log *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:        abs,
		remoteRoot: remoteRoot,
		upload:     upload,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		log:        log.Named("localsync"),
		fsw:        fsw,
	}, nil
}

// Start registers every directory under the root and begins processing
// events in the background.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.dir); err != nil {
		w.fsw.Close()
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.log.Info("watching", zap.String("dir", w.dir), zap.String("remote", w.remoteRoot))
	return nil
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && ignored(d.Name()) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if ignored(filepath.Base(ev.Name)) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := w.addTree(ev.Name); err != nil {
				w.log.Warn("watching new directory", zap.String("dir", ev.Name), zap.Error(err))
			}
		}
		return
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return
	}
	data, err := os.ReadFile(ev.Name)
	if err != nil {
		w.log.Warn("reading changed file", zap.String("path", ev.Name), zap.Error(err))
		return
	}
	remote := w.remotePath(ev.Name)
	if remote == "" {
		return
	}
	if err := w.upload(ctx, remote, data); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Warn("upload failed", zap.String("path", remote), zap.Error(err))
		return
	}
	w.log.Debug("uploaded", zap.String("path", remote), zap.Int("bytes", len(data)))
}

// remotePath maps a local path under the watched root into the sandbox.
func (w *Watcher) remotePath(local string) string {
	rel, err := filepath.Rel(w.dir, local)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return path.Join(w.remoteRoot, filepath.ToSlash(rel))
}

// ignored skips dotfiles and editor scratch files.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") || strings.HasSuffix(name, ".tmp")
}
