package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"chatloop/internal/permission"
)

const defaultTrustDebounce = 200 * time.Millisecond

// TrustWatcher serves the current trust snapshot and reloads it when the
// trust file changes. A failed reload keeps the previous snapshot.
type TrustWatcher struct {
	base     permission.TrustConfig
	path     string
	root     string
	debounce time.Duration
	logger   *zap.Logger

	current     atomic.Pointer[permission.TrustConfig]
	fingerprint string

	mu       sync.Mutex
	onReload func(permission.TrustConfig)
}

// NewTrustWatcher loads path layered over base, anchoring relative path
// patterns at root. The file must load cleanly at startup.
func NewTrustWatcher(base permission.TrustConfig, path, root string, logger *zap.Logger) (*TrustWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("resolve trust file %s: %w", path, err)
	}
	w := &TrustWatcher{
		base:     base.Clone(),
		path:     abs,
		root:     root,
		debounce: defaultTrustDebounce,
		logger:   logger.With(zap.String("trust_file", abs)),
	}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Snapshot returns the current immutable trust snapshot.
func (w *TrustWatcher) Snapshot() permission.TrustConfig {
	if p := w.current.Load(); p != nil {
		return p.Clone()
	}
	return w.base.Clone()
}

// OnReload registers fn to run after every applied reload.
func (w *TrustWatcher) OnReload(fn func(permission.TrustConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Run watches the trust file's directory until ctx is done. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *TrustWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create trust watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching trust file")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("trust watcher error", zap.Error(err))
		case <-timer.C:
			if err := w.reload(); err != nil {
				w.logger.Warn("trust reload failed, keeping previous rules", zap.Error(err))
			}
		}
	}
}

func (w *TrustWatcher) reload() error {
	fromFile, err := LoadTrustFile(w.path)
	if err != nil {
		return err
	}
	next, err := AnchorTrustPaths(MergeTrust(w.base, fromFile), w.root)
	if err != nil {
		return err
	}
	fp := next.Fingerprint()
	if w.current.Load() != nil && fp == w.fingerprint {
		return nil
	}
	w.fingerprint = fp
	w.current.Store(&next)
	w.logger.Info("trust rules loaded", zap.String("fingerprint", fp[:min(12, len(fp))]))

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(next.Clone())
	}
	return nil
}
