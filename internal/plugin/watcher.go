package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	xerrors "Nebula-Host/internal/errors"
	"Nebula-Host/pkg/logger"
)

// watchDebounce collapses bursts of filesystem events into one rescan.
const watchDebounce = 2 * time.Second

// Watcher triggers manager rescans when the plugin scan path changes on
// disk. Events are debounced so unpacking a plugin does not cause a rescan
// per file.
type Watcher struct {
	manager *Manager
	fs      *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
	log     *slog.Logger
}

// NewWatcher starts watching the manager's scan path.
func NewWatcher(manager *Manager) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "创建文件监听器失败")
	}
	if err := fs.Add(manager.scanPath); err != nil {
		_ = fs.Close()
		return nil, xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "监听插件目录失败",
			xerrors.WithMetadata("path", manager.scanPath))
	}

	w := &Watcher{
		manager: manager,
		fs:      fs,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		log:     logger.Named("plugin.watcher"),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("插件目录监听错误", slog.Any("error", err))
		case <-timerC:
			timer = nil
			timerC = nil
			w.log.Info("插件目录发生变更，触发重扫描")
			if _, err := w.manager.Rescan(context.Background()); err != nil {
				w.log.Error("自动重扫描失败", slog.Any("error", err))
			}
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.fs.Close()
	<-w.done
	return err
}
