package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

// debounceWindow coalesces the event bursts editors produce when saving.
const debounceWindow = 100 * time.Millisecond

// ReloadFunc receives the freshly loaded configuration after the watched
// file changed.
type ReloadFunc func(*Config)

// Watcher reloads a configuration file on change. The parent directory is
// watched rather than the file itself, since save-via-rename replaces the
// inode.
type Watcher struct {
	fw     *fsnotify.Watcher
	path   string
	reload ReloadFunc

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Watch starts watching path and calls reload for every successful load of
// a changed file. Load failures are logged and the previous configuration
// stays in effect.
func Watch(path string, reload ReloadFunc) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		fw:     fw,
		path:   abs,
		reload: reload,
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounceWindow)
				pendingC = pending.C
			} else {
				pending.Reset(debounceWindow)
			}

		case <-pendingC:
			pending = nil
			pendingC = nil
			cfg, err := Load(w.path)
			if err != nil {
				glog.Warningf("config: reload of %s failed, keeping previous: %v", w.path, err)
				continue
			}
			glog.V(1).Infof("config: reloaded %s", w.path)
			w.reload(cfg)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			glog.Warningf("config: watcher error: %v", err)
		}
	}
}
