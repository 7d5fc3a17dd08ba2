package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of filesystem events an editor save
// produces into a single reload.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration when the file changes on disk. Reloads
// are meant for the hot-swappable sections (quota tiers, provider
// credentials); server topology changes still require a restart.
type Watcher struct {
	path     string
	onChange func(*Config)
	onError  func(error)

	mu       sync.Mutex
	debounce *time.Timer

	fs   *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching path and invokes onChange with each successfully
// reloaded configuration. Parse and validation failures go to onError and
// leave the previous configuration in effect.
func Watch(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Atomic replace-on-save drops a watch held on the file itself, so
	// watch the parent directory and filter by name.
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		onError:  onError,
		fs:       fs,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops watching. It is not safe to call twice.
func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()
	return w.fs.Close()
}
