package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDebounce lets editors finish writing before the file is re-read.
const reloadDebounce = 100 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk and hands the
// new configuration to a callback. Invalid files are logged and ignored so the
// previous configuration stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher for configFile. Start must be called to begin watching.
func NewWatcher(configFile string, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     configFile,
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching the file's directory. Editors commonly replace files
// through rename, so the directory is watched and events are filtered by name.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	target := filepath.Clean(w.path)
	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				time.Sleep(reloadDebounce)
				w.reload()
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Errorf("config watcher error: %v", err)
			case <-w.stop:
				return
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		log.Warnf("config reload failed, keeping previous configuration: %v", err)
		return
	}
	cfg.ApplyEnv()
	log.Infof("configuration reloaded from %s", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Stop stops the watcher and waits for the watch loop to exit. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.mu.Lock()
		fw := w.watcher
		w.mu.Unlock()
		if fw == nil {
			return
		}
		fw.Close()
		<-w.done
	})
}
