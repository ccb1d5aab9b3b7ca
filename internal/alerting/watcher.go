package alerting

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// PolicyWatcher reloads the persisted alert policy when the file changes on
// disk, so external edits behave like a live reconfiguration.
type PolicyWatcher struct {
	manager  *Manager
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
}

// NewPolicyWatcher watches the directory holding the policy file. Watching
// the directory instead of the file survives atomic rename-replace writes.
func NewPolicyWatcher(manager *Manager) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PolicyWatcher{
		manager:  manager,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}, nil
}

// Start begins watching. Failures are logged, not fatal: the watcher is a
// convenience layer over PUT /api/alerts/config.
func (w *PolicyWatcher) Start() error {
	dir := filepath.Dir(w.manager.PolicyPath())
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.loop()
	log.Debug().Str("dir", dir).Msg("Watching alert policy directory")
	return nil
}

func (w *PolicyWatcher) loop() {
	target := filepath.Base(w.manager.PolicyPath())

	// Editors and atomic writers fire several events per save; debounce them.
	var debounce *time.Timer
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				if err := w.manager.ReloadFromDisk(); err != nil {
					log.Warn().Err(err).Msg("Failed to reload alert policy after file change")
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Alert policy watcher error")
		}
	}
}

// Stop halts the watcher.
func (w *PolicyWatcher) Stop() {
	close(w.stopChan)
	w.watcher.Close()
}
