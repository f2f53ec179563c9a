package plugins

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher observes plugin directories for manifest changes and invokes a
// callback so the orchestrator can re-run discovery. Events are debounced;
// editors tend to emit bursts of writes for a single save.
type Watcher struct {
	dirs     []string
	debounce time.Duration
	onChange func()
	log      *logrus.Logger
}

// NewWatcher creates a watcher over the given plugin directories.
func NewWatcher(dirs []string, onChange func(), log *logrus.Logger) *Watcher {
	if log == nil {
		log = logrus.New()
	}
	return &Watcher{
		dirs:     dirs,
		debounce: 2 * time.Second,
		onChange: onChange,
		log:      log,
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range w.dirs {
		if err := watcher.Add(dir); err != nil {
			w.log.Warnf("Cannot watch plugin directory %s: %v", dir, err)
		}
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if filepath.Base(event.Name) != "plugin.yaml" && !isDirEvent(event) {
				continue
			}
			w.log.Debugf("Plugin manifest change: %s", event.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warnf("Plugin watcher error: %v", err)
		case <-fire:
			w.onChange()
		}
	}
}

func isDirEvent(event fsnotify.Event) bool {
	// Creating or removing a plugin directory itself also warrants a rescan.
	return filepath.Ext(event.Name) == ""
}
