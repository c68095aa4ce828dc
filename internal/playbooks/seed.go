package playbooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk shape of a playbook seed file.
type seedFile struct {
	Playbooks []Playbook `yaml:"playbooks"`
}

// LoadSeedFile reads a YAML file of playbook defaults for Registry.Seed.
func LoadSeedFile(path string) ([]Playbook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook seed file: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse playbook seed file: %w", err)
	}
	return sf.Playbooks, nil
}

// WatchSeedFile watches path for out-of-band edits and calls reload
// (typically LoadSeedFile followed by Registry.Seed) after a debounce
// period, so an operator can edit the seed file without restarting the
// process. Stops when ctx is canceled.
func WatchSeedFile(ctx context.Context, path string, logger *slog.Logger, reload func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create seed file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch seed file: %w", err)
	}

	go func() {
		defer watcher.Close()

		var mu sync.Mutex
		var timer *time.Timer
		const debounce = 250 * time.Millisecond

		scheduleReload := func() {
			mu.Lock()
			defer mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := reload(context.Background()); err != nil {
					logger.Warn("playbook seed file reload failed", "path", path, "error", err)
				} else {
					logger.Info("playbook seed file reloaded", "path", path)
				}
			})
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("playbook seed file watch error", "error", err)
			}
		}
	}()

	return nil
}
