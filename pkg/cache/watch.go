package cache

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch keeps the index in sync with changes made to the directory by other processes:
// artifacts created by another instance are indexed, and artifacts removed externally
// are dropped. It returns once the watcher is installed; the watcher stops when ctx is
// done.
func (c *Cache) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.dir, err)
	}

	go c.processEvents(ctx, watcher)

	c.logger.Info().Str("dir", c.dir).Msg("Started watching cache directory")
	return nil
}

func (c *Cache) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			c.applyEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn().Err(err).Msg("Cache watcher error")
		}
	}
}

func (c *Cache) applyEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	key, ok := ParseFileName(c.prefix, name)
	if !ok {
		return
	}
	path := filepath.Join(c.dir, name)

	switch {
	case event.Has(fsnotify.Create):
		c.mu.Lock()
		c.addLocked(key, path)
		n := c.countLocked()
		c.mu.Unlock()
		c.metrics.SetCachedArtifacts(n)
		c.logger.Debug().Str("key", key.String()).Msg("Indexed external artifact")

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		c.mu.Lock()
		if set := c.index[key.Bounds]; set != nil && set.paths[key.Iterations] == path {
			set.remove(key.Iterations)
			if len(set.iterations) == 0 {
				delete(c.index, key.Bounds)
			}
		}
		n := c.countLocked()
		c.mu.Unlock()
		c.metrics.SetCachedArtifacts(n)
		c.logger.Debug().Str("key", key.String()).Msg("Dropped removed artifact")
	}
}
