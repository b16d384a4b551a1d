package avatar

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/lipstream/internal/model"
)

// Cache shares prepared avatars between sessions. Concurrent requests for
// the same avatar run one preparation. When Root can be watched, edits to an
// avatar's files evict it so the next session re-prepares.
type Cache struct {
	loader  Loader
	models  model.Models
	opts    PrepareOptions
	logger  zerolog.Logger
	entries *lru.Cache[string, *Prepared]
	group   singleflight.Group

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	watched map[string]bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// CacheOptions sizes the cache and controls the directory watcher.
type CacheOptions struct {
	// Size bounds how many prepared avatars stay resident. Default 8.
	Size    int
	Watch   bool
	Prepare PrepareOptions
}

// NewCache builds a cache of prepared avatars.
func NewCache(loader Loader, models model.Models, copts CacheOptions, logger zerolog.Logger) (*Cache, error) {
	size, opts := copts.Size, copts.Prepare
	if size <= 0 {
		size = 8
	}
	entries, err := lru.New[string, *Prepared](size)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "avatar-cache").Logger()
	opts.Logger = logger
	c := &Cache{
		loader:  loader,
		models:  models,
		opts:    opts,
		logger:  logger,
		entries: entries,
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}

	if copts.Watch && loader.Root != "" {
		if err := c.startWatcher(); err != nil {
			logger.Warn().Err(err).Str("root", loader.Root).Msg("avatar watcher disabled")
		}
	}
	return c, nil
}

// Get returns the prepared avatar for name, loading and preparing it on a
// miss. An empty name yields an avatar without frames.
func (c *Cache) Get(ctx context.Context, name string) (*Prepared, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return &Prepared{Latents: NewLatentStore(nil)}, nil
	}
	if p, ok := c.entries.Get(name); ok {
		return p, nil
	}

	// Preparation outlives any one caller so a disconnect does not fail the
	// other sessions waiting on the same avatar.
	prepCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(name, func() (any, error) {
		if p, ok := c.entries.Get(name); ok {
			return p, nil
		}
		p, err := c.prepare(prepCtx, name)
		if err != nil {
			return nil, err
		}
		c.entries.Add(name, p)
		return p, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Prepared), nil
	}
}

func (c *Cache) prepare(ctx context.Context, name string) (*Prepared, error) {
	path, err := c.loader.Resolve(name)
	if err != nil {
		return nil, err
	}
	frames, err := c.loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	c.watchPath(path)

	materials, store, err := Prepare(ctx, frames, c.models, c.opts)
	if err != nil {
		return nil, err
	}
	return &Prepared{Name: name, Frames: frames, Materials: materials, Latents: store}, nil
}

// Invalidate drops a cached avatar.
func (c *Cache) Invalidate(name string) bool {
	return c.entries.Remove(name)
}

func (c *Cache) Len() int { return c.entries.Len() }

func (c *Cache) Close() error {
	if c.watcher == nil {
		return nil
	}
	close(c.done)
	err := c.watcher.Close()
	c.wg.Wait()
	return err
}

func (c *Cache) startWatcher() error {
	if _, err := os.Stat(c.loader.Root); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(c.loader.Root); err != nil {
		_ = w.Close()
		return err
	}
	c.watcher = w
	c.wg.Add(1)
	go c.watchLoop()
	return nil
}

// watchPath adds directory avatars to the watcher; file avatars are covered
// by the root watch.
func (c *Cache) watchPath(path string) {
	if c.watcher == nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watched[path] {
		return
	}
	if err := c.watcher.Add(path); err != nil {
		c.logger.Debug().Err(err).Str("path", path).Msg("watch avatar directory")
		return
	}
	c.watched[path] = true
}

func (c *Cache) watchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := c.avatarForPath(ev.Name)
			if name == "" {
				continue
			}
			if c.Invalidate(name) {
				c.logger.Info().Str("avatar", name).Str("op", ev.Op.String()).Msg("avatar changed on disk; evicted")
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				c.logger.Warn().Err(err).Msg("avatar watcher error")
				continue
			}
			c.logger.Warn().Msg("avatar watcher overflow; purging cache")
			c.entries.Purge()
		}
	}
}

// avatarForPath maps a changed file to the avatar name it belongs to.
func (c *Cache) avatarForPath(p string) string {
	root := filepath.Clean(c.loader.Root)
	dir := filepath.Dir(filepath.Clean(p))
	if dir == root {
		base := filepath.Base(p)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	if filepath.Dir(dir) == root {
		return filepath.Base(dir)
	}
	return ""
}
