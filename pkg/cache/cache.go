// Package cache persists datasets on the local filesystem, one artifact per viewport
// and iteration count, and indexes them by bounds so that the nearest shallower
// dataset can be found for incremental extension.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mandelcache/mandelcache/pkg/dataset"
	"github.com/mandelcache/mandelcache/pkg/telemetry"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

var (
	// ErrNotFound is returned by Get when no artifact is indexed for the key.
	ErrNotFound = errors.New("dataset not cached")

	// ErrCorrupt is returned when an indexed artifact cannot be decoded.
	ErrCorrupt = errors.New("cached dataset is corrupt")
)

// CorruptError reports an indexed artifact that could not be loaded. It matches
// ErrCorrupt with errors.Is.
type CorruptError struct {
	Key  viewport.Key
	Path string
	Err  error
}

// Error implements the error interface.
func (e *CorruptError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrCorrupt, e.Path, e.Err)
}

// Is reports whether target is ErrCorrupt.
func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}

// Unwrap returns the underlying decode error.
func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Config configures a Cache.
type Config struct {
	// Dir is the cache directory. It is created if missing.
	Dir string

	// Prefix is the artifact filename prefix. Defaults to DefaultPrefix.
	Prefix string

	// Scan rebuilds the index from the artifacts already in Dir when the cache is opened.
	Scan bool

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Cache is a directory of dataset artifacts plus an in-memory index of them.
type Cache struct {
	dir     string
	prefix  string
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu    sync.RWMutex
	index map[viewport.Bounds]*entrySet
}

// entrySet holds the artifacts cached for one set of bounds.
type entrySet struct {
	// iterations is sorted ascending.
	iterations []int
	paths      map[int]string
}

func (e *entrySet) add(iterations int, path string) {
	if _, ok := e.paths[iterations]; !ok {
		i, _ := slices.BinarySearch(e.iterations, iterations)
		e.iterations = slices.Insert(e.iterations, i, iterations)
	}
	e.paths[iterations] = path
}

func (e *entrySet) remove(iterations int) {
	if _, ok := e.paths[iterations]; !ok {
		return
	}
	delete(e.paths, iterations)
	if i, found := slices.BinarySearch(e.iterations, iterations); found {
		e.iterations = slices.Delete(e.iterations, i, i+1)
	}
}

// floor returns the largest cached iteration count <= n.
func (e *entrySet) floor(n int) (int, bool) {
	i := sort.SearchInts(e.iterations, n+1) - 1
	if i < 0 {
		return 0, false
	}
	return e.iterations[i], true
}

// Open creates the cache directory if needed and returns a cache over it.
func Open(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &Cache{
		dir:     cfg.Dir,
		prefix:  cfg.Prefix,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		index:   make(map[viewport.Bounds]*entrySet),
	}

	if cfg.Scan {
		if err := c.Rescan(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Prefix returns the artifact filename prefix.
func (c *Cache) Prefix() string { return c.prefix }

// Path returns the artifact path for spec whether or not it exists.
func (c *Cache) Path(spec viewport.Spec) string {
	return filepath.Join(c.dir, FileName(c.prefix, spec.Key()))
}

// Exists reports whether a dataset for the exact bounds and iteration count is indexed.
func (c *Cache) Exists(spec viewport.Spec) bool {
	_, ok := c.lookup(spec.Key())
	c.recordLookup("exists", ok)
	return ok
}

// Get loads the dataset cached for the exact bounds and iteration count.
func (c *Cache) Get(spec viewport.Spec) (*dataset.Dataset, error) {
	key := spec.Key()
	path, ok := c.lookup(key)
	if !ok {
		c.recordLookup("get", false)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	ds, err := c.load(key, path)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			c.metrics.RecordCacheLookup("get", "corrupt")
		}
		return nil, err
	}
	c.recordLookup("get", true)
	return ds, nil
}

// GetClosest loads the cached dataset with the same bounds and the largest iteration
// count not above spec.Iterations. It returns nil, nil when there is none.
func (c *Cache) GetClosest(spec viewport.Spec) (*dataset.Dataset, error) {
	c.mu.RLock()
	var (
		key  viewport.Key
		path string
		ok   bool
	)
	if set := c.index[spec.Bounds]; set != nil {
		var n int
		if n, ok = set.floor(spec.Iterations); ok {
			key = viewport.Key{Bounds: spec.Bounds, Iterations: n}
			path = set.paths[n]
		}
	}
	c.mu.RUnlock()

	if !ok {
		c.recordLookup("closest", false)
		return nil, nil
	}

	ds, err := c.load(key, path)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			c.metrics.RecordCacheLookup("closest", "corrupt")
		}
		return nil, err
	}
	c.recordLookup("closest", true)
	return ds, nil
}

// Commit persists ds under the key of spec, replacing any existing artifact. The file
// is written to a temporary name and renamed into place, so readers never see a
// partial artifact.
func (c *Cache) Commit(spec viewport.Spec, ds *dataset.Dataset) error {
	key := spec.Key()
	if ds.Viewport.Key() != key {
		return fmt.Errorf("dataset for %s cannot be committed as %s", ds.Viewport.Key(), key)
	}
	path := filepath.Join(c.dir, FileName(c.prefix, key))

	tmp, err := os.CreateTemp(c.dir, tempPattern(c.prefix))
	if err != nil {
		return fmt.Errorf("failed to create temporary artifact: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := dataset.Encode(tmp, ds); err != nil {
		cleanup()
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to stat artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}

	c.mu.Lock()
	c.addLocked(key, path)
	n := c.countLocked()
	c.mu.Unlock()

	c.metrics.RecordCacheWrite(info.Size())
	c.metrics.SetCachedArtifacts(n)
	c.logger.Debug().
		Str("key", key.String()).
		Str("path", path).
		Int64("bytes", info.Size()).
		Msg("Committed dataset")
	return nil
}

// Evict removes the artifact of spec from disk and from the index.
func (c *Cache) Evict(spec viewport.Spec) error {
	return c.EvictKey(spec.Key())
}

// EvictKey removes the artifact of key from disk and from the index.
// Evicting a key that is not cached is not an error.
func (c *Cache) EvictKey(key viewport.Key) error {
	c.mu.Lock()
	path := filepath.Join(c.dir, FileName(c.prefix, key))
	if set := c.index[key.Bounds]; set != nil {
		if p, ok := set.paths[key.Iterations]; ok {
			path = p
		}
		set.remove(key.Iterations)
		if len(set.iterations) == 0 {
			delete(c.index, key.Bounds)
		}
	}
	n := c.countLocked()
	c.mu.Unlock()

	c.metrics.SetCachedArtifacts(n)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	c.logger.Info().Str("key", key.String()).Msg("Evicted dataset")
	return nil
}

// Cleanup removes every artifact carrying the cache prefix from the directory, whether
// indexed or not, together with abandoned temporary files, and clears the index.
func (c *Cache) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	removed := 0
	for _, pattern := range []string{c.prefix + "_*" + Extension, tempPattern(c.prefix)} {
		matches, err := filepath.Glob(filepath.Join(c.dir, pattern))
		if err != nil {
			return fmt.Errorf("invalid cleanup pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			// The globs also match longer prefixes sharing the directory.
			if !c.owns(filepath.Base(m)) {
				continue
			}
			if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	c.index = make(map[viewport.Bounds]*entrySet)
	c.metrics.SetCachedArtifacts(0)
	c.logger.Info().Int("removed", removed).Str("dir", c.dir).Msg("Cleaned cache")

	return errors.Join(errs...)
}

// Rescan rebuilds the index from the canonical artifact names in the directory.
func (c *Cache) Rescan() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	index := make(map[viewport.Bounds]*entrySet)
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := ParseFileName(c.prefix, e.Name())
		if !ok {
			continue
		}
		set := index[key.Bounds]
		if set == nil {
			set = &entrySet{paths: make(map[int]string)}
			index[key.Bounds] = set
		}
		set.add(key.Iterations, filepath.Join(c.dir, e.Name()))
		n++
	}

	c.mu.Lock()
	c.index = index
	c.mu.Unlock()

	c.metrics.SetCachedArtifacts(n)
	c.logger.Debug().Int("artifacts", n).Str("dir", c.dir).Msg("Indexed cache directory")
	return nil
}

// Entries returns the indexed keys ordered by bounds and then iteration count.
func (c *Cache) Entries() []viewport.Key {
	c.mu.RLock()
	keys := make([]viewport.Key, 0, len(c.index))
	for b, set := range c.index {
		for _, n := range set.iterations {
			keys = append(keys, viewport.Key{Bounds: b, Iterations: n})
		}
	}
	c.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch {
		case a.Bounds.XMin != b.Bounds.XMin:
			return a.Bounds.XMin < b.Bounds.XMin
		case a.Bounds.XMax != b.Bounds.XMax:
			return a.Bounds.XMax < b.Bounds.XMax
		case a.Bounds.YMin != b.Bounds.YMin:
			return a.Bounds.YMin < b.Bounds.YMin
		case a.Bounds.YMax != b.Bounds.YMax:
			return a.Bounds.YMax < b.Bounds.YMax
		default:
			return a.Iterations < b.Iterations
		}
	})
	return keys
}

func (c *Cache) lookup(key viewport.Key) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.index[key.Bounds]
	if set == nil {
		return "", false
	}
	path, ok := set.paths[key.Iterations]
	return path, ok
}

func (c *Cache) load(key viewport.Key, path string) (*dataset.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// removed behind our back
			c.drop(key)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	ds, err := dataset.Decode(f)
	if err != nil {
		return nil, &CorruptError{Key: key, Path: path, Err: err}
	}
	if ds.Viewport.Key() != key {
		return nil, &CorruptError{Key: key, Path: path, Err: fmt.Errorf("artifact holds %s", ds.Viewport.Key())}
	}
	return ds, nil
}

func (c *Cache) drop(key viewport.Key) {
	c.mu.Lock()
	if set := c.index[key.Bounds]; set != nil {
		set.remove(key.Iterations)
		if len(set.iterations) == 0 {
			delete(c.index, key.Bounds)
		}
	}
	n := c.countLocked()
	c.mu.Unlock()
	c.metrics.SetCachedArtifacts(n)
}

func (c *Cache) addLocked(key viewport.Key, path string) {
	set := c.index[key.Bounds]
	if set == nil {
		set = &entrySet{paths: make(map[int]string)}
		c.index[key.Bounds] = set
	}
	set.add(key.Iterations, path)
}

func (c *Cache) countLocked() int {
	n := 0
	for _, set := range c.index {
		n += len(set.iterations)
	}
	return n
}

func (c *Cache) recordLookup(operation string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.metrics.RecordCacheLookup(operation, result)
}
