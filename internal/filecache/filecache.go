// Package filecache implements the file-content cache: an mtime-
// fingerprinted, namespaced, bounded LRU over file contents, so repeated
// reads of unchanged files during a run avoid redundant disk I/O.
package filecache

import (
	"container/list"
	"errors"
	"io/fs"
	"os"
	"sync"
)

const DefaultMaxEntries = 512

// Fingerprint identifies a cached file's on-disk state.
type Fingerprint struct {
	MtimeMs int64
}

type entry struct {
	path        string
	namespace   string
	content     []byte
	fingerprint Fingerprint
}

// Telemetry counts cache outcomes for one namespace.
type Telemetry struct {
	Hits   int
	Misses int
	Errors int
}

// Cache is a bounded LRU keyed by (namespace, path).
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List
	index      map[string]*list.Element // namespace\x1fpath -> element
	telemetry  map[string]*Telemetry
}

// Options configures a Cache.
type Options struct {
	MaxEntries int
}

func New(opts Options) *Cache {
	max := opts.MaxEntries
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Cache{
		maxEntries: max,
		order:      list.New(),
		index:      make(map[string]*list.Element),
		telemetry:  make(map[string]*Telemetry),
	}
}

func key(namespace, path string) string { return namespace + "\x1f" + path }

func (c *Cache) telemetryFor(namespace string) *Telemetry {
	t, ok := c.telemetry[namespace]
	if !ok {
		t = &Telemetry{}
		c.telemetry[namespace] = t
	}
	return t
}

// Get returns the cached content for path under namespace, reading and
// caching it if absent or stale. A missing file clears any existing entry
// and reports a miss, not an error.
func (c *Cache) Get(path, namespace string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tel := c.telemetryFor(namespace)
	k := key(namespace, path)

	info, statErr := os.Stat(path)
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			tel.Misses++
			c.evictLocked(k)
			return nil, nil
		}
		tel.Errors++
		return nil, statErr
	}

	fp := Fingerprint{MtimeMs: info.ModTime().UnixMilli()}

	if el, ok := c.index[k]; ok {
		e := el.Value.(*entry)
		if e.fingerprint == fp {
			tel.Hits++
			c.order.MoveToFront(el)
			return e.content, nil
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			tel.Misses++
			c.evictLocked(k)
			return nil, nil
		}
		tel.Errors++
		return nil, err
	}

	tel.Misses++
	c.insertLocked(k, &entry{path: path, namespace: namespace, content: content, fingerprint: fp})
	return content, nil
}

func (c *Cache) insertLocked(k string, e *entry) {
	if el, ok := c.index[k]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(e)
	c.index[k] = el
	if c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			old := oldest.Value.(*entry)
			delete(c.index, key(old.namespace, old.path))
		}
	}
}

func (c *Cache) evictLocked(k string) {
	if el, ok := c.index[k]; ok {
		c.order.Remove(el)
		delete(c.index, k)
	}
}

// GetFingerprint returns the cached fingerprint for (namespace, path), if
// present.
func (c *Cache) GetFingerprint(path, namespace string) (Fingerprint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key(namespace, path)]
	if !ok {
		return Fingerprint{}, false
	}
	return el.Value.(*entry).fingerprint, true
}

// Invalidate evicts a single cached entry.
func (c *Cache) Invalidate(path, namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(key(namespace, path))
}

// Clear empties the whole cache but preserves telemetry counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[string]*list.Element)
}

// GetTelemetry returns per-namespace hit/miss/error counts plus totals.
func (c *Cache) GetTelemetry() (perNamespace map[string]Telemetry, total Telemetry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perNamespace = make(map[string]Telemetry, len(c.telemetry))
	for ns, t := range c.telemetry {
		perNamespace[ns] = *t
		total.Hits += t.Hits
		total.Misses += t.Misses
		total.Errors += t.Errors
	}
	return perNamespace, total
}
