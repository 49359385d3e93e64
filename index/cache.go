package index

import (
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/vecworker/internal/resource"
)

// DefaultCacheSize is the number of decoded sealed segments a SegmentCache
// holds when no size is given.
const DefaultCacheSize = 64

// SegmentCache holds decoded sealed segments, keyed by file path. One cache
// is normally shared by every index of a worker.
type SegmentCache struct {
	lru   *lru.Cache[string, *sealed]
	loads singleflight.Group
	rc    *resource.Controller
}

// NewSegmentCache returns a cache bounded to size segments. Decoded bytes are
// accounted in rc, which may be nil.
func NewSegmentCache(size int, rc *resource.Controller) *SegmentCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c := &SegmentCache{rc: rc}
	// NewWithEvict only fails for a non-positive size.
	c.lru, _ = lru.NewWithEvict(size, func(_ string, s *sealed) {
		rc.TrackMemory(-s.sizeBytes())
	})
	return c
}

// get returns the cached segment for path, loading it with load on a miss.
// Concurrent misses for the same path share one load.
func (c *SegmentCache) get(path string, load func() (*sealed, error)) (*sealed, error) {
	if s, ok := c.lru.Get(path); ok {
		return s, nil
	}
	v, err, _ := c.loads.Do(path, func() (any, error) {
		if s, ok := c.lru.Get(path); ok {
			return s, nil
		}
		s, err := load()
		if err != nil {
			return nil, err
		}
		c.rc.TrackMemory(s.sizeBytes())
		c.lru.Add(path, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sealed), nil
}

func (c *SegmentCache) remove(path string) {
	c.lru.Remove(path)
}

// removeDir drops every segment stored under dir.
func (c *SegmentCache) removeDir(dir string) {
	prefix := dir + string(filepath.Separator)
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}

// Len returns the number of cached segments.
func (c *SegmentCache) Len() int {
	return c.lru.Len()
}
