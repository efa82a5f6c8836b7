package metadata

import (
	"context"
	"sync"

	"github.com/infinigence/octoproxy/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Cache memoizes known metadata for the lifetime of the process.
// Concurrent misses for the same model share a single backend query. Failures and
// results without a trained context size are never stored.
type Cache struct {
	fetcher Fetcher
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]ModelMetadata
	group   singleflight.Group
}

func NewCache(fetcher Fetcher, m *metrics.Metrics) *Cache {
	return &Cache{
		fetcher: fetcher,
		metrics: m,
		entries: make(map[string]ModelMetadata),
	}
}

func (c *Cache) lookup(name string) (ModelMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	md, ok := c.entries[name]
	return md, ok
}

// Resolve returns the metadata of name, querying the backend on a miss.
// A caller whose ctx ends stops waiting; the shared query keeps running for the others.
func (c *Cache) Resolve(ctx context.Context, name string) (ModelMetadata, error) {
	if name == "" {
		return ModelMetadata{}, unknownModelf("empty model name")
	}
	if md, ok := c.lookup(name); ok {
		c.metrics.RecordCacheLookup("hit")
		return md, nil
	}
	c.metrics.RecordCacheLookup("miss")

	ch := c.group.DoChan(name, func() (any, error) {
		if md, ok := c.lookup(name); ok {
			return md, nil
		}
		md, err := c.fetcher.Fetch(context.WithoutCancel(ctx), name)
		if err != nil {
			c.metrics.RecordMetadataFetch("error")
			return nil, err
		}
		if md.Known() {
			c.mu.Lock()
			c.entries[name] = md
			c.mu.Unlock()
			c.metrics.RecordMetadataFetch("ok")
		} else {
			c.metrics.RecordMetadataFetch("unknown")
		}
		return md, nil
	})

	select {
	case <-ctx.Done():
		return ModelMetadata{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.metrics.RecordCacheLookup("error")
			logrus.WithContext(ctx).Debugf("[metadata] resolve %s failed (shared=%v): %v", name, res.Shared, res.Err)
			return ModelMetadata{}, res.Err
		}
		return res.Val.(ModelMetadata), nil
	}
}

// Len returns the number of cached models.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
