package proxy

import (
	"sync"

	"github.com/lengjing/docker-workspace-manager/internal/model"
)

// Cache memoizes resolved targets by the identifier used in the URL.
//
// Every invalidation advances a generation counter. Callers read the
// generation before resolving and hand it back to Put, so a resolution that
// was in flight across an invalidation never repopulates the cache.
type Cache struct {
	mu      sync.RWMutex
	gen     uint64
	entries map[string]*Target
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Target)}
}

// Generation returns the current invalidation generation.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Get returns the cached target for key.
func (c *Cache) Get(key string) (*Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[key]
	return t, ok
}

// Put stores t under key unless another request stored one first, and
// returns whichever target should be used. If the cache was invalidated
// since gen was read, t is returned without being stored.
func (c *Cache) Put(key string, t *Target, gen uint64) *Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		return existing
	}
	if gen != c.gen {
		return t
	}
	c.entries[key] = t
	return t
}

// Invalidate drops the entry for key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	delete(c.entries, key)
}

// InvalidateWorkspace drops every entry that points at ws or is keyed by
// one of its identifiers.
func (c *Cache) InvalidateWorkspace(ws *model.Workspace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for key, t := range c.entries {
		if key == ws.ID || key == ws.Name || key == ws.ContainerID ||
			(t.WorkspaceID != "" && t.WorkspaceID == ws.ID) ||
			(t.ContainerID != "" && t.ContainerID == ws.ContainerID) {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
