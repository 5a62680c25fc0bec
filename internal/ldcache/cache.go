// Package ldcache keeps correlation matrices across scoring calls. Entries are
// keyed by a caller-chosen namespace and the gene (or fused unit) ID, and the
// whole cache is tied to a reference panel fingerprint: once the panel files
// change, every entry is discarded.
package ldcache

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/inodb/genescore/internal/ld"
)

type key struct {
	namespace string
	id        string
}

// Cache is an in-memory correlation matrix cache, safe for concurrent use.
// Cached matrices are shared and must not be modified.
type Cache struct {
	mu          sync.RWMutex
	fingerprint string
	entries     map[key]*ld.Matrix

	hits   atomic.Int64
	misses atomic.Int64
	logger *zap.Logger
}

// New creates an empty cache bound to a panel fingerprint.
func New(fingerprint string) *Cache {
	return &Cache{
		fingerprint: fingerprint,
		entries:     make(map[key]*ld.Matrix),
		logger:      zap.NewNop(),
	}
}

// SetLogger sets the logger for invalidation messages.
func (c *Cache) SetLogger(l *zap.Logger) {
	c.logger = l
}

// Fingerprint returns the panel fingerprint the entries belong to.
func (c *Cache) Fingerprint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fingerprint
}

// Get returns the matrix cached for id in namespace.
func (c *Cache) Get(namespace, id string) (*ld.Matrix, bool) {
	c.mu.RLock()
	m, ok := c.entries[key{namespace, id}]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return m, ok
}

// Put stores m for id in namespace.
func (c *Cache) Put(namespace, id string, m *ld.Matrix) {
	c.mu.Lock()
	c.entries[key{namespace, id}] = m
	c.mu.Unlock()
}

// Len returns the number of cached matrices.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns the hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Invalidate drops every entry when fingerprint differs from the one the
// cache was filled under, and rebinds the cache to it. It reports whether
// entries were dropped.
func (c *Cache) Invalidate(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fingerprint == c.fingerprint {
		return false
	}
	n := len(c.entries)
	c.entries = make(map[key]*ld.Matrix)
	c.fingerprint = fingerprint
	c.logger.Info("reference panel changed, LD cache cleared", zap.Int("entries", n))
	return true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[key]*ld.Matrix)
	c.mu.Unlock()
}
