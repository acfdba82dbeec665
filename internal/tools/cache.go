package tools

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Cache is a per-run snapshot of tool specs. Specs are fetched once and held
// for the run; registration order is preserved so deterministic tie-breaks
// downstream stay stable.
type Cache struct {
	client *Client

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

func NewCache(client *Client) *Cache {
	return &Cache{
		client:  client,
		entries: map[string]*Entry{},
	}
}

// Register records a tool's address without fetching its spec.
func (c *Cache) Register(name, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; !ok {
		c.order = append(c.order, name)
	}
	c.entries[name] = &Entry{URL: url}
}

// Seed installs a fully formed entry, used by tests and local registries
// that already hold the spec.
func (c *Cache) Seed(name, url string, spec *ToolSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; !ok {
		c.order = append(c.order, name)
	}
	c.entries[name] = &Entry{Spec: spec, URL: url, FetchedAt: time.Now().UTC()}
}

// Get returns the entry for a tool, fetching its spec on first use. The
// fetch happens outside the lock; a concurrent duplicate fetch loses the
// race and the first stored spec wins.
func (c *Cache) Get(ctx context.Context, name string) (*Entry, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	var cached bool
	var url string
	if ok {
		cached = e.Spec != nil
		url = e.URL
	}
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q not registered", name)
	}
	if cached {
		return e, nil
	}
	spec, err := c.client.GetSpec(ctx, url, name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.entries[name]
	if cur.Spec == nil {
		cur.Spec = spec
		cur.FetchedAt = time.Now().UTC()
	}
	return cur, nil
}

// URLFor returns the registered address for a tool without fetching its
// spec.
func (c *Cache) URLFor(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return "", false
	}
	return e.URL, true
}

// Names returns tool names in registration order.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// All returns entries in registration order, fetching any specs not yet
// cached. Used by the router to enumerate candidates.
func (c *Cache) All(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	for _, name := range c.Names() {
		e, err := c.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
