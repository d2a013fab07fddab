package store

import (
	"context"
	"strings"
	"sync"

	"github.com/warp/allocation-engine/engine"
)

// =============================================================================
// MEMORY CATALOG / DIRECTORY - collaborator stand-ins (tests/dev)
// =============================================================================

// MemoryCatalog is an in-memory master rate/location catalog.
type MemoryCatalog struct {
	mu        sync.RWMutex
	locations map[engine.LocationID]engine.Location
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{locations: make(map[engine.LocationID]engine.Location)}
}

func (c *MemoryCatalog) Put(loc engine.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if loc.Key == "" {
		loc.Key = engine.BuildLocationKey(loc.Client, loc.Project, loc.Name)
	}
	c.locations[loc.ID] = loc
}

func (c *MemoryCatalog) GetLocation(_ context.Context, id engine.LocationID) (*engine.Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.locations[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return &loc, nil
}

// MemoryDirectory is an in-memory resource directory keyed by email.
type MemoryDirectory struct {
	mu        sync.RWMutex
	resources map[string]engine.Resource // lower-cased email
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{resources: make(map[string]engine.Resource)}
}

func (d *MemoryDirectory) Put(r engine.Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resources[strings.ToLower(r.Email)] = r
}

func (d *MemoryDirectory) FindResourceByEmail(_ context.Context, email string) (*engine.Resource, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.resources[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}
