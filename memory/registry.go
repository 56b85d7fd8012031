package memory

import (
	"fmt"
	"sync"
)

// AllocatorID names an allocator owned by a Registry
type AllocatorID uint64

// Registry owns the allocators created on behalf of remote clients.  Each
// client refers to its allocator by id; destroying the id releases every
// block the allocator handed out.
type Registry struct {
	m       sync.Mutex
	factory func() Allocator
	next    AllocatorID
	allocs  map[AllocatorID]Allocator
}

// NewRegistry creates a registry that builds allocators with factory
func NewRegistry(factory func() Allocator) *Registry {
	return &Registry{
		factory: factory,
		next:    1,
		allocs:  make(map[AllocatorID]Allocator),
	}
}

// Create builds a new allocator and returns its id
func (r *Registry) Create() AllocatorID {
	r.m.Lock()
	defer r.m.Unlock()

	id := r.next
	r.next++
	r.allocs[id] = r.factory()
	return id
}

// Get returns the allocator with the given id
func (r *Registry) Get(id AllocatorID) (Allocator, error) {
	r.m.Lock()
	defer r.m.Unlock()

	if a, ok := r.allocs[id]; ok {
		return a, nil
	}

	return nil, fmt.Errorf("no allocator with id %d", id)
}

// Destroy releases the allocator with the given id and forgets it
func (r *Registry) Destroy(id AllocatorID) error {
	r.m.Lock()
	a, ok := r.allocs[id]
	delete(r.allocs, id)
	r.m.Unlock()

	if !ok {
		return fmt.Errorf("no allocator with id %d", id)
	}

	return a.Release()
}

// Len returns the number of live allocators
func (r *Registry) Len() int {
	r.m.Lock()
	defer r.m.Unlock()

	return len(r.allocs)
}
