package jitsym

import (
	"sync"
	"sync/atomic"
)

// poolEntry is a single interned name.  The pool holds no reference of its own:
// refs counts the outstanding StringPtr handles.
type poolEntry struct {
	name string
	refs atomic.Int64
}

// StringPtr is a handle to an interned symbol name.  Two handles from the same
// pool are equal if and only if their names are equal, so StringPtr can be
// compared with == and used as a map key.
type StringPtr struct {
	e *poolEntry
}

// String returns the interned text
func (sp StringPtr) String() string {
	if sp.e == nil {
		return ""
	}

	return sp.e.name
}

// IsNil returns whether this is the zero handle
func (sp StringPtr) IsNil() bool {
	return sp.e == nil
}

// Retain records an additional owner of the handle and returns it
func (sp StringPtr) Retain() StringPtr {
	if sp.e != nil {
		sp.e.refs.Add(1)
	}

	return sp
}

// Release drops one owner of the handle.  Once the last owner is gone the
// entry becomes eligible for removal by ClearDeadEntries.
func (sp StringPtr) Release() {
	if sp.e != nil {
		if sp.e.refs.Add(-1) < 0 {
			panic("jitsym: symbol string released more times than retained: " + sp.e.name)
		}
	}
}

// StringPool interns symbol names.  Each execution session owns one pool; the
// pool is safe for concurrent use.
type StringPool struct {
	m       sync.Mutex
	entries map[string]*poolEntry
}

// NewStringPool creates an empty pool
func NewStringPool() *StringPool {
	return &StringPool{entries: make(map[string]*poolEntry)}
}

// Intern returns the canonical handle for name.  The returned handle carries
// one reference owned by the caller.
func (sp *StringPool) Intern(name string) StringPtr {
	sp.m.Lock()
	defer sp.m.Unlock()

	e, ok := sp.entries[name]
	if !ok {
		e = &poolEntry{name: name}
		sp.entries[name] = e
	}

	e.refs.Add(1)
	return StringPtr{e: e}
}

// ClearDeadEntries removes every entry whose last reference has been released
func (sp *StringPool) ClearDeadEntries() {
	sp.m.Lock()
	defer sp.m.Unlock()

	for name, e := range sp.entries {
		if e.refs.Load() == 0 {
			delete(sp.entries, name)
		}
	}
}

// Len returns the number of entries in the pool, live or dead
func (sp *StringPool) Len() int {
	sp.m.Lock()
	defer sp.m.Unlock()

	return len(sp.entries)
}

// Empty returns whether the pool holds no entries at all
func (sp *StringPool) Empty() bool {
	return sp.Len() == 0
}
