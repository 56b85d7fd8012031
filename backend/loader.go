package backend

import (
	"encoding/binary"
	"fmt"
	"orcjit/jitsym"
	"orcjit/logging"
	"orcjit/memory"
)

// LoadedObject is an object placed in memory.  Its own symbols have their
// final addresses as soon as it is allocated; its contents are written and
// protected only once it is linked.
type LoadedObject struct {
	obj *Object

	CodeAddr jitsym.TargetAddress
	DataAddr jitsym.TargetAddress

	// Symbols maps each definition of the object to its address
	Symbols map[string]jitsym.EvaluatedSymbol

	linked bool
}

// Name returns the name of the underlying object
func (lo *LoadedObject) Name() string {
	return lo.obj.Name
}

// ExternalReferences returns the names the object needs from elsewhere
func (lo *LoadedObject) ExternalReferences() []string {
	return lo.obj.ExternalReferences()
}

// Linked returns whether the object's relocations have been applied
func (lo *LoadedObject) Linked() bool {
	return lo.linked
}

// Loader places objects in memory obtained from an allocator and applies
// their relocations.  Loading is split in two steps so that a caller can
// publish an object's own addresses before resolving what it references.
type Loader struct {
	alloc memory.Allocator
}

// NewLoader creates a loader drawing memory from alloc
func NewLoader(alloc memory.Allocator) *Loader {
	return &Loader{alloc: alloc}
}

// Allocator returns the loader's allocator
func (l *Loader) Allocator() memory.Allocator {
	return l.alloc
}

// Allocate reserves memory for obj and assigns every symbol its address
func (l *Loader) Allocate(obj *Object) (*LoadedObject, error) {
	lo := &LoadedObject{obj: obj, Symbols: make(map[string]jitsym.EvaluatedSymbol)}

	var err error
	if len(obj.Code) > 0 {
		if lo.CodeAddr, err = l.alloc.Allocate(uint64(len(obj.Code)), funcAlign); err != nil {
			return nil, fmt.Errorf("allocating code for %s: %w", obj.Name, err)
		}
	}

	if len(obj.Data) > 0 {
		if lo.DataAddr, err = l.alloc.Allocate(uint64(len(obj.Data)), globalSize); err != nil {
			return nil, fmt.Errorf("allocating data for %s: %w", obj.Name, err)
		}
	}

	for _, sym := range obj.Symbols {
		lo.Symbols[sym.Name] = jitsym.EvaluatedSymbol{
			Address: lo.sectionAddr(sym.Section) + jitsym.TargetAddress(sym.Offset),
			Flags:   sym.Flags,
		}
	}

	for _, alias := range obj.Aliases {
		target, ok := lo.Symbols[alias.Aliasee]
		if !ok {
			return nil, fmt.Errorf("alias `%s` of %s names `%s` which the object does not define",
				alias.Name, obj.Name, alias.Aliasee)
		}

		lo.Symbols[alias.Name] = jitsym.EvaluatedSymbol{Address: target.Address, Flags: alias.Flags}
	}

	return lo, nil
}

// Link resolves the object's relocations through r, writes its sections and
// applies their final protections.  Targets the object defines itself never
// go through r.  A target resolving to jitsym.SkipRelocation leaves its slot
// untouched.
func (l *Loader) Link(lo *LoadedObject, r jitsym.Resolver) error {
	if lo.linked {
		return fmt.Errorf("%s is already linked", lo.Name())
	}

	code := append([]byte(nil), lo.obj.Code...)
	data := append([]byte(nil), lo.obj.Data...)

	for _, reloc := range lo.obj.Relocations {
		addr, err := lo.resolveTarget(reloc.Target, r)
		if err != nil {
			return err
		}

		if addr == jitsym.SkipRelocation {
			continue
		}

		section := code
		if reloc.Section == SectionData {
			section = data
		}

		binary.LittleEndian.PutUint64(section[reloc.Offset:], uint64(int64(addr)+reloc.Addend))
	}

	if err := l.writeSection(lo, SectionCode, code, memory.ProtRead|memory.ProtExec); err != nil {
		return err
	}

	if err := l.writeSection(lo, SectionData, data, memory.ProtRead|memory.ProtWrite); err != nil {
		return err
	}

	lo.linked = true
	logging.LogDebug("loader", "linked %s (code at %s, data at %s)", lo.Name(), lo.CodeAddr, lo.DataAddr)
	return nil
}

// Load allocates and links obj in one step
func (l *Loader) Load(obj *Object, r jitsym.Resolver) (*LoadedObject, error) {
	lo, err := l.Allocate(obj)
	if err != nil {
		return nil, err
	}

	if err := l.Link(lo, r); err != nil {
		return nil, err
	}

	return lo, nil
}

func (l *Loader) writeSection(lo *LoadedObject, s Section, contents []byte, prot memory.Protection) error {
	if len(contents) == 0 {
		return nil
	}

	addr := lo.sectionAddr(s)
	if err := l.alloc.Write(addr, contents); err != nil {
		return fmt.Errorf("writing %s of %s: %w", s, lo.Name(), err)
	}

	if err := l.alloc.SetProtections(addr, prot); err != nil {
		return fmt.Errorf("protecting %s of %s: %w", s, lo.Name(), err)
	}

	return nil
}

func (lo *LoadedObject) resolveTarget(name string, r jitsym.Resolver) (jitsym.TargetAddress, error) {
	if sym, ok := lo.Symbols[name]; ok {
		return sym.Address, nil
	}

	sym := jitsym.Resolve(r, name)
	if err := sym.TakeError(); err != nil {
		return 0, fmt.Errorf("resolving `%s` for %s: %w", name, lo.Name(), err)
	}

	if sym.IsNull() {
		return 0, fmt.Errorf("%s references undefined symbol `%s`", lo.Name(), name)
	}

	addr, err := sym.Address()
	if err != nil {
		return 0, fmt.Errorf("materializing `%s` for %s: %w", name, lo.Name(), err)
	}

	return addr, nil
}

func (lo *LoadedObject) sectionAddr(s Section) jitsym.TargetAddress {
	if s == SectionCode {
		return lo.CodeAddr
	}

	return lo.DataAddr
}
