// Package backend turns IR modules into loaded code: a compiler lowering each
// module to a relocatable object, a loader placing objects in memory handed
// out by an allocator, and the layers bridging both into JIT dylibs.
package backend

import (
	"fmt"
	"orcjit/jitsym"
	"sort"
)

// Section identifies one of the two sections of an object
type Section int

// Enumeration of sections
const (
	SectionCode Section = iota
	SectionData
)

func (s Section) String() string {
	if s == SectionCode {
		return "code"
	}

	return "data"
}

// ObjectSymbol is a definition provided by an object
type ObjectSymbol struct {
	Name    string
	Flags   jitsym.Flags
	Section Section
	Offset  uint64
	Size    uint64
}

// ObjectAlias is a symbol defined at the address of another symbol of the
// same object
type ObjectAlias struct {
	Name    string
	Flags   jitsym.Flags
	Aliasee string
}

// Relocation is an 8-byte slot that must be patched with the address of
// Target plus Addend before the object can run
type Relocation struct {
	Section Section
	Offset  uint64
	Target  string
	Addend  int64
}

// Object is the relocatable output of compiling one module
type Object struct {
	Name string

	Symbols     []ObjectSymbol
	Aliases     []ObjectAlias
	Relocations []Relocation

	Code []byte
	Data []byte
}

// Defines returns whether the object provides name
func (o *Object) Defines(name string) bool {
	for _, sym := range o.Symbols {
		if sym.Name == name {
			return true
		}
	}

	for _, alias := range o.Aliases {
		if alias.Name == name {
			return true
		}
	}

	return false
}

// ExternalReferences returns the sorted relocation targets the object does
// not define itself
func (o *Object) ExternalReferences() []string {
	seen := make(map[string]struct{})
	for _, reloc := range o.Relocations {
		if !o.Defines(reloc.Target) {
			seen[reloc.Target] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

func (o *Object) String() string {
	return fmt.Sprintf("object %s (%d symbols, %d relocations, code %d bytes, data %d bytes)",
		o.Name, len(o.Symbols)+len(o.Aliases), len(o.Relocations), len(o.Code), len(o.Data))
}
