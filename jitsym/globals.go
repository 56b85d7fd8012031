package jitsym

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
)

// FlagsFromLinkage computes the symbol flags of a global value from its
// linkage and visibility
func FlagsFromLinkage(linkage enum.Linkage, visibility enum.Visibility) Flags {
	var f Flags

	switch linkage {
	case enum.LinkageWeak, enum.LinkageWeakODR, enum.LinkageLinkOnce, enum.LinkageLinkOnceODR, enum.LinkageExternWeak:
		f |= FlagWeak
	case enum.LinkageCommon:
		f |= FlagCommon
	}

	local := linkage == enum.LinkageInternal || linkage == enum.LinkagePrivate
	if !local && visibility != enum.VisibilityHidden {
		f |= FlagExported
	}

	return f
}

// GlobalDefinition is a named definition found in an IR module
type GlobalDefinition struct {
	Name  string
	Flags Flags

	// Value is the *ir.Func, *ir.Global or *ir.Alias that defines the symbol
	Value interface{}
}

// FlagsFromFunc computes the flags for a function definition
func FlagsFromFunc(f *ir.Func) Flags {
	return FlagsFromLinkage(f.Linkage, f.Visibility) | FlagCallable
}

// FlagsFromGlobal computes the flags for a global variable definition
func FlagsFromGlobal(g *ir.Global) Flags {
	return FlagsFromLinkage(g.Linkage, g.Visibility)
}

// IsDeclaration returns whether a global value of an IR module only declares
// its symbol (and so does not provide it)
func IsDeclaration(v interface{}) bool {
	switch gv := v.(type) {
	case *ir.Func:
		return len(gv.Blocks) == 0
	case *ir.Global:
		return gv.Init == nil
	case *ir.Alias:
		return false
	}

	return true
}

// ModuleDefinitions lists the symbols an IR module provides, in module order
// (functions, then globals, then aliases).  Declarations are skipped.
func ModuleDefinitions(m *ir.Module) []GlobalDefinition {
	var defs []GlobalDefinition
	ForEachDefinition(m, func(def GlobalDefinition) bool {
		defs = append(defs, def)
		return true
	})

	return defs
}

// ForEachDefinition visits the symbols an IR module provides in module order
// until visit returns false
func ForEachDefinition(m *ir.Module, visit func(GlobalDefinition) bool) {
	dc := NewDefinitionCursor(m)
	for def, ok := dc.Next(); ok; def, ok = dc.Next() {
		if !visit(def) {
			return
		}
	}
}

// DefinitionCursor walks the definitions of a module one at a time.  A walk
// can stop at any point and pick up where it left off; each global value is
// examined exactly once.
type DefinitionCursor struct {
	m *ir.Module

	// section is 0 for functions, 1 for globals and 2 for aliases
	section int
	index   int
}

// NewDefinitionCursor creates a cursor positioned before the first definition
func NewDefinitionCursor(m *ir.Module) *DefinitionCursor {
	return &DefinitionCursor{m: m}
}

// Next returns the next definition or false once the module is exhausted
func (dc *DefinitionCursor) Next() (GlobalDefinition, bool) {
	for dc.section < 3 {
		switch dc.section {
		case 0:
			if dc.index < len(dc.m.Funcs) {
				f := dc.m.Funcs[dc.index]
				dc.index++

				if !IsDeclaration(f) {
					return GlobalDefinition{Name: f.Name(), Flags: FlagsFromFunc(f), Value: f}, true
				}

				continue
			}
		case 1:
			if dc.index < len(dc.m.Globals) {
				g := dc.m.Globals[dc.index]
				dc.index++

				if !IsDeclaration(g) {
					return GlobalDefinition{Name: g.Name(), Flags: FlagsFromGlobal(g), Value: g}, true
				}

				continue
			}
		case 2:
			if dc.index < len(dc.m.Aliases) {
				a := dc.m.Aliases[dc.index]
				dc.index++

				return GlobalDefinition{Name: a.Name(), Flags: FlagsFromLinkage(a.Linkage, a.Visibility), Value: a}, true
			}
		}

		dc.section++
		dc.index = 0
	}

	return GlobalDefinition{}, false
}

// Done returns whether every definition has been visited
func (dc *DefinitionCursor) Done() bool {
	return dc.section >= 3
}
