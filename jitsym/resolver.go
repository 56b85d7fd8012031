package jitsym

// Resolver is the capability an object loader uses to find the definitions of
// the undefined symbols an object references.
type Resolver interface {
	// FindSymbolInLogicalDylib searches the logical dylib the object is being
	// linked into.  It must also return hidden (non-exported) symbols so that
	// modules split out of one another can still see each other.
	FindSymbolInLogicalDylib(name string) *Symbol

	// FindSymbol performs a normal, visible-symbols-only lookup.  A resolved
	// address of SkipRelocation tells the loader to leave the sites
	// referencing the symbol alone.
	FindSymbol(name string) *Symbol
}

// ResolverFuncs adapts a pair of functions to the Resolver interface.  Either
// function may be nil in which case that search finds nothing.
type ResolverFuncs struct {
	InLogicalDylib func(name string) *Symbol
	External       func(name string) *Symbol
}

func (rf ResolverFuncs) FindSymbolInLogicalDylib(name string) *Symbol {
	if rf.InLogicalDylib == nil {
		return NullSymbol()
	}

	return rf.InLogicalDylib(name)
}

func (rf ResolverFuncs) FindSymbol(name string) *Symbol {
	if rf.External == nil {
		return NullSymbol()
	}

	return rf.External(name)
}

// Resolve runs the standard two step search: the logical dylib first and then
// the visible symbols.  It returns a null symbol if neither finds a definition.
func Resolve(r Resolver, name string) *Symbol {
	if sym := r.FindSymbolInLogicalDylib(name); !sym.IsNull() {
		return sym
	}

	return r.FindSymbol(name)
}
