package orc

import (
	"fmt"
	"orcjit/jitsym"
)

// MaterializationUnit is a deferred producer of definitions for a fixed set
// of symbols.  A unit is defined into a JITDylib and is materialized the first
// time a lookup needs any of its symbols, at which point it receives a
// MaterializationResponsibility for all of them.
type MaterializationUnit interface {
	// Name is used in diagnostics
	Name() string

	// SymbolFlags returns the symbols the unit currently provides.  The map
	// shrinks as definitions are discarded.
	SymbolFlags() SymbolFlagsMap

	// Materialize produces the unit's definitions and must eventually resolve
	// and emit or fail every symbol of r
	Materialize(r *MaterializationResponsibility)

	// Discard is called when name has been overridden or removed before the
	// unit was materialized.  The unit must drop name from SymbolFlags.  It
	// runs with the session lock held.
	Discard(jd *JITDylib, name jitsym.StringPtr)
}

// UnitBase carries the symbol flags map shared by every materialization unit
// and may be embedded to satisfy SymbolFlags
type UnitBase struct {
	Flags SymbolFlagsMap
}

// SymbolFlags implements MaterializationUnit
func (ub *UnitBase) SymbolFlags() SymbolFlagsMap {
	return ub.Flags
}

// DropSymbol removes name from the unit's flags
func (ub *UnitBase) DropSymbol(name jitsym.StringPtr) {
	delete(ub.Flags, name)
}

// discardFromUnit asks mu to drop name and checks that it did
func discardFromUnit(jd *JITDylib, mu MaterializationUnit, name jitsym.StringPtr) {
	mu.Discard(jd, name)
	if _, ok := mu.SymbolFlags()[name]; ok {
		contractViolation("unit %s still provides `%s` after discarding it", mu.Name(), name)
	}
}

// -----------------------------------------------------------------------------

// AbsoluteSymbolsMaterializationUnit defines symbols whose addresses are
// already known.  Materializing it resolves and emits them immediately.
type AbsoluteSymbolsMaterializationUnit struct {
	UnitBase

	symbols SymbolMap
}

// AbsoluteSymbols creates a unit defining each symbol of syms at its address
func AbsoluteSymbols(syms SymbolMap) *AbsoluteSymbolsMaterializationUnit {
	own := make(SymbolMap, len(syms))
	for name, sym := range syms {
		own[name] = sym
	}

	return &AbsoluteSymbolsMaterializationUnit{
		UnitBase: UnitBase{Flags: own.Flags()},
		symbols:  own,
	}
}

func (asmu *AbsoluteSymbolsMaterializationUnit) Name() string {
	return fmt.Sprintf("<Absolute Symbols (%d)>", len(asmu.symbols))
}

func (asmu *AbsoluteSymbolsMaterializationUnit) Materialize(r *MaterializationResponsibility) {
	r.NotifyResolved(asmu.symbols)
	r.NotifyEmitted()
}

func (asmu *AbsoluteSymbolsMaterializationUnit) Discard(jd *JITDylib, name jitsym.StringPtr) {
	if _, ok := asmu.symbols[name]; !ok {
		contractViolation("discarding `%s` which %s does not provide", name, asmu.Name())
	}

	delete(asmu.symbols, name)
	asmu.DropSymbol(name)
}
