// Package orc implements on-request compilation: JITDylib symbol tables whose
// definitions are materialized lazily the first time a lookup needs them,
// the asynchronous queries that wait for symbols to reach a required state,
// and the execution session that serializes every mutation of that state.
package orc

import (
	"fmt"
	"orcjit/jitsym"
	"sort"
)

// SymbolState is the materialization state of a symbol table entry.  States
// are ordered: a query for state S is satisfied by any state >= S.
type SymbolState uint8

// Enumeration of symbol states
const (
	Invalid       SymbolState = iota // removed or failed
	NeverSearched                    // added but never looked up
	Materializing                    // queried; a materializer is producing it
	Resolved                         // has an address, dependencies may be pending
	Ready                            // address final and all dependencies ready
)

var symbolStateNames = [...]string{
	Invalid:       "Invalid",
	NeverSearched: "Never-Searched",
	Materializing: "Materializing",
	Resolved:      "Resolved",
	Ready:         "Ready",
}

func (s SymbolState) String() string {
	if int(s) < len(symbolStateNames) {
		return symbolStateNames[s]
	}

	return fmt.Sprintf("SymbolState(%d)", uint8(s))
}

// SymbolNameSet is a set of interned symbol names
type SymbolNameSet map[jitsym.StringPtr]struct{}

// NewSymbolNameSet creates a set from the given names
func NewSymbolNameSet(names ...jitsym.StringPtr) SymbolNameSet {
	set := make(SymbolNameSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}

	return set
}

// Add inserts a name into the set
func (sns SymbolNameSet) Add(name jitsym.StringPtr) {
	sns[name] = struct{}{}
}

// Contains returns whether name is in the set
func (sns SymbolNameSet) Contains(name jitsym.StringPtr) bool {
	_, ok := sns[name]
	return ok
}

// Clone returns a copy of the set
func (sns SymbolNameSet) Clone() SymbolNameSet {
	set := make(SymbolNameSet, len(sns))
	for name := range sns {
		set[name] = struct{}{}
	}

	return set
}

// Strings returns the names in the set as sorted strings
func (sns SymbolNameSet) Strings() []string {
	names := make([]string, 0, len(sns))
	for name := range sns {
		names = append(names, name.String())
	}

	sort.Strings(names)
	return names
}

// SymbolFlagsMap maps symbol names to flags
type SymbolFlagsMap map[jitsym.StringPtr]jitsym.Flags

// Names returns the keys of the map as a set
func (sfm SymbolFlagsMap) Names() SymbolNameSet {
	set := make(SymbolNameSet, len(sfm))
	for name := range sfm {
		set[name] = struct{}{}
	}

	return set
}

// Clone returns a copy of the map
func (sfm SymbolFlagsMap) Clone() SymbolFlagsMap {
	m := make(SymbolFlagsMap, len(sfm))
	for name, flags := range sfm {
		m[name] = flags
	}

	return m
}

// SymbolMap maps symbol names to evaluated symbols
type SymbolMap map[jitsym.StringPtr]jitsym.EvaluatedSymbol

// Flags returns the flags of every symbol in the map
func (sm SymbolMap) Flags() SymbolFlagsMap {
	flags := make(SymbolFlagsMap, len(sm))
	for name, sym := range sm {
		flags[name] = sym.Flags
	}

	return flags
}

// SymbolDependenceMap groups symbol names by the JITDylib that defines them
type SymbolDependenceMap map[*JITDylib]SymbolNameSet

// Add records name as belonging to jd
func (sdm SymbolDependenceMap) Add(jd *JITDylib, name jitsym.StringPtr) {
	set, ok := sdm[jd]
	if !ok {
		set = make(SymbolNameSet)
		sdm[jd] = set
	}

	set.Add(name)
}

// Strings renders the map as dylib name -> sorted symbol names
func (sdm SymbolDependenceMap) Strings() map[string][]string {
	out := make(map[string][]string, len(sdm))
	for jd, names := range sdm {
		out[jd.Name()] = append(out[jd.Name()], names.Strings()...)
	}

	return out
}

// SymbolAliasMapEntry describes one alias: the symbol it forwards to and the
// flags the alias itself is defined with
type SymbolAliasMapEntry struct {
	Aliasee    jitsym.StringPtr
	AliasFlags jitsym.Flags
}

// SymbolAliasMap maps alias names to their aliasees
type SymbolAliasMap map[jitsym.StringPtr]SymbolAliasMapEntry

// SearchOrderEntry is one dylib in a search order along with whether
// non-exported symbols of that dylib may be matched
type SearchOrderEntry struct {
	Dylib            *JITDylib
	MatchNonExported bool
}

// JITDylibSearchList is an ordered list of dylibs to search
type JITDylibSearchList []SearchOrderEntry

// SearchListFor creates a search list over the given dylibs which matches
// exported symbols only
func SearchListFor(jds ...*JITDylib) JITDylibSearchList {
	list := make(JITDylibSearchList, len(jds))
	for i, jd := range jds {
		list[i] = SearchOrderEntry{Dylib: jd}
	}

	return list
}

// SymbolsResolvedCallback receives the result of a query.  Exactly one of the
// arguments is meaningful: the symbol map on success, the error on failure.
type SymbolsResolvedCallback func(SymbolMap, error)

// RegisterDependenciesFunction is called by a lookup with every symbol it
// matched that was not yet ready.  It runs with the session lock held so it
// must not call back into the session: use the dependency registrar of a
// MaterializationResponsibility.
type RegisterDependenciesFunction func(SymbolDependenceMap)

// DefinitionGenerator is given the names a lookup could not find in a dylib
// and may return a materialization unit defining some of them.  It runs with
// the session lock held and must not call back into the session.
type DefinitionGenerator func(jd *JITDylib, names SymbolNameSet) (MaterializationUnit, error)

// DylibID is the index of a JITDylib in its session's arena.  Dylibs live for
// the lifetime of their session so an ID is never reused.
type DylibID uint32

// depEdges is one side of the dependency graph between materializing symbols:
// edges point at (dylib, name) pairs by ID so that no MaterializingInfo holds a
// reference into another dylib.
type depEdges map[DylibID]SymbolNameSet

func (de depEdges) add(id DylibID, name jitsym.StringPtr) {
	set, ok := de[id]
	if !ok {
		set = make(SymbolNameSet)
		de[id] = set
	}

	set.Add(name)
}

func (de depEdges) remove(id DylibID, name jitsym.StringPtr) {
	if set, ok := de[id]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(de, id)
		}
	}
}

func (de depEdges) contains(id DylibID, name jitsym.StringPtr) bool {
	set, ok := de[id]
	return ok && set.Contains(name)
}

func (de depEdges) empty() bool {
	return len(de) == 0
}
