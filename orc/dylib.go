package orc

import (
	"fmt"
	"io"
	"orcjit/jitsym"
	"orcjit/logging"
	"sort"
)

// JITDylib is a named symbol table.  Each entry walks the state machine
// NeverSearched -> Materializing -> Resolved -> Ready, driven by lookups and by
// the materialization responsibilities of the units that define it.  Every
// field except name and id is guarded by the session lock.
type JITDylib struct {
	es   *ExecutionSession
	id   DylibID
	name string

	// symbols is the symbol table proper
	symbols map[jitsym.StringPtr]*symbolTableEntry

	// unmaterializedInfos maps each symbol with an attached materializer to
	// the unit that will produce it
	unmaterializedInfos map[jitsym.StringPtr]*unmaterializedInfo

	// materializingInfos holds the queries and dependency edges of symbols
	// that have been searched but are not yet ready
	materializingInfos map[jitsym.StringPtr]*materializingInfo

	// generator is consulted for names no entry matches
	generator DefinitionGenerator

	// searchOrder is the list of dylibs searched on behalf of units defined
	// in this one.  It starts as just this dylib, matching non-exported.
	searchOrder JITDylibSearchList
}

func newJITDylib(es *ExecutionSession, id DylibID, name string) *JITDylib {
	jd := &JITDylib{
		es:                  es,
		id:                  id,
		name:                name,
		symbols:             make(map[jitsym.StringPtr]*symbolTableEntry),
		unmaterializedInfos: make(map[jitsym.StringPtr]*unmaterializedInfo),
		materializingInfos:  make(map[jitsym.StringPtr]*materializingInfo),
	}

	jd.searchOrder = JITDylibSearchList{{Dylib: jd, MatchNonExported: true}}
	return jd
}

// Name returns the dylib's name
func (jd *JITDylib) Name() string {
	return jd.name
}

// ID returns the dylib's index in its session
func (jd *JITDylib) ID() DylibID {
	return jd.id
}

// ExecutionSession returns the session that owns the dylib
func (jd *JITDylib) ExecutionSession() *ExecutionSession {
	return jd.es
}

// Define adds the symbols of mu to the dylib.  Nothing is materialized until
// a lookup asks for one of them.  Defining a strong symbol over an existing
// strong or already searched one fails with DuplicateDefinitionError and
// leaves the dylib unchanged.
func (jd *JITDylib) Define(mu MaterializationUnit) error {
	var err error
	jd.es.runSession(func() {
		err = jd.defineLocked(mu)
	})

	if err == nil {
		logging.LogDebug("orc", "defined %s in %s", mu.Name(), jd.name)
	}

	return err
}

// Remove deletes the given symbols.  Either every symbol is removed or none
// is: unknown names fail with SymbolsNotFoundError and names currently being
// materialized fail with SymbolsCouldNotBeRemovedError.
func (jd *JITDylib) Remove(names SymbolNameSet) error {
	var err error
	jd.es.runSession(func() {
		err = jd.removeLocked(names)
	})

	return err
}

// LookupFlags returns the flags of every name the dylib defines, consulting
// the generator for the rest.  No materialization is triggered.
func (jd *JITDylib) LookupFlags(names SymbolNameSet) (SymbolFlagsMap, error) {
	var (
		result SymbolFlagsMap
		err    error
	)

	jd.es.runSession(func() {
		result = jd.lookupFlagsLocked(names)
		if jd.generator == nil || len(result) == len(names) {
			return
		}

		unresolved := make(SymbolNameSet)
		for name := range names {
			if _, ok := result[name]; !ok {
				unresolved.Add(name)
			}
		}

		var mu MaterializationUnit
		if mu, err = jd.generator(jd, unresolved); err != nil || mu == nil {
			return
		}

		if err = jd.defineLocked(mu); err != nil {
			return
		}

		for name, flags := range jd.lookupFlagsLocked(unresolved) {
			result[name] = flags
		}
	})

	return result, err
}

// SetGenerator installs a definition generator, replacing any previous one.
// A nil generator disables generation.
func (jd *JITDylib) SetGenerator(gen DefinitionGenerator) {
	jd.es.runSession(func() {
		jd.generator = gen
	})
}

// SetSearchOrder replaces the dylib's search order.  If searchThisFirst is set
// and the order does not already start with this dylib, the dylib is
// prepended, matching non-exported symbols.
func (jd *JITDylib) SetSearchOrder(order JITDylibSearchList, searchThisFirst bool) {
	newOrder := make(JITDylibSearchList, 0, len(order)+1)
	if searchThisFirst && (len(order) == 0 || order[0].Dylib != jd) {
		newOrder = append(newOrder, SearchOrderEntry{Dylib: jd, MatchNonExported: true})
	}
	newOrder = append(newOrder, order...)

	jd.es.runSession(func() {
		jd.searchOrder = newOrder
	})
}

// AddToSearchOrder appends other to the search order
func (jd *JITDylib) AddToSearchOrder(other *JITDylib, matchNonExported bool) {
	jd.es.runSession(func() {
		jd.searchOrder = append(jd.searchOrder, SearchOrderEntry{Dylib: other, MatchNonExported: matchNonExported})
	})
}

// ReplaceInSearchOrder swaps oldJD for newJD wherever it occurs
func (jd *JITDylib) ReplaceInSearchOrder(oldJD, newJD *JITDylib, matchNonExported bool) {
	jd.es.runSession(func() {
		for i, entry := range jd.searchOrder {
			if entry.Dylib == oldJD {
				jd.searchOrder[i] = SearchOrderEntry{Dylib: newJD, MatchNonExported: matchNonExported}
			}
		}
	})
}

// RemoveFromSearchOrder removes every occurrence of other
func (jd *JITDylib) RemoveFromSearchOrder(other *JITDylib) {
	jd.es.runSession(func() {
		kept := jd.searchOrder[:0]
		for _, entry := range jd.searchOrder {
			if entry.Dylib != other {
				kept = append(kept, entry)
			}
		}

		jd.searchOrder = kept
	})
}

// SearchOrder returns a copy of the search order
func (jd *JITDylib) SearchOrder() JITDylibSearchList {
	var order JITDylibSearchList
	jd.es.runSession(func() {
		order = append(order, jd.searchOrder...)
	})

	return order
}

// Dump writes a description of the symbol table to w
func (jd *JITDylib) Dump(w io.Writer) {
	jd.es.runSession(func() {
		jd.dumpLocked(w)
	})
}

// -----------------------------------------------------------------------------

func (jd *JITDylib) addEntry(name jitsym.StringPtr, e *symbolTableEntry) {
	if _, ok := jd.symbols[name]; !ok {
		name.Retain()
	}

	jd.symbols[name] = e
}

func (jd *JITDylib) removeEntry(name jitsym.StringPtr) {
	if _, ok := jd.symbols[name]; ok {
		delete(jd.symbols, name)
		name.Release()
	}
}

func (jd *JITDylib) getOrCreateMI(name jitsym.StringPtr) *materializingInfo {
	mi, ok := jd.materializingInfos[name]
	if !ok {
		mi = newMaterializingInfo()
		jd.materializingInfos[name] = mi
	}

	return mi
}

func (jd *JITDylib) defineLocked(mu MaterializationUnit) error {
	var overridden, discarded []jitsym.StringPtr

	// check every symbol before touching the table so a duplicate leaves the
	// dylib unchanged
	for name, flags := range mu.SymbolFlags() {
		e, ok := jd.symbols[name]
		if !ok {
			continue
		}

		if flags.IsWeak() {
			discarded = append(discarded, name)
		} else if e.flags.IsStrongDefinition() || e.flags.HasError() || e.state > NeverSearched {
			return &DuplicateDefinitionError{Name: name.String()}
		} else {
			overridden = append(overridden, name)
		}
	}

	for _, name := range discarded {
		discardFromUnit(jd, mu, name)
	}

	for _, name := range overridden {
		if umi, ok := jd.unmaterializedInfos[name]; ok {
			discardFromUnit(jd, umi.mu, name)
			delete(jd.unmaterializedInfos, name)
		}
	}

	umi := &unmaterializedInfo{mu: mu}
	for name, flags := range mu.SymbolFlags() {
		jd.addEntry(name, &symbolTableEntry{
			flags:                flags,
			state:                NeverSearched,
			materializerAttached: true,
		})
		jd.unmaterializedInfos[name] = umi
	}

	return nil
}

func (jd *JITDylib) defineMaterializingLocked(flags SymbolFlagsMap) error {
	for name := range flags {
		if _, ok := jd.symbols[name]; ok {
			return &DuplicateDefinitionError{Name: name.String()}
		}
	}

	for name, f := range flags {
		jd.addEntry(name, &symbolTableEntry{flags: f, state: Materializing})
	}

	return nil
}

// replaceLocked hands symbols that are materializing back to an unmaterialized
// unit.  If any of them is already wanted the unit is dispatched at once.
func (jd *JITDylib) replaceLocked(mu MaterializationUnit) {
	flags := mu.SymbolFlags()
	for name := range flags {
		e, ok := jd.symbols[name]
		if !ok {
			contractViolation("replacing unknown symbol `%s` in %s", name, jd.name)
		}

		if e.materializerAttached || e.state != Materializing {
			contractViolation("replacing `%s` which is %s, not materializing", name, e.state)
		}
	}

	for name := range flags {
		if mi, ok := jd.materializingInfos[name]; ok && mi.hasQueriesPending() {
			jd.es.fx.dispatch = append(jd.es.fx.dispatch, pendingUnit{jd: jd, mu: mu})
			return
		}
	}

	umi := &unmaterializedInfo{mu: mu}
	for name := range flags {
		e := jd.symbols[name]
		e.state = NeverSearched
		e.materializerAttached = true
		jd.unmaterializedInfos[name] = umi

		if mi, ok := jd.materializingInfos[name]; ok && mi.dependants.empty() && mi.unemittedDependencies.empty() {
			delete(jd.materializingInfos, name)
		}
	}
}

func (jd *JITDylib) removeLocked(names SymbolNameSet) error {
	var missing, materializing []string
	for name := range names {
		e, ok := jd.symbols[name]
		if !ok {
			missing = append(missing, name.String())
			continue
		}

		if _, hasMI := jd.materializingInfos[name]; hasMI || e.isInMaterializationPhase() {
			materializing = append(materializing, name.String())
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return &SymbolsNotFoundError{Symbols: missing}
	}

	if len(materializing) > 0 {
		sort.Strings(materializing)
		return &SymbolsCouldNotBeRemovedError{Symbols: materializing}
	}

	for name := range names {
		if jd.symbols[name].materializerAttached {
			umi := jd.unmaterializedInfos[name]
			discardFromUnit(jd, umi.mu, name)
			delete(jd.unmaterializedInfos, name)
		}

		jd.removeEntry(name)
	}

	return nil
}

func (jd *JITDylib) lookupFlagsLocked(names SymbolNameSet) SymbolFlagsMap {
	result := make(SymbolFlagsMap)
	for name := range names {
		if e, ok := jd.symbols[name]; ok {
			result[name] = e.flags
		}
	}

	return result
}

// lookupState carries one lookup across the dylibs of its search order
type lookupState struct {
	q *AsynchronousSymbolQuery

	// unresolved shrinks as dylibs match names
	unresolved SymbolNameSet

	// failed collects matched symbols that are in the error state
	failed SymbolDependenceMap

	// collected holds the units detached by this lookup.  They are dispatched
	// if the lookup succeeds and reattached if it fails.
	collected []pendingUnit

	// deps is every matched symbol that was not yet ready
	deps SymbolDependenceMap
}

func (jd *JITDylib) lodgeQueryLocked(ls *lookupState, matchNonExported bool) error {
	jd.lodgeQueryImplLocked(ls, matchNonExported)

	if jd.generator == nil || len(ls.unresolved) == 0 {
		return nil
	}

	mu, err := jd.generator(jd, ls.unresolved.Clone())
	if err != nil {
		return err
	}

	if mu != nil {
		if err := jd.defineLocked(mu); err != nil {
			return err
		}

		jd.lodgeQueryImplLocked(ls, matchNonExported)
	}

	return nil
}

func (jd *JITDylib) lodgeQueryImplLocked(ls *lookupState, matchNonExported bool) {
	q := ls.q
	for name := range ls.unresolved {
		e, ok := jd.symbols[name]
		if !ok || (!e.flags.IsExported() && !matchNonExported) {
			continue
		}

		delete(ls.unresolved, name)

		if e.flags.HasError() {
			ls.failed.Add(jd, name)
			continue
		}

		if e.state < Ready {
			ls.deps.Add(jd, name)
		}

		if e.state >= q.requiredState {
			q.notifySymbolMetRequiredState(name, e.symbol())
			continue
		}

		if e.materializerAttached {
			umi := jd.unmaterializedInfos[name]
			for uname := range umi.mu.SymbolFlags() {
				ue := jd.symbols[uname]
				ue.materializerAttached = false
				ue.state = Materializing
				delete(jd.unmaterializedInfos, uname)
			}

			ls.collected = append(ls.collected, pendingUnit{jd: jd, mu: umi.mu})
		}

		jd.getOrCreateMI(name).addQuery(q)
		q.addQueryDependence(jd, name)
	}
}

func (jd *JITDylib) dumpLocked(w io.Writer) {
	fmt.Fprintf(w, "JITDylib \"%s\" (ES: %s):\n", jd.name, jd.es.ID())

	fmt.Fprint(w, "Search order: [")
	for i, entry := range jd.searchOrder {
		if i > 0 {
			fmt.Fprint(w, ", ")
		}

		fmt.Fprintf(w, "(\"%s\", %t)", entry.Dylib.name, entry.MatchNonExported)
	}
	fmt.Fprintln(w, "]")

	names := make([]jitsym.StringPtr, 0, len(jd.symbols))
	for name := range jd.symbols {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return names[i].String() < names[j].String()
	})

	fmt.Fprintln(w, "Symbol table:")
	for _, name := range names {
		e := jd.symbols[name]
		fmt.Fprintf(w, "  \"%s\": %s %s %s", name, e.address, e.flags, e.state)
		if e.materializerAttached {
			fmt.Fprintf(w, " (materializer %s)", jd.unmaterializedInfos[name].mu.Name())
		}
		fmt.Fprintln(w)

		if mi, ok := jd.materializingInfos[name]; ok {
			pending := 0
			if mi.pendingQueries != nil {
				pending = mi.pendingQueries.Len()
			}

			fmt.Fprintf(w, "    %d pending queries, %d dependants, %d unemitted dependencies\n",
				pending, jd.es.countEdges(mi.dependants), jd.es.countEdges(mi.unemittedDependencies))
		}
	}
}
