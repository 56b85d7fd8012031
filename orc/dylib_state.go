package orc

import (
	"orcjit/jitsym"
)

// resolveLocked records the addresses of materializing symbols and notifies
// the queries waiting for Resolved.  Names that failed in the meantime are
// skipped.
func (jd *JITDylib) resolveLocked(resolved SymbolMap) {
	for name, sym := range resolved {
		e, ok := jd.symbols[name]
		if !ok || e.flags.HasError() {
			continue
		}

		if e.materializerAttached || e.state != Materializing {
			contractViolation("resolving `%s` in %s which is %s", name, jd.name, e.state)
		}

		e.address = sym.Address
		e.flags = sym.Flags.Without(jitsym.FlagWeak)
		e.state = Resolved

		if mi, ok := jd.materializingInfos[name]; ok {
			jd.notifyQueriesLocked(mi, name, e, Resolved)
		}
	}
}

// notifyQueriesLocked hands the current value of name to every query of mi
// satisfied by state
func (jd *JITDylib) notifyQueriesLocked(mi *materializingInfo, name jitsym.StringPtr, e *symbolTableEntry, state SymbolState) {
	for _, q := range mi.takeQueriesMeeting(state) {
		q.removeQueryDependence(jd, name)
		if q.notifySymbolMetRequiredState(name, e.symbol()) {
			jd.es.completeQueryLocked(q)
		}
	}
}

// emitLocked marks symbols as emitted.  Each emitted symbol hands its own
// unemitted dependencies to its dependants, so that a dependant becomes ready
// exactly when everything it transitively depends on has been emitted.
func (jd *JITDylib) emitLocked(emitted SymbolFlagsMap) {
	es := jd.es
	for name := range emitted {
		e, ok := jd.symbols[name]
		if !ok {
			continue
		}

		if e.flags.HasError() {
			// a dependency failed while this symbol was materializing
			jd.removeEntry(name)
			continue
		}

		if e.state != Resolved {
			contractViolation("emitting `%s` in %s which is %s, not resolved", name, jd.name, e.state)
		}

		mi := jd.getOrCreateMI(name)
		if mi.emitted {
			contractViolation("emitting `%s` in %s twice", name, jd.name)
		}

		for depID, depNames := range mi.dependants {
			depJD := es.dylibs[depID]
			for depName := range depNames {
				dmi, ok := depJD.materializingInfos[depName]
				if !ok {
					contractViolation("dependant `%s` of `%s` has no materializing info", depName, name)
				}

				dmi.unemittedDependencies.remove(jd.id, name)
				depJD.transferEmittedNodeDependencies(dmi, depName, mi)

				if dmi.emitted && dmi.unemittedDependencies.empty() {
					depJD.setReadyLocked(depName, depJD.symbols[depName], dmi)
				}
			}
		}

		mi.dependants = make(depEdges)
		mi.emitted = true

		if mi.unemittedDependencies.empty() {
			jd.setReadyLocked(name, e, mi)
		}
	}
}

// transferEmittedNodeDependencies makes the dependant (jd, name) wait on
// whatever the emitted node emittedMI is still waiting on
func (jd *JITDylib) transferEmittedNodeDependencies(mi *materializingInfo, name jitsym.StringPtr, emittedMI *materializingInfo) {
	es := jd.es
	for depID, depNames := range emittedMI.unemittedDependencies {
		depJD := es.dylibs[depID]
		for depName := range depNames {
			if depJD == jd && depName == name {
				continue
			}

			depJD.getOrCreateMI(depName).dependants.add(jd.id, name)
			mi.unemittedDependencies.add(depID, depName)
		}
	}
}

func (jd *JITDylib) setReadyLocked(name jitsym.StringPtr, e *symbolTableEntry, mi *materializingInfo) {
	if !mi.dependants.empty() {
		contractViolation("`%s` in %s became ready with dependants still attached", name, jd.name)
	}

	e.state = Ready
	jd.notifyQueriesLocked(mi, name, e, Ready)
	delete(jd.materializingInfos, name)
}

// addDependenciesLocked records that (jd, name) cannot become ready until every
// symbol of deps has been emitted
func (jd *JITDylib) addDependenciesLocked(name jitsym.StringPtr, deps SymbolDependenceMap) {
	e, ok := jd.symbols[name]
	if !ok || e.flags.HasError() {
		return
	}

	if !e.isInMaterializationPhase() {
		contractViolation("adding dependencies to `%s` in %s which is %s", name, jd.name, e.state)
	}

	mi := jd.getOrCreateMI(name)
	if mi.emitted {
		contractViolation("adding dependencies to `%s` in %s after it was emitted", name, jd.name)
	}

	failed := false
	for otherJD, otherNames := range deps {
		for otherName := range otherNames {
			oe, ok := otherJD.symbols[otherName]
			if !ok || oe.flags.HasError() {
				failed = true
				continue
			}

			if oe.state == Ready || (otherJD == jd && otherName == name) {
				continue
			}

			if oe.state < Materializing {
				contractViolation("`%s` depends on `%s` which has not been searched", name, otherName)
			}

			omi := otherJD.getOrCreateMI(otherName)
			if omi.emitted {
				jd.transferEmittedNodeDependencies(mi, name, omi)
				continue
			}

			omi.dependants.add(jd.id, name)
			mi.unemittedDependencies.add(otherJD.id, otherName)
		}
	}

	if failed {
		jd.es.failSymbolsLocked([]symbolRef{{jd: jd, name: name}}, false)
	}
}

// notifyFailedLocked fails symbols whose responsibility was given up
func (jd *JITDylib) notifyFailedLocked(names SymbolNameSet) {
	refs := make([]symbolRef, 0, len(names))
	for name := range names {
		refs = append(refs, symbolRef{jd: jd, name: name})
	}

	jd.es.failSymbolsLocked(refs, true)
}
