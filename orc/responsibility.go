package orc

import (
	"fmt"
	"orcjit/jitsym"
)

// MaterializationResponsibility is handed to a unit when it is dispatched.  It
// carries the obligation to resolve and emit, or fail, each of its symbols.
// Obligations can be split off with Delegate or returned with Replace.  The
// session tracks every responsibility that still owns symbols: one that is
// dropped without being discharged is reported by EndSession.
type MaterializationResponsibility struct {
	jd *JITDylib

	// symbolFlags are the symbols still owed, guarded by the session lock
	symbolFlags SymbolFlagsMap
}

func (es *ExecutionSession) newResponsibilityLocked(jd *JITDylib, flags SymbolFlagsMap) *MaterializationResponsibility {
	r := &MaterializationResponsibility{jd: jd, symbolFlags: flags}
	if len(flags) > 0 {
		es.liveResponsibilities[r] = struct{}{}
	}

	return r
}

// discharge removes names from the responsibility and stops tracking it once
// it owns nothing
func (r *MaterializationResponsibility) dischargeLocked(names SymbolNameSet) {
	for name := range names {
		delete(r.symbolFlags, name)
	}

	if len(r.symbolFlags) == 0 {
		delete(r.jd.es.liveResponsibilities, r)
	}
}

// TargetJITDylib returns the dylib the symbols are defined in
func (r *MaterializationResponsibility) TargetJITDylib() *JITDylib {
	return r.jd
}

// ExecutionSession returns the session of the target dylib
func (r *MaterializationResponsibility) ExecutionSession() *ExecutionSession {
	return r.jd.es
}

// SymbolFlags returns a copy of the symbols still owed
func (r *MaterializationResponsibility) SymbolFlags() SymbolFlagsMap {
	var flags SymbolFlagsMap
	r.jd.es.runSession(func() {
		flags = r.symbolFlags.Clone()
	})

	return flags
}

// RequestedSymbols returns the owed symbols that some query is waiting on
func (r *MaterializationResponsibility) RequestedSymbols() SymbolNameSet {
	requested := make(SymbolNameSet)
	r.jd.es.runSession(func() {
		for name := range r.symbolFlags {
			if mi, ok := r.jd.materializingInfos[name]; ok && mi.hasQueriesPending() {
				requested.Add(name)
			}
		}
	})

	return requested
}

// NotifyResolved sets the addresses of owed symbols.  Each symbol must keep the
// flags it was defined with, except that a weak definition resolves to a
// strong one.
func (r *MaterializationResponsibility) NotifyResolved(symbols SymbolMap) {
	r.jd.es.runSession(func() {
		for name, sym := range symbols {
			flags, ok := r.symbolFlags[name]
			if !ok {
				contractViolation("resolving `%s` which is not owned by this responsibility", name)
			}

			if sym.Flags.Without(jitsym.FlagWeak) != flags.Without(jitsym.FlagWeak) ||
				(sym.Flags.IsWeak() && !flags.IsWeak()) {
				contractViolation("resolving `%s` with flags %s, defined with %s", name, sym.Flags, flags)
			}
		}

		r.jd.resolveLocked(symbols)
	})
}

// NotifyEmitted marks every owed symbol as emitted and discharges the
// responsibility
func (r *MaterializationResponsibility) NotifyEmitted() {
	r.jd.es.runSession(func() {
		r.jd.emitLocked(r.symbolFlags)
		r.dischargeLocked(r.symbolFlags.Names())
	})
}

// FailMaterialization fails every owed symbol, and through them every query
// and dependant waiting on them, and discharges the responsibility
func (r *MaterializationResponsibility) FailMaterialization() {
	r.jd.es.runSession(func() {
		if len(r.symbolFlags) == 0 {
			return
		}

		names := r.symbolFlags.Names()
		r.jd.notifyFailedLocked(names)
		r.dischargeLocked(names)
	})
}

// DefineMaterializing adds new symbols to the target dylib in the
// materializing state and makes this responsibility own them
func (r *MaterializationResponsibility) DefineMaterializing(flags SymbolFlagsMap) error {
	var err error
	r.jd.es.runSession(func() {
		if err = r.jd.defineMaterializingLocked(flags); err != nil {
			return
		}

		for name, f := range flags {
			r.symbolFlags[name] = f
		}
		r.jd.es.liveResponsibilities[r] = struct{}{}
	})

	return err
}

// Replace gives the symbols of mu back to an unmaterialized unit.  They are no
// longer owed by this responsibility.
func (r *MaterializationResponsibility) Replace(mu MaterializationUnit) {
	r.jd.es.runSession(func() {
		names := mu.SymbolFlags().Names()
		for name := range names {
			if _, ok := r.symbolFlags[name]; !ok {
				contractViolation("replacing `%s` which is not owned by this responsibility", name)
			}
		}

		r.jd.replaceLocked(mu)
		r.dischargeLocked(names)
	})
}

// Delegate moves the given symbols to a new responsibility
func (r *MaterializationResponsibility) Delegate(names SymbolNameSet) *MaterializationResponsibility {
	var delegated *MaterializationResponsibility
	r.jd.es.runSession(func() {
		flags := make(SymbolFlagsMap, len(names))
		for name := range names {
			f, ok := r.symbolFlags[name]
			if !ok {
				contractViolation("delegating `%s` which is not owned by this responsibility", name)
			}

			flags[name] = f
		}

		r.dischargeLocked(names)
		delegated = r.jd.es.newResponsibilityLocked(r.jd, flags)
	})

	return delegated
}

// AddDependencies records that name cannot become ready before the symbols of
// deps have been emitted
func (r *MaterializationResponsibility) AddDependencies(name jitsym.StringPtr, deps SymbolDependenceMap) {
	r.jd.es.runSession(func() {
		r.addDependenciesLocked(name, deps)
	})
}

// AddDependenciesForAll adds deps to every owed symbol
func (r *MaterializationResponsibility) AddDependenciesForAll(deps SymbolDependenceMap) {
	r.jd.es.runSession(func() {
		r.addDependenciesForAllLocked(deps)
	})
}

// DependencyRegistrar returns a RegisterDependenciesFunction that adds the
// dependencies found by a lookup to every owed symbol.  It is meant to be
// passed to Lookup, which calls it with the session lock held.
func (r *MaterializationResponsibility) DependencyRegistrar() RegisterDependenciesFunction {
	return r.addDependenciesForAllLocked
}

func (r *MaterializationResponsibility) addDependenciesLocked(name jitsym.StringPtr, deps SymbolDependenceMap) {
	if _, ok := r.symbolFlags[name]; !ok {
		contractViolation("adding dependencies to `%s` which is not owned by this responsibility", name)
	}

	r.jd.addDependenciesLocked(name, deps)
}

func (r *MaterializationResponsibility) addDependenciesForAllLocked(deps SymbolDependenceMap) {
	for name := range r.symbolFlags {
		r.jd.addDependenciesLocked(name, deps)
	}
}

// String describes the responsibility.  It takes the session lock and so must
// not be called while it is held.
func (r *MaterializationResponsibility) String() string {
	names := r.SymbolFlags().Names().Strings()
	return fmt.Sprintf("MaterializationResponsibility(%s, %v)", r.jd.name, names)
}
