package orc

import (
	"orcjit/jitsym"
	"sync"
)

// AsynchronousSymbolQuery is a pending lookup: a set of names that must all
// reach the query's required state before its callback fires.  All state other
// than the callback is guarded by the session lock.
type AsynchronousSymbolQuery struct {
	// requiredState is the minimum state each symbol must reach
	requiredState SymbolState

	// seq orders queries registered on the same symbol so that notification
	// happens in registration order
	seq uint64

	// pending is the set of names not yet satisfied
	pending SymbolNameSet

	// resolvedSymbols accumulates the satisfied names
	resolvedSymbols SymbolMap

	// registrations records every (dylib, name) this query is waiting on so
	// that it can be removed from all of them at once
	registrations SymbolDependenceMap

	// detached is set once the query has been removed from every dylib.  A
	// detached query is never considered complete.
	detached bool

	// scheduled is set once the query has been handed to the session for
	// completion or failure; it is never handed over twice
	scheduled bool

	// cbMu guards onComplete which is cleared when it is taken so that the
	// callback fires at most once
	cbMu       sync.Mutex
	onComplete SymbolsResolvedCallback
}

func newAsynchronousSymbolQuery(seq uint64, names SymbolNameSet, required SymbolState, onComplete SymbolsResolvedCallback) *AsynchronousSymbolQuery {
	if required < Resolved {
		contractViolation("query state must be Resolved or Ready, got %s", required)
	}

	return &AsynchronousSymbolQuery{
		requiredState:   required,
		seq:             seq,
		pending:         names.Clone(),
		resolvedSymbols: make(SymbolMap, len(names)),
		registrations:   make(SymbolDependenceMap),
		onComplete:      onComplete,
	}
}

// RequiredState returns the state every symbol of the query must reach
func (q *AsynchronousSymbolQuery) RequiredState() SymbolState {
	return q.requiredState
}

// notifySymbolMetRequiredState records the value of a satisfied name and
// returns whether the query is now complete
func (q *AsynchronousSymbolQuery) notifySymbolMetRequiredState(name jitsym.StringPtr, sym jitsym.EvaluatedSymbol) bool {
	if !q.pending.Contains(name) {
		if _, ok := q.resolvedSymbols[name]; ok {
			contractViolation("symbol `%s` satisfied the same query twice", name)
		}

		contractViolation("symbol `%s` is not part of the query", name)
	}

	delete(q.pending, name)
	q.resolvedSymbols[name] = sym
	return q.isComplete()
}

func (q *AsynchronousSymbolQuery) isComplete() bool {
	return !q.detached && len(q.pending) == 0
}

func (q *AsynchronousSymbolQuery) addQueryDependence(jd *JITDylib, name jitsym.StringPtr) {
	q.registrations.Add(jd, name)
}

func (q *AsynchronousSymbolQuery) removeQueryDependence(jd *JITDylib, name jitsym.StringPtr) {
	set, ok := q.registrations[jd]
	if !ok || !set.Contains(name) {
		contractViolation("query is not registered on `%s` in %s", name, jd.Name())
	}

	delete(set, name)
	if len(set) == 0 {
		delete(q.registrations, jd)
	}
}

// detach removes the query from every symbol it is registered on and drops
// its accumulated state.  Calling it again has no effect.
func (q *AsynchronousSymbolQuery) detach() {
	if q.detached {
		return
	}

	q.detached = true
	for jd, names := range q.registrations {
		for name := range names {
			if mi, ok := jd.materializingInfos[name]; ok {
				mi.removeQuery(q)
			}
		}
	}

	q.registrations = nil
	q.resolvedSymbols = nil
	q.pending = nil
}

// canStillFail returns whether the callback has not fired yet
func (q *AsynchronousSymbolQuery) canStillFail() bool {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()

	return q.onComplete != nil
}

func (q *AsynchronousSymbolQuery) takeCallback() SymbolsResolvedCallback {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()

	cb := q.onComplete
	q.onComplete = nil
	return cb
}

// handleComplete delivers the resolved symbols.  It is called without the
// session lock, after the query has left every symbol's pending list.
func (q *AsynchronousSymbolQuery) handleComplete() {
	if cb := q.takeCallback(); cb != nil {
		syms := q.resolvedSymbols
		q.resolvedSymbols = nil
		cb(syms, nil)
	}
}

// handleFailed delivers err if the callback has not fired yet
func (q *AsynchronousSymbolQuery) handleFailed(err error) {
	if cb := q.takeCallback(); cb != nil {
		cb(nil, err)
	}
}
