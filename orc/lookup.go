package orc

import (
	"context"
	"orcjit/jitsym"
	"orcjit/logging"
)

// Lookup searches order for names and calls onComplete once every name has
// reached required, or with an error if any name cannot be found or fails to
// materialize.  Units defining the names are dispatched as needed.  The
// callback may run before Lookup returns.
//
// If registerDeps is not nil it is called, with the session lock held, with
// every matched symbol that is not yet ready.
func (es *ExecutionSession) Lookup(order JITDylibSearchList, names SymbolNameSet, required SymbolState,
	onComplete SymbolsResolvedCallback, registerDeps RegisterDependenciesFunction) *AsynchronousSymbolQuery {
	es.runOutstandingMUs()

	q := newAsynchronousSymbolQuery(es.querySeq.Add(1), names, required, onComplete)
	ls := &lookupState{
		q:          q,
		unresolved: names.Clone(),
		failed:     make(SymbolDependenceMap),
		deps:       make(SymbolDependenceMap),
	}

	es.runSession(func() {
		var err error
		for _, entry := range order {
			if err = entry.Dylib.lodgeQueryLocked(ls, entry.MatchNonExported); err != nil {
				break
			}
		}

		if err == nil && len(ls.failed) > 0 {
			err = &FailedToMaterializeError{Symbols: ls.failed.Strings()}
		}

		if err == nil && len(ls.unresolved) > 0 {
			err = &SymbolsNotFoundError{Symbols: ls.unresolved.Strings()}
		}

		if err != nil {
			es.failQueryLocked(q, err)
			for _, pu := range ls.collected {
				pu.jd.replaceLocked(pu.mu)
			}

			return
		}

		if registerDeps != nil && len(ls.deps) > 0 {
			registerDeps(ls.deps)
		}

		if q.isComplete() {
			es.completeQueryLocked(q)
		}

		es.fx.dispatch = append(es.fx.dispatch, ls.collected...)
	})

	es.runOutstandingMUs()
	return q
}

// CancelLookup fails q with err unless it has already completed.  It returns
// whether the query was cancelled.
func (es *ExecutionSession) CancelLookup(q *AsynchronousSymbolQuery, err error) bool {
	cancelled := false
	es.runSession(func() {
		if !q.scheduled {
			es.failQueryLocked(q, err)
			cancelled = true
		}
	})

	return cancelled
}

// LookupSync is Lookup for callers that can block
func (es *ExecutionSession) LookupSync(order JITDylibSearchList, names SymbolNameSet, required SymbolState) (SymbolMap, error) {
	return es.LookupContext(context.Background(), order, names, required, nil)
}

// LookupContext blocks until the lookup completes or ctx is done.  On expiry
// the query is detached and the context's error is returned; materializers
// already started keep running.
func (es *ExecutionSession) LookupContext(ctx context.Context, order JITDylibSearchList, names SymbolNameSet,
	required SymbolState, registerDeps RegisterDependenciesFunction) (SymbolMap, error) {
	type lookupResult struct {
		syms SymbolMap
		err  error
	}

	done := make(chan lookupResult, 1)
	q := es.Lookup(order, names, required, func(syms SymbolMap, err error) {
		done <- lookupResult{syms, err}
	}, registerDeps)

	select {
	case res := <-done:
		return res.syms, res.err
	case <-ctx.Done():
		if es.CancelLookup(q, ctx.Err()) {
			logging.LogDebug("orc", "lookup of %v abandoned: %s", names.Strings(), ctx.Err())
		}

		// exactly one of completion or cancellation is delivered
		res := <-done
		return res.syms, res.err
	}
}

// LookupSymbol looks up a single name and waits for it to be ready
func (es *ExecutionSession) LookupSymbol(order JITDylibSearchList, name string) (jitsym.EvaluatedSymbol, error) {
	interned := es.Intern(name)
	defer interned.Release()

	syms, err := es.LookupSync(order, NewSymbolNameSet(interned), Ready)
	if err != nil {
		return jitsym.EvaluatedSymbol{}, err
	}

	return syms[interned], nil
}
