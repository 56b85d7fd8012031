package orc

import (
	"orcjit/jitsym"

	"github.com/google/btree"
)

// pendingQuery is a query registered on a materializing symbol.  Queries are
// ordered by required state and then by registration so that every query
// satisfied by a state transition can be taken with a single range scan.
type pendingQuery struct {
	state SymbolState
	seq   uint64
	q     *AsynchronousSymbolQuery
}

func pendingQueryLess(a, b pendingQuery) bool {
	if a.state != b.state {
		return a.state < b.state
	}

	return a.seq < b.seq
}

// materializingInfo is the bookkeeping attached to a symbol between the moment
// it is first looked up and the moment it becomes ready
type materializingInfo struct {
	// dependants are the symbols that cannot become ready until this one is
	// emitted
	dependants depEdges

	// unemittedDependencies are the symbols this one is waiting on
	unemittedDependencies depEdges

	// emitted is set once the symbol's responsibility has been discharged.
	// An emitted symbol is ready as soon as unemittedDependencies empties.
	emitted bool

	pendingQueries *btree.BTreeG[pendingQuery]
}

func newMaterializingInfo() *materializingInfo {
	return &materializingInfo{
		dependants:            make(depEdges),
		unemittedDependencies: make(depEdges),
	}
}

func (mi *materializingInfo) addQuery(q *AsynchronousSymbolQuery) {
	if mi.pendingQueries == nil {
		mi.pendingQueries = btree.NewG(8, pendingQueryLess)
	}

	mi.pendingQueries.ReplaceOrInsert(pendingQuery{state: q.requiredState, seq: q.seq, q: q})
}

func (mi *materializingInfo) removeQuery(q *AsynchronousSymbolQuery) {
	if mi.pendingQueries != nil {
		mi.pendingQueries.Delete(pendingQuery{state: q.requiredState, seq: q.seq})
	}
}

// takeQueriesMeeting removes and returns, in registration order within each
// state, every query whose required state is at most state
func (mi *materializingInfo) takeQueriesMeeting(state SymbolState) []*AsynchronousSymbolQuery {
	if mi.pendingQueries == nil {
		return nil
	}

	var taken []pendingQuery
	mi.pendingQueries.AscendLessThan(pendingQuery{state: state + 1}, func(pq pendingQuery) bool {
		taken = append(taken, pq)
		return true
	})

	queries := make([]*AsynchronousSymbolQuery, len(taken))
	for i, pq := range taken {
		mi.pendingQueries.Delete(pq)
		queries[i] = pq.q
	}

	return queries
}

func (mi *materializingInfo) takeAllPendingQueries() []*AsynchronousSymbolQuery {
	return mi.takeQueriesMeeting(Ready)
}

func (mi *materializingInfo) hasQueriesPending() bool {
	return mi.pendingQueries != nil && mi.pendingQueries.Len() > 0
}

// -----------------------------------------------------------------------------

// symbolTableEntry is one row of a JITDylib's symbol table
type symbolTableEntry struct {
	address jitsym.TargetAddress
	flags   jitsym.Flags
	state   SymbolState

	// materializerAttached is set while an unmaterialized unit still holds
	// this symbol's definition
	materializerAttached bool
}

func (ste *symbolTableEntry) isInMaterializationPhase() bool {
	return ste.state == Materializing || ste.state == Resolved
}

func (ste *symbolTableEntry) symbol() jitsym.EvaluatedSymbol {
	return jitsym.EvaluatedSymbol{Address: ste.address, Flags: ste.flags}
}

// unmaterializedInfo holds a unit that has been defined but not yet
// dispatched.  Every symbol of the unit points at the same info.
type unmaterializedInfo struct {
	mu MaterializationUnit
}
