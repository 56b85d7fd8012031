package orc

import (
	"fmt"
	"io"
	"orcjit/common"
	"orcjit/jitsym"
	"orcjit/logging"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// pendingUnit is a materialization unit waiting to be dispatched
type pendingUnit struct {
	jd *JITDylib
	mu MaterializationUnit
}

// failedQuery is a query scheduled to fail with err
type failedQuery struct {
	q   *AsynchronousSymbolQuery
	err error
}

// sessionEffects collects everything a locked section decided to do once the
// lock is released: callbacks must never run under the session lock.
type sessionEffects struct {
	completed []*AsynchronousSymbolQuery
	failed    []failedQuery
	dispatch  []pendingUnit
}

// symbolRef names one symbol of one dylib
type symbolRef struct {
	jd   *JITDylib
	name jitsym.StringPtr
}

// ErrorReporter receives errors that have no caller to return to, such as a
// materializer failing in the background
type ErrorReporter func(error)

// ExecutionSession owns the JITDylibs, the string pool and the session lock
// that serializes every symbol-table mutation.  Materialization units are
// dispatched outside the lock through a FIFO work queue.
type ExecutionSession struct {
	id   uuid.UUID
	pool *jitsym.StringPool

	// m is the session lock
	m sync.Mutex

	// fx collects the effects of the locked section currently running
	fx *sessionEffects

	// dylibs is the dylib arena indexed by DylibID
	dylibs []*JITDylib

	// liveResponsibilities tracks every responsibility still holding symbols
	liveResponsibilities map[*MaterializationResponsibility]struct{}

	// outstandingMu guards the work queue, the dispatch function and the
	// error reporter.  It is never held while the session lock is acquired.
	outstandingMu sync.Mutex
	outstanding   []pendingUnit
	dispatch      DispatchMaterializationFunction

	reportError ErrorReporter

	querySeq atomic.Uint64
}

// SessionOption configures a new session
type SessionOption func(*ExecutionSession)

// WithStringPool makes the session intern into an existing pool
func WithStringPool(pool *jitsym.StringPool) SessionOption {
	return func(es *ExecutionSession) {
		es.pool = pool
	}
}

// WithDispatcher sets the initial dispatch function
func WithDispatcher(dispatch DispatchMaterializationFunction) SessionOption {
	return func(es *ExecutionSession) {
		es.dispatch = dispatch
	}
}

// WithErrorReporter sets the initial error reporter
func WithErrorReporter(reporter ErrorReporter) SessionOption {
	return func(es *ExecutionSession) {
		es.reportError = reporter
	}
}

// NewExecutionSession creates a session with its main dylib
func NewExecutionSession(opts ...SessionOption) *ExecutionSession {
	es := &ExecutionSession{
		id:                   uuid.New(),
		liveResponsibilities: make(map[*MaterializationResponsibility]struct{}),
		dispatch:             InPlaceDispatch,
		reportError: func(err error) {
			logging.LogSessionError("JIT Session", err)
		},
	}

	for _, opt := range opts {
		opt(es)
	}

	if es.pool == nil {
		es.pool = jitsym.NewStringPool()
	}

	es.dylibs = append(es.dylibs, newJITDylib(es, 0, common.MainDylibName))
	logging.LogDebug("orc", "created execution session %s", es.id)
	return es
}

// ID returns the session's unique identifier
func (es *ExecutionSession) ID() string {
	return es.id.String()
}

// StringPool returns the pool the session interns into
func (es *ExecutionSession) StringPool() *jitsym.StringPool {
	return es.pool
}

// Intern interns name in the session's pool
func (es *ExecutionSession) Intern(name string) jitsym.StringPtr {
	return es.pool.Intern(name)
}

// NameSet interns each name and returns the resulting set
func (es *ExecutionSession) NameSet(names ...string) SymbolNameSet {
	set := make(SymbolNameSet, len(names))
	for _, name := range names {
		set.Add(es.pool.Intern(name))
	}

	return set
}

// MainJITDylib returns the dylib created with the session
func (es *ExecutionSession) MainJITDylib() *JITDylib {
	return es.dylibs[0]
}

// CreateJITDylib adds a new empty dylib.  If addToMainSearchOrder is set, the
// main dylib's search order is extended with it.
func (es *ExecutionSession) CreateJITDylib(name string, addToMainSearchOrder bool) *JITDylib {
	var jd *JITDylib
	es.runSession(func() {
		jd = newJITDylib(es, DylibID(len(es.dylibs)), name)
		es.dylibs = append(es.dylibs, jd)

		if addToMainSearchOrder {
			main := es.dylibs[0]
			main.searchOrder = append(main.searchOrder, SearchOrderEntry{Dylib: jd})
		}
	})

	logging.LogDebug("orc", "created dylib %s", name)
	return jd
}

// GetJITDylibByName returns the first dylib with the given name or nil
func (es *ExecutionSession) GetJITDylibByName(name string) *JITDylib {
	var found *JITDylib
	es.runSession(func() {
		for _, jd := range es.dylibs {
			if jd.name == name {
				found = jd
				return
			}
		}
	})

	return found
}

// SetErrorReporter replaces the error reporter
func (es *ExecutionSession) SetErrorReporter(reporter ErrorReporter) {
	es.outstandingMu.Lock()
	defer es.outstandingMu.Unlock()

	es.reportError = reporter
}

// ReportError passes err to the error reporter
func (es *ExecutionSession) ReportError(err error) {
	es.outstandingMu.Lock()
	reporter := es.reportError
	es.outstandingMu.Unlock()

	reporter(err)
}

// Dump writes every dylib of the session to w
func (es *ExecutionSession) Dump(w io.Writer) {
	es.runSession(func() {
		for _, jd := range es.dylibs {
			jd.dumpLocked(w)
		}
	})
}

// EndSession fails every symbol still owned by a live responsibility or by a
// unit waiting in the work queue.  It must only be called once no materializer
// is running.  Responsibilities that were never discharged are reported as an
// UnfulfilledResponsibilityError.
func (es *ExecutionSession) EndSession() error {
	es.outstandingMu.Lock()
	queued := es.outstanding
	es.outstanding = nil
	es.outstandingMu.Unlock()

	leaked := make(SymbolDependenceMap)
	es.runSession(func() {
		for r := range es.liveResponsibilities {
			for name := range r.symbolFlags {
				leaked.Add(r.jd, name)
			}

			r.jd.notifyFailedLocked(r.symbolFlags.Names())
			r.symbolFlags = make(SymbolFlagsMap)
		}
		es.liveResponsibilities = make(map[*MaterializationResponsibility]struct{})

		for _, pu := range queued {
			pu.jd.notifyFailedLocked(pu.mu.SymbolFlags().Names())
		}
	})

	logging.LogDebug("orc", "ended execution session %s", es.id)

	if len(leaked) > 0 {
		return &UnfulfilledResponsibilityError{Symbols: leaked.Strings()}
	}

	return nil
}

// -----------------------------------------------------------------------------

// runSession runs fn with the session lock held and then applies the effects
// fn collected.  fn must not call any method that takes the lock.
func (es *ExecutionSession) runSession(fn func()) {
	es.applyEffects(es.runSessionLocked(fn))
}

func (es *ExecutionSession) runSessionLocked(fn func()) *sessionEffects {
	es.m.Lock()
	defer es.m.Unlock()

	fx := &sessionEffects{}
	prev := es.fx
	es.fx = fx
	defer func() { es.fx = prev }()

	fn()
	return fx
}

func (es *ExecutionSession) applyEffects(fx *sessionEffects) {
	for _, fq := range fx.failed {
		fq.q.handleFailed(fq.err)
	}

	for _, q := range fx.completed {
		q.handleComplete()
	}

	if len(fx.dispatch) > 0 {
		es.outstandingMu.Lock()
		es.outstanding = append(es.outstanding, fx.dispatch...)
		es.outstandingMu.Unlock()

		es.runOutstandingMUs()
	}
}

func (es *ExecutionSession) completeQueryLocked(q *AsynchronousSymbolQuery) {
	if q.scheduled {
		return
	}

	q.scheduled = true
	es.fx.completed = append(es.fx.completed, q)
}

func (es *ExecutionSession) failQueryLocked(q *AsynchronousSymbolQuery, err error) {
	if q.scheduled {
		return
	}

	q.scheduled = true
	q.detach()
	es.fx.failed = append(es.fx.failed, failedQuery{q: q, err: err})
}

// failSymbolsLocked puts symbols in the error state and propagates the failure
// to everything that depends on them.  Symbols in direct are given up by their
// responsibility and are removed outright; the others stay in the table with
// the error flag until their own responsibility finishes with them.
func (es *ExecutionSession) failSymbolsLocked(direct []symbolRef, removeDirect bool) {
	failed := make(SymbolDependenceMap)
	removed := make(map[symbolRef]bool, len(direct))
	if removeDirect {
		for _, ref := range direct {
			removed[ref] = true
		}
	}

	var queries []*AsynchronousSymbolQuery
	visited := make(map[symbolRef]bool)
	worklist := append([]symbolRef(nil), direct...)
	for len(worklist) > 0 {
		ref := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if visited[ref] {
			continue
		}
		visited[ref] = true

		jd, name := ref.jd, ref.name
		e, ok := jd.symbols[name]
		if !ok {
			continue
		}
		failed.Add(jd, name)

		emitted := false
		if mi, ok := jd.materializingInfos[name]; ok {
			queries = append(queries, mi.takeAllPendingQueries()...)

			for depID, depNames := range mi.unemittedDependencies {
				depJD := es.dylibs[depID]
				for depName := range depNames {
					if dmi, ok := depJD.materializingInfos[depName]; ok {
						dmi.dependants.remove(jd.id, name)
					}
				}
			}

			for depID, depNames := range mi.dependants {
				depJD := es.dylibs[depID]
				for depName := range depNames {
					if dmi, ok := depJD.materializingInfos[depName]; ok {
						dmi.unemittedDependencies.remove(jd.id, name)
					}

					worklist = append(worklist, symbolRef{jd: depJD, name: depName})
				}
			}

			emitted = mi.emitted
			delete(jd.materializingInfos, name)
		}

		if removed[ref] || emitted {
			jd.removeEntry(name)
		} else {
			e.flags |= jitsym.FlagHasError
		}
	}

	if len(queries) == 0 {
		return
	}

	err := &FailedToMaterializeError{Symbols: failed.Strings()}
	for _, q := range queries {
		es.failQueryLocked(q, err)
	}
}

func (es *ExecutionSession) countEdges(edges depEdges) int {
	n := 0
	for _, names := range edges {
		n += len(names)
	}

	return n
}

func (es *ExecutionSession) String() string {
	return fmt.Sprintf("ExecutionSession(%s)", es.id)
}
