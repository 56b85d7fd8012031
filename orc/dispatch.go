package orc

import (
	"fmt"
	"orcjit/logging"

	"golang.org/x/sync/errgroup"
)

// DispatchMaterializationFunction runs a unit's materializer.  It may run it
// in place or hand it to another goroutine; either way the unit must end up
// discharging r.
type DispatchMaterializationFunction func(jd *JITDylib, mu MaterializationUnit, r *MaterializationResponsibility)

// InPlaceDispatch materializes on the calling goroutine
func InPlaceDispatch(jd *JITDylib, mu MaterializationUnit, r *MaterializationResponsibility) {
	mu.Materialize(r)
}

// ConcurrentDispatcher materializes each unit on its own goroutine
type ConcurrentDispatcher struct {
	g errgroup.Group
}

// Dispatch is a DispatchMaterializationFunction.  A materializer that panics
// has its symbols failed and the panic is returned from Wait.
func (cd *ConcurrentDispatcher) Dispatch(jd *JITDylib, mu MaterializationUnit, r *MaterializationResponsibility) {
	cd.g.Go(func() (err error) {
		defer func() {
			if x := recover(); x != nil {
				err = fmt.Errorf("materializer %s panicked: %v", mu.Name(), x)
				r.FailMaterialization()
			}
		}()

		mu.Materialize(r)
		return nil
	})
}

// Wait blocks until every dispatched materializer has returned
func (cd *ConcurrentDispatcher) Wait() error {
	return cd.g.Wait()
}

// SetDispatchMaterialization replaces the dispatch function
func (es *ExecutionSession) SetDispatchMaterialization(dispatch DispatchMaterializationFunction) {
	es.outstandingMu.Lock()
	defer es.outstandingMu.Unlock()

	es.dispatch = dispatch
}

// runOutstandingMUs dispatches queued units in FIFO order until the queue is
// empty.  Units queued by a materializer running in place are picked up by
// the same loop.
func (es *ExecutionSession) runOutstandingMUs() {
	for {
		es.outstandingMu.Lock()
		if len(es.outstanding) == 0 {
			es.outstandingMu.Unlock()
			return
		}

		pu := es.outstanding[0]
		es.outstanding = es.outstanding[1:]
		dispatch := es.dispatch
		es.outstandingMu.Unlock()

		var r *MaterializationResponsibility
		es.runSessionLocked(func() {
			r = es.newResponsibilityLocked(pu.jd, pu.mu.SymbolFlags().Clone())
		})

		logging.LogDebug("orc", "materializing %s in %s", pu.mu.Name(), pu.jd.name)
		dispatch(pu.jd, pu.mu, r)
	}
}
