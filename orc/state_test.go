package orc

import (
	"context"
	"errors"
	"orcjit/jitsym"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualUnit defines names and hands its responsibility to the test instead of
// materializing anything
func manualUnit(jd *JITDylib, slot **MaterializationResponsibility, names ...jitsym.StringPtr) *testUnit {
	flags := make(SymbolFlagsMap, len(names))
	for _, name := range names {
		flags[name] = exported
	}

	return newTestUnit("manual", flags, func(r *MaterializationResponsibility) {
		*slot = r
	})
}

func TestResolvedPrecedesReady(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo := es.Intern("foo")

	var mr *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &mr, foo)))

	var events []string
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Resolved, func(syms SymbolMap, err error) {
		require.NoError(t, err)
		assert.Equal(t, jitsym.TargetAddress(0x1000), syms[foo].Address)
		events = append(events, "resolved")
	}, nil)
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Ready, func(syms SymbolMap, err error) {
		require.NoError(t, err)
		events = append(events, "ready")
	}, nil)

	require.NotNil(t, mr)
	assert.Empty(t, events)
	assert.Equal(t, Materializing, stateOf(jd, foo))

	mr.NotifyResolved(SymbolMap{foo: sym(0x1000)})
	assert.Equal(t, []string{"resolved"}, events)
	assert.Equal(t, Resolved, stateOf(jd, foo))

	mr.NotifyEmitted()
	assert.Equal(t, []string{"resolved", "ready"}, events)
	assert.Equal(t, Ready, stateOf(jd, foo))
}

func TestQueryOnlyCompletesWhenAllSymbolsMeetState(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, bar := es.Intern("foo"), es.Intern("bar")

	var fooMR, barMR *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &fooMR, foo)))
	require.NoError(t, jd.Define(manualUnit(jd, &barMR, bar)))

	calls := 0
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo, bar), Resolved, func(syms SymbolMap, err error) {
		require.NoError(t, err)
		assert.Len(t, syms, 2)
		calls++
	}, nil)

	fooMR.NotifyResolved(SymbolMap{foo: sym(0x1)})
	assert.Equal(t, 0, calls)

	barMR.NotifyResolved(SymbolMap{bar: sym(0x2)})
	assert.Equal(t, 1, calls)

	fooMR.NotifyEmitted()
	barMR.NotifyEmitted()
	assert.Equal(t, 1, calls)
}

func TestDependantWaitsForDependency(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, bar := es.Intern("foo"), es.Intern("bar")

	var fooMR, barMR *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &fooMR, foo)))
	require.NoError(t, jd.Define(manualUnit(jd, &barMR, bar)))

	fooReady := false
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Ready, func(_ SymbolMap, err error) {
		require.NoError(t, err)
		fooReady = true
	}, nil)
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(bar), Resolved, func(SymbolMap, error) {}, nil)

	fooMR.AddDependencies(foo, SymbolDependenceMap{jd: NewSymbolNameSet(bar)})

	fooMR.NotifyResolved(SymbolMap{foo: sym(0x1)})
	fooMR.NotifyEmitted()
	assert.False(t, fooReady)
	assert.Equal(t, Resolved, stateOf(jd, foo))

	barMR.NotifyResolved(SymbolMap{bar: sym(0x2)})
	barMR.NotifyEmitted()
	assert.True(t, fooReady)
	assert.Equal(t, Ready, stateOf(jd, foo))
	assert.Equal(t, Ready, stateOf(jd, bar))
}

func TestDependencyJoinInEitherEmitOrder(t *testing.T) {
	for _, barFirst := range []bool{false, true} {
		es, _ := newTestSession()
		jd := es.MainJITDylib()
		foo, bar := es.Intern("foo"), es.Intern("bar")

		var fooMR, barMR *MaterializationResponsibility
		require.NoError(t, jd.Define(manualUnit(jd, &fooMR, foo)))
		require.NoError(t, jd.Define(manualUnit(jd, &barMR, bar)))

		fooReady := false
		es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo, bar), Ready, func(_ SymbolMap, err error) {
			require.NoError(t, err)
			fooReady = true
		}, nil)
		fooMR.AddDependencies(foo, SymbolDependenceMap{jd: NewSymbolNameSet(bar)})

		emitFoo := func() {
			fooMR.NotifyResolved(SymbolMap{foo: sym(0x1)})
			fooMR.NotifyEmitted()
		}
		emitBar := func() {
			barMR.NotifyResolved(SymbolMap{bar: sym(0x2)})
			barMR.NotifyEmitted()
		}

		first, second := emitFoo, emitBar
		if barFirst {
			first, second = emitBar, emitFoo
		}

		first()
		assert.False(t, fooReady, "barFirst=%t", barFirst)
		second()
		assert.True(t, fooReady, "barFirst=%t", barFirst)
		assert.Equal(t, Ready, stateOf(jd, foo))
		assert.Equal(t, Ready, stateOf(jd, bar))
	}
}

func TestTransitiveDependencyThroughEmittedSymbol(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	a, b, c := es.Intern("a"), es.Intern("b"), es.Intern("c")

	var aMR, bMR, cMR *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &aMR, a)))
	require.NoError(t, jd.Define(manualUnit(jd, &bMR, b)))
	require.NoError(t, jd.Define(manualUnit(jd, &cMR, c)))
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(a, b, c), Resolved, func(SymbolMap, error) {}, nil)

	// b is emitted while still waiting on c, so a inherits the wait on c
	bMR.AddDependencies(b, SymbolDependenceMap{jd: NewSymbolNameSet(c)})
	bMR.NotifyResolved(SymbolMap{b: sym(0xb)})
	bMR.NotifyEmitted()

	aMR.AddDependencies(a, SymbolDependenceMap{jd: NewSymbolNameSet(b)})
	aMR.NotifyResolved(SymbolMap{a: sym(0xa)})
	aMR.NotifyEmitted()

	assert.Equal(t, Resolved, stateOf(jd, a))
	assert.Equal(t, Resolved, stateOf(jd, b))

	cMR.NotifyResolved(SymbolMap{c: sym(0xc)})
	cMR.NotifyEmitted()

	assert.Equal(t, Ready, stateOf(jd, a))
	assert.Equal(t, Ready, stateOf(jd, b))
	assert.Equal(t, Ready, stateOf(jd, c))
}

func TestDependencyCycleBecomesReadyTogether(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, bar := es.Intern("foo"), es.Intern("bar")

	var fooMR, barMR *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &fooMR, foo)))
	require.NoError(t, jd.Define(manualUnit(jd, &barMR, bar)))

	ready := 0
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo, bar), Ready, func(_ SymbolMap, err error) {
		require.NoError(t, err)
		ready++
	}, nil)

	fooMR.AddDependencies(foo, SymbolDependenceMap{jd: NewSymbolNameSet(bar)})
	barMR.AddDependencies(bar, SymbolDependenceMap{jd: NewSymbolNameSet(foo)})

	fooMR.NotifyResolved(SymbolMap{foo: sym(0x1)})
	barMR.NotifyResolved(SymbolMap{bar: sym(0x2)})

	fooMR.NotifyEmitted()
	assert.Equal(t, 0, ready)
	assert.Equal(t, Resolved, stateOf(jd, foo))

	barMR.NotifyEmitted()
	assert.Equal(t, 1, ready)
	assert.Equal(t, Ready, stateOf(jd, foo))
	assert.Equal(t, Ready, stateOf(jd, bar))
}

func TestDependencyOnReadySymbolIsIgnored(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, base := es.Intern("foo"), es.Intern("base")

	require.NoError(t, jd.Define(AbsoluteSymbols(SymbolMap{base: sym(0x10)})))
	_, err := es.LookupSymbol(SearchListFor(jd), "base")
	require.NoError(t, err)

	var mr *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &mr, foo)))
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Ready, func(SymbolMap, error) {}, nil)

	mr.AddDependencies(foo, SymbolDependenceMap{jd: NewSymbolNameSet(base)})
	mr.NotifyResolved(SymbolMap{foo: sym(0x20)})
	mr.NotifyEmitted()
	assert.Equal(t, Ready, stateOf(jd, foo))
}

func TestDependenciesAcrossDylibs(t *testing.T) {
	es, _ := newTestSession()
	main := es.MainJITDylib()
	lib := es.CreateJITDylib("lib", true)
	foo, bar := es.Intern("foo"), es.Intern("bar")

	var fooMR, barMR *MaterializationResponsibility
	require.NoError(t, main.Define(manualUnit(main, &fooMR, foo)))
	require.NoError(t, lib.Define(manualUnit(lib, &barMR, bar)))

	es.Lookup(main.SearchOrder(), NewSymbolNameSet(foo), Resolved, func(SymbolMap, error) {}, nil)

	// foo's materializer looks bar up and registers the dependency
	barResolved := false
	es.Lookup(main.SearchOrder(), NewSymbolNameSet(bar), Resolved, func(_ SymbolMap, err error) {
		require.NoError(t, err)
		barResolved = true
	}, fooMR.DependencyRegistrar())

	barMR.NotifyResolved(SymbolMap{bar: sym(0x2)})
	assert.True(t, barResolved)

	fooMR.NotifyResolved(SymbolMap{foo: sym(0x1)})
	fooMR.NotifyEmitted()
	assert.Equal(t, Resolved, stateOf(main, foo))

	barMR.NotifyEmitted()
	assert.Equal(t, Ready, stateOf(main, foo))
	assert.Equal(t, Ready, stateOf(lib, bar))
}

func TestFailureFailsWaitingQueriesAndDependants(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, bar := es.Intern("foo"), es.Intern("bar")

	var fooMR, barMR *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &fooMR, foo)))
	require.NoError(t, jd.Define(manualUnit(jd, &barMR, bar)))

	var fooErr, barErr error
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Ready, func(_ SymbolMap, err error) {
		fooErr = err
	}, nil)
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(bar), Resolved, func(_ SymbolMap, err error) {
		barErr = err
	}, nil)

	fooMR.AddDependencies(foo, SymbolDependenceMap{jd: NewSymbolNameSet(bar)})
	barMR.FailMaterialization()

	var ftme *FailedToMaterializeError
	require.True(t, errors.As(barErr, &ftme))
	assert.Equal(t, []string{"bar", "foo"}, ftme.Symbols["<main>"])
	require.True(t, errors.As(fooErr, &ftme))

	// foo's materializer finishes after the fact; the symbol is dropped
	fooMR.NotifyResolved(SymbolMap{foo: sym(0x1)})
	fooMR.NotifyEmitted()
	assert.Equal(t, Invalid, stateOf(jd, foo))
	assert.Equal(t, Invalid, stateOf(jd, bar))

	_, err := es.LookupSymbol(SearchListFor(jd), "foo")
	var snfe *SymbolsNotFoundError
	assert.True(t, errors.As(err, &snfe))
}

func TestLookupOfErroredSymbolFails(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, missing := es.Intern("foo"), es.Intern("missing")

	var mr *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &mr, foo)))
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Resolved, func(SymbolMap, error) {}, nil)

	// a dependency on a symbol that does not exist puts foo in the error state
	mr.AddDependencies(foo, SymbolDependenceMap{jd: NewSymbolNameSet(missing)})

	_, err := es.LookupSymbol(SearchListFor(jd), "foo")
	var ftme *FailedToMaterializeError
	require.True(t, errors.As(err, &ftme))

	mr.FailMaterialization()
	assert.Equal(t, Invalid, stateOf(jd, foo))
}

func TestMaterializationHappensOnceUnderConcurrentLookups(t *testing.T) {
	cd := &ConcurrentDispatcher{}
	es, _ := newTestSession(WithDispatcher(cd.Dispatch))
	jd := es.MainJITDylib()
	foo := es.Intern("foo")

	var count atomic.Int32
	require.NoError(t, jd.Define(newTestUnit("slow", SymbolFlagsMap{foo: exported}, func(r *MaterializationResponsibility) {
		count.Add(1)
		time.Sleep(10 * time.Millisecond)
		r.NotifyResolved(SymbolMap{foo: sym(0x1234)})
		r.NotifyEmitted()
	})))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			syms, err := es.LookupSync(SearchListFor(jd), NewSymbolNameSet(foo), Ready)
			assert.NoError(t, err)
			assert.Equal(t, jitsym.TargetAddress(0x1234), syms[foo].Address)
		}()
	}

	wg.Wait()
	require.NoError(t, cd.Wait())
	assert.Equal(t, int32(1), count.Load())
}

func TestConcurrentDispatcherRecoversPanics(t *testing.T) {
	cd := &ConcurrentDispatcher{}
	es, _ := newTestSession(WithDispatcher(cd.Dispatch))
	jd := es.MainJITDylib()
	foo := es.Intern("foo")

	require.NoError(t, jd.Define(newTestUnit("bad", SymbolFlagsMap{foo: exported}, func(r *MaterializationResponsibility) {
		panic("backend bug")
	})))

	_, err := es.LookupSymbol(SearchListFor(jd), "foo")
	var ftme *FailedToMaterializeError
	require.True(t, errors.As(err, &ftme))
	require.ErrorContains(t, cd.Wait(), "backend bug")
}

func TestLookupContextTimesOut(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo := es.Intern("foo")

	var mr *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &mr, foo)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := es.LookupContext(ctx, SearchListFor(jd), NewSymbolNameSet(foo), Ready, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the late materializer does not reach the abandoned query
	mr.NotifyResolved(SymbolMap{foo: sym(0x77)})
	mr.NotifyEmitted()

	s, err := es.LookupSymbol(SearchListFor(jd), "foo")
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x77), s.Address)
}

func TestCallbackFiresAtMostOnce(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo := es.Intern("foo")
	require.NoError(t, jd.Define(AbsoluteSymbols(SymbolMap{foo: sym(0x1)})))

	calls := 0
	q := es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Ready, func(_ SymbolMap, err error) {
		require.NoError(t, err)
		calls++
	}, nil)

	assert.False(t, es.CancelLookup(q, errors.New("too late")))
	assert.False(t, q.canStillFail())
	assert.Equal(t, 1, calls)
	assert.Equal(t, Ready, q.RequiredState())
}

func TestDetachIsIdempotent(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo := es.Intern("foo")

	var mr *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &mr, foo)))

	q := es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Ready, func(SymbolMap, error) {
		t.Fatal("detached query completed")
	}, nil)

	es.runSession(func() {
		q.detach()
		q.detach()
		assert.False(t, q.isComplete())
		assert.False(t, jd.materializingInfos[foo].hasQueriesPending())
	})

	assert.Empty(t, mr.RequestedSymbols())
	mr.NotifyResolved(SymbolMap{foo: sym(0x1)})
	mr.NotifyEmitted()
	assert.True(t, q.canStillFail())
}

func TestPendingQueriesTakenInStateOrder(t *testing.T) {
	names := NewSymbolNameSet()
	ready := newAsynchronousSymbolQuery(1, names, Ready, nil)
	resolvedA := newAsynchronousSymbolQuery(2, names, Resolved, nil)
	resolvedB := newAsynchronousSymbolQuery(3, names, Resolved, nil)

	mi := newMaterializingInfo()
	assert.False(t, mi.hasQueriesPending())

	mi.addQuery(ready)
	mi.addQuery(resolvedB)
	mi.addQuery(resolvedA)

	assert.Equal(t, []*AsynchronousSymbolQuery{resolvedA, resolvedB}, mi.takeQueriesMeeting(Resolved))
	assert.True(t, mi.hasQueriesPending())

	mi.removeQuery(ready)
	assert.Empty(t, mi.takeAllPendingQueries())
	assert.False(t, mi.hasQueriesPending())
}

func TestEndSessionReportsUnfulfilledResponsibilities(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo := es.Intern("foo")

	var mr *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &mr, foo)))

	var lookupErr error
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Ready, func(_ SymbolMap, err error) {
		lookupErr = err
	}, nil)
	require.NotNil(t, mr)

	err := es.EndSession()
	var ure *UnfulfilledResponsibilityError
	require.True(t, errors.As(err, &ure))
	assert.Equal(t, map[string][]string{"<main>": {"foo"}}, ure.Symbols)

	var ftme *FailedToMaterializeError
	assert.True(t, errors.As(lookupErr, &ftme))
	assert.Equal(t, Invalid, stateOf(jd, foo))

	assert.NoError(t, es.EndSession())
}

func TestContractViolations(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, bar := es.Intern("foo"), es.Intern("bar")

	var mr *MaterializationResponsibility
	require.NoError(t, jd.Define(manualUnit(jd, &mr, foo)))
	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Ready, func(SymbolMap, error) {}, nil)

	requireContractViolation(t, func() { mr.NotifyEmitted() })
	requireContractViolation(t, func() {
		mr.NotifyResolved(SymbolMap{foo: {Address: 0x1, Flags: exported | jitsym.FlagCallable}})
	})
	requireContractViolation(t, func() { mr.NotifyResolved(SymbolMap{bar: sym(0x1)}) })
	requireContractViolation(t, func() { mr.Delegate(NewSymbolNameSet(bar)) })

	// the responsibility is still usable
	mr.NotifyResolved(SymbolMap{foo: sym(0x1)})
	mr.NotifyEmitted()
	assert.Equal(t, Ready, stateOf(jd, foo))
}
