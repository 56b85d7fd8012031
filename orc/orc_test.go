package orc

import (
	"errors"
	"orcjit/jitsym"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exported = jitsym.FlagExported

// errorLog collects reported errors instead of printing them
type errorLog struct {
	m    sync.Mutex
	errs []error
}

func (el *errorLog) report(err error) {
	el.m.Lock()
	defer el.m.Unlock()

	el.errs = append(el.errs, err)
}

func (el *errorLog) all() []error {
	el.m.Lock()
	defer el.m.Unlock()

	return append([]error(nil), el.errs...)
}

func newTestSession(opts ...SessionOption) (*ExecutionSession, *errorLog) {
	el := &errorLog{}
	es := NewExecutionSession(append([]SessionOption{WithErrorReporter(el.report)}, opts...)...)
	return es, el
}

// testUnit is a unit whose materializer is supplied by the test
type testUnit struct {
	UnitBase

	name        string
	materialize func(r *MaterializationResponsibility)
	discarded   []jitsym.StringPtr
}

func newTestUnit(name string, flags SymbolFlagsMap, materialize func(r *MaterializationResponsibility)) *testUnit {
	return &testUnit{
		UnitBase:    UnitBase{Flags: flags.Clone()},
		name:        name,
		materialize: materialize,
	}
}

func (tu *testUnit) Name() string {
	return tu.name
}

func (tu *testUnit) Materialize(r *MaterializationResponsibility) {
	tu.materialize(r)
}

func (tu *testUnit) Discard(jd *JITDylib, name jitsym.StringPtr) {
	tu.discarded = append(tu.discarded, name)
	tu.DropSymbol(name)
}

func sym(addr uint64) jitsym.EvaluatedSymbol {
	return jitsym.EvaluatedSymbol{Address: jitsym.TargetAddress(addr), Flags: exported}
}

func stateOf(jd *JITDylib, name jitsym.StringPtr) SymbolState {
	state := Invalid
	jd.es.runSession(func() {
		if e, ok := jd.symbols[name]; ok {
			state = e.state
		}
	})

	return state
}

func requireContractViolation(t *testing.T, fn func()) {
	t.Helper()

	defer func() {
		x := recover()
		_, ok := x.(*ContractViolation)
		require.True(t, ok, "expected a contract violation, got %v", x)
	}()

	fn()
}

// -----------------------------------------------------------------------------

func TestAbsoluteSymbolsLookup(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, bar := es.Intern("foo"), es.Intern("bar")

	require.NoError(t, jd.Define(AbsoluteSymbols(SymbolMap{
		foo: sym(0x1000),
		bar: {Address: 0x2000, Flags: exported | jitsym.FlagCallable},
	})))

	assert.Equal(t, NeverSearched, stateOf(jd, foo))

	syms, err := es.LookupSync(SearchListFor(jd), NewSymbolNameSet(foo, bar), Ready)
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x1000), syms[foo].Address)
	assert.Equal(t, exported|jitsym.FlagCallable, syms[bar].Flags)
	assert.Equal(t, Ready, stateOf(jd, foo))
	assert.Equal(t, Ready, stateOf(jd, bar))
}

func TestAbsoluteLookupCompletesBeforeReturning(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo := es.Intern("foo")

	require.NoError(t, jd.Define(AbsoluteSymbols(SymbolMap{foo: sym(0x1000)})))

	var got SymbolMap
	q := es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Ready, func(syms SymbolMap, err error) {
		require.NoError(t, err)
		got = syms
	}, nil)

	require.NotNil(t, q)
	assert.Equal(t, jitsym.TargetAddress(0x1000), got[foo].Address)
}

func TestLookupSymbolReleasesName(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()

	foo := es.Intern("foo")
	require.NoError(t, jd.Define(AbsoluteSymbols(SymbolMap{foo: sym(0x10)})))
	foo.Release()

	s, err := es.LookupSymbol(SearchListFor(jd), "foo")
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x10), s.Address)

	// the table still owns the name
	es.StringPool().ClearDeadEntries()
	assert.Equal(t, 1, es.StringPool().Len())
}

func TestDuplicateDefinitionLeavesTableUnchanged(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, other := es.Intern("foo"), es.Intern("other")

	require.NoError(t, jd.Define(AbsoluteSymbols(SymbolMap{foo: sym(0x1000)})))

	err := jd.Define(AbsoluteSymbols(SymbolMap{foo: sym(0x2000), other: sym(0x3000)}))
	var dde *DuplicateDefinitionError
	require.True(t, errors.As(err, &dde))
	assert.Equal(t, "foo", dde.Name)

	flags, err := jd.LookupFlags(NewSymbolNameSet(foo, other))
	require.NoError(t, err)
	assert.Len(t, flags, 1)

	s, err := es.LookupSymbol(SearchListFor(jd), "foo")
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x1000), s.Address)
}

func TestStrongDefinitionOverridesWeak(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, keep := es.Intern("foo"), es.Intern("keep")

	weak := newTestUnit("weak", SymbolFlagsMap{foo: exported | jitsym.FlagWeak, keep: exported}, func(r *MaterializationResponsibility) {
		r.NotifyResolved(SymbolMap{keep: sym(0x500)})
		r.NotifyEmitted()
	})
	require.NoError(t, jd.Define(weak))
	require.NoError(t, jd.Define(AbsoluteSymbols(SymbolMap{foo: sym(0x2000)})))

	assert.Equal(t, []jitsym.StringPtr{foo}, weak.discarded)

	syms, err := es.LookupSync(SearchListFor(jd), NewSymbolNameSet(foo, keep), Ready)
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x2000), syms[foo].Address)
	assert.Equal(t, jitsym.TargetAddress(0x500), syms[keep].Address)
}

func TestWeakDefinitionOverExistingIsDiscarded(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo := es.Intern("foo")

	require.NoError(t, jd.Define(AbsoluteSymbols(SymbolMap{foo: sym(0x1000)})))

	weak := newTestUnit("weak", SymbolFlagsMap{foo: exported | jitsym.FlagWeak}, func(r *MaterializationResponsibility) {
		t.Fatal("discarded unit materialized")
	})
	require.NoError(t, jd.Define(weak))
	assert.Equal(t, []jitsym.StringPtr{foo}, weak.discarded)
	assert.Empty(t, weak.SymbolFlags())

	s, err := es.LookupSymbol(SearchListFor(jd), "foo")
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x1000), s.Address)
}

func TestWeakSymbolResolvesStrong(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo := es.Intern("foo")

	require.NoError(t, jd.Define(newTestUnit("weak", SymbolFlagsMap{foo: exported | jitsym.FlagWeak}, func(r *MaterializationResponsibility) {
		r.NotifyResolved(SymbolMap{foo: {Address: 0x40, Flags: exported | jitsym.FlagWeak}})
		r.NotifyEmitted()
	})))

	s, err := es.LookupSymbol(SearchListFor(jd), "foo")
	require.NoError(t, err)
	assert.Equal(t, exported, s.Flags)
}

func TestNonExportedSymbolsNeedMatchNonExported(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	hidden := es.Intern("hidden")

	require.NoError(t, jd.Define(AbsoluteSymbols(SymbolMap{hidden: {Address: 0x99, Flags: jitsym.FlagNone}})))

	_, err := es.LookupSync(SearchListFor(jd), NewSymbolNameSet(hidden), Ready)
	var snfe *SymbolsNotFoundError
	require.True(t, errors.As(err, &snfe))
	assert.Equal(t, []string{"hidden"}, snfe.Symbols)

	syms, err := es.LookupSync(JITDylibSearchList{{Dylib: jd, MatchNonExported: true}}, NewSymbolNameSet(hidden), Ready)
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x99), syms[hidden].Address)
}

func TestSearchOrderFirstMatchWins(t *testing.T) {
	es, _ := newTestSession()
	first := es.CreateJITDylib("first", false)
	second := es.CreateJITDylib("second", false)
	foo := es.Intern("foo")

	require.NoError(t, first.Define(AbsoluteSymbols(SymbolMap{foo: sym(0x1)})))
	require.NoError(t, second.Define(AbsoluteSymbols(SymbolMap{foo: sym(0x2)})))

	s, err := es.LookupSymbol(SearchListFor(second, first), "foo")
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x2), s.Address)

	// the shadowed definition was never searched
	assert.Equal(t, NeverSearched, stateOf(first, foo))
}

func TestMissingNameFailsWholeLookupWithoutMaterializing(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo, missing := es.Intern("foo"), es.Intern("missing")

	count := 0
	require.NoError(t, jd.Define(newTestUnit("foo", SymbolFlagsMap{foo: exported}, func(r *MaterializationResponsibility) {
		count++
		r.NotifyResolved(SymbolMap{foo: sym(0x10)})
		r.NotifyEmitted()
	})))

	_, err := es.LookupSync(SearchListFor(jd), NewSymbolNameSet(foo, missing), Ready)
	var snfe *SymbolsNotFoundError
	require.True(t, errors.As(err, &snfe))
	assert.Equal(t, []string{"missing"}, snfe.Symbols)
	assert.Equal(t, 0, count)
	assert.Equal(t, NeverSearched, stateOf(jd, foo))

	_, err = es.LookupSync(SearchListFor(jd), NewSymbolNameSet(foo), Ready)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGeneratorErrorFailsLookup(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()

	jd.SetGenerator(func(jd *JITDylib, names SymbolNameSet) (MaterializationUnit, error) {
		return nil, errors.New("generator exploded")
	})

	_, err := es.LookupSymbol(SearchListFor(jd), "anything")
	require.EqualError(t, err, "generator exploded")
}

func TestGeneratorDefinesOnDemand(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()

	calls := 0
	jd.SetGenerator(func(jd *JITDylib, names SymbolNameSet) (MaterializationUnit, error) {
		calls++
		syms := make(SymbolMap)
		for name := range names {
			if name.String() == "puts" {
				syms[name] = sym(0x7000)
			}
		}

		if len(syms) == 0 {
			return nil, nil
		}

		return AbsoluteSymbols(syms), nil
	})

	s, err := es.LookupSymbol(SearchListFor(jd), "puts")
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x7000), s.Address)

	// defined now, so the generator is not asked again
	_, err = es.LookupSymbol(SearchListFor(jd), "puts")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = es.LookupSymbol(SearchListFor(jd), "printf")
	require.Error(t, err)
}

func TestRemove(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	a, b, missing := es.Intern("a"), es.Intern("b"), es.Intern("missing")

	unit := newTestUnit("ab", SymbolFlagsMap{a: exported, b: exported}, func(r *MaterializationResponsibility) {
		r.NotifyResolved(SymbolMap{b: sym(0xb)})
		r.NotifyEmitted()
	})
	require.NoError(t, jd.Define(unit))

	err := jd.Remove(NewSymbolNameSet(a, missing))
	var snfe *SymbolsNotFoundError
	require.True(t, errors.As(err, &snfe))
	assert.Equal(t, []string{"missing"}, snfe.Symbols)
	assert.Equal(t, NeverSearched, stateOf(jd, a))

	require.NoError(t, jd.Remove(NewSymbolNameSet(a)))
	assert.Equal(t, Invalid, stateOf(jd, a))
	assert.Equal(t, []jitsym.StringPtr{a}, unit.discarded)

	// the rest of the unit still materializes
	s, err := es.LookupSymbol(SearchListFor(jd), "b")
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0xb), s.Address)

	require.NoError(t, jd.Remove(NewSymbolNameSet(b)))
	flags, err := jd.LookupFlags(NewSymbolNameSet(a, b))
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestRemoveMaterializingSymbolFails(t *testing.T) {
	es, _ := newTestSession()
	jd := es.MainJITDylib()
	foo := es.Intern("foo")

	var mr *MaterializationResponsibility
	require.NoError(t, jd.Define(newTestUnit("foo", SymbolFlagsMap{foo: exported}, func(r *MaterializationResponsibility) {
		mr = r
	})))

	es.Lookup(SearchListFor(jd), NewSymbolNameSet(foo), Ready, func(SymbolMap, error) {}, nil)
	require.NotNil(t, mr)

	err := jd.Remove(NewSymbolNameSet(foo))
	var scbre *SymbolsCouldNotBeRemovedError
	require.True(t, errors.As(err, &scbre))
	assert.Equal(t, []string{"foo"}, scbre.Symbols)
	assert.Equal(t, Materializing, stateOf(jd, foo))

	mr.NotifyResolved(SymbolMap{foo: sym(0x1)})
	mr.NotifyEmitted()
	require.NoError(t, jd.Remove(NewSymbolNameSet(foo)))
}

func TestSearchOrderManagement(t *testing.T) {
	es, _ := newTestSession()
	main := es.MainJITDylib()
	lib := es.CreateJITDylib("lib", true)
	other := es.CreateJITDylib("other", false)

	assert.Equal(t, JITDylibSearchList{{Dylib: main, MatchNonExported: true}, {Dylib: lib}}, main.SearchOrder())
	assert.Same(t, lib, es.GetJITDylibByName("lib"))
	assert.Nil(t, es.GetJITDylibByName("nope"))

	main.ReplaceInSearchOrder(lib, other, true)
	assert.Equal(t, JITDylibSearchList{{Dylib: main, MatchNonExported: true}, {Dylib: other, MatchNonExported: true}}, main.SearchOrder())

	main.RemoveFromSearchOrder(other)
	assert.Equal(t, JITDylibSearchList{{Dylib: main, MatchNonExported: true}}, main.SearchOrder())

	lib.SetSearchOrder(SearchListFor(other), true)
	assert.Equal(t, JITDylibSearchList{{Dylib: lib, MatchNonExported: true}, {Dylib: other}}, lib.SearchOrder())

	lib.SetSearchOrder(SearchListFor(other), false)
	assert.Equal(t, SearchListFor(other), lib.SearchOrder())

	lib.AddToSearchOrder(main, false)
	assert.Equal(t, SearchListFor(other, main), lib.SearchOrder())
}
