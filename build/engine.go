// Package build assembles a JIT session from a manifest: the execution
// session, its dylibs and their contents, the compile and load backend and,
// in lazy mode, the emitting module layer.
package build

import (
	"errors"
	"fmt"
	"orcjit/backend"
	"orcjit/common"
	"orcjit/jitsym"
	"orcjit/lazy"
	"orcjit/logging"
	"orcjit/manifest"
	"orcjit/memory"
	"orcjit/orc"

	"github.com/llir/llvm/asm"
)

// Engine is a JIT session built from a manifest
type Engine struct {
	manifest *manifest.Manifest

	es     *orc.ExecutionSession
	dylibs map[string]*orc.JITDylib

	alloc    memory.Allocator
	compiler *backend.SimpleCompiler
	loader   *backend.Loader
	irLayer  *backend.IRLayer

	// objLayer and lazyLayer are only used in lazy mode
	objLayer  *backend.ObjectLayer
	lazyLayer *lazy.EmittingLayer

	// dispatcher is set for concurrent dispatch
	dispatcher *orc.ConcurrentDispatcher

	hostSymbols map[string]jitsym.TargetAddress
}

// Option configures an engine
type Option func(*Engine)

// WithHostSymbols sets the addresses exposed by dylibs with host symbols
// enabled
func WithHostSymbols(syms map[string]jitsym.TargetAddress) Option {
	return func(e *Engine) {
		e.hostSymbols = syms
	}
}

// WithAllocator places code in alloc instead of the manifest's allocator.
// It is required for the remote allocator.
func WithAllocator(alloc memory.Allocator) Option {
	return func(e *Engine) {
		e.alloc = alloc
	}
}

// NewEngine builds the session described by m and defines every dylib's
// contents.  Nothing is compiled until it is looked up.
func NewEngine(m *manifest.Manifest, opts ...Option) (*Engine, error) {
	e := &Engine{
		manifest:    m,
		dylibs:      make(map[string]*orc.JITDylib),
		hostSymbols: map[string]jitsym.TargetAddress{},
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := e.initAllocator(); err != nil {
		return nil, err
	}

	var sessOpts []orc.SessionOption
	if m.Dispatch == manifest.DispatchConcurrent {
		e.dispatcher = &orc.ConcurrentDispatcher{}
		sessOpts = append(sessOpts, orc.WithDispatcher(e.dispatcher.Dispatch))
	}

	e.es = orc.NewExecutionSession(sessOpts...)
	e.compiler = &backend.SimpleCompiler{DumpDir: m.DumpDir}
	e.loader = backend.NewLoader(e.alloc)
	e.irLayer = backend.NewIRLayer(e.es, e.compiler, e.loader)

	if m.Lazy {
		e.objLayer = backend.NewObjectLayer(e.compiler, e.loader)
		e.lazyLayer = lazy.NewEmittingLayer(e.objLayer)
		e.objLayer.SetResolver(jitsym.ResolverFuncs{
			InLogicalDylib: func(name string) *jitsym.Symbol {
				return e.lazyLayer.FindSymbol(name, false)
			},
			External: e.findInSession,
		})
	}

	// every dylib exists before any is populated so that links may point
	// forward
	for _, d := range m.Dylibs {
		if d.IsMain() {
			e.dylibs[d.Name] = e.es.MainJITDylib()
		} else {
			e.dylibs[d.Name] = e.es.CreateJITDylib(d.Name, d.AddToMain)
		}
	}

	for _, d := range m.Dylibs {
		if err := e.populate(d); err != nil {
			return nil, fmt.Errorf("populating dylib `%s`: %w", d.Name, err)
		}
	}

	// re-exports come last: their flags are taken from the source dylibs
	for _, d := range m.Dylibs {
		if err := e.defineReExports(d); err != nil {
			return nil, fmt.Errorf("re-exporting into dylib `%s`: %w", d.Name, err)
		}
	}

	logging.LogDebug("build", "session %s built from manifest `%s`", e.es.ID(), m.Name)
	return e, nil
}

func (e *Engine) initAllocator() error {
	if e.alloc != nil {
		return nil
	}

	switch e.manifest.Allocator {
	case manifest.AllocatorSimulated:
		e.alloc = memory.NewSimulatedAllocator(e.manifest.AllocatorBase)
	case manifest.AllocatorMmap:
		alloc, err := newMmapAllocator()
		if err != nil {
			return err
		}

		e.alloc = alloc
	case manifest.AllocatorRemote:
		return errors.New("the remote allocator requires a connection to an executor")
	}

	return nil
}

func (e *Engine) populate(d *manifest.Dylib) error {
	jd := e.dylibs[d.Name]

	for _, link := range d.Links {
		jd.AddToSearchOrder(e.dylibs[link], false)
	}

	var gens []orc.DefinitionGenerator
	if d.HostSymbols {
		gens = append(gens, backend.HostSymbolsGenerator(e.hostSymbols))
	}

	if d.GenerateFrom != "" {
		gens = append(gens, orc.ReexportsGenerator(e.dylibs[d.GenerateFrom], false, nil))
	}

	if len(gens) > 0 {
		jd.SetGenerator(chainGenerators(gens...))
	}

	if len(d.Absolutes) > 0 {
		syms := make(orc.SymbolMap, len(d.Absolutes))
		for _, abs := range d.Absolutes {
			syms[e.es.Intern(abs.Name)] = jitsym.EvaluatedSymbol{Address: abs.Address, Flags: abs.Flags}
		}

		if err := jd.Define(orc.AbsoluteSymbols(syms)); err != nil {
			return err
		}
	}

	for _, path := range d.Modules {
		m, err := asm.ParseFile(path)
		if err != nil {
			return fmt.Errorf("loading IR module: %w", err)
		}

		if e.lazyLayer != nil {
			key := lazy.ModuleKey(common.GenerateIDFromPath(path))
			if err := e.lazyLayer.AddModule(key, m); err != nil {
				return err
			}

			continue
		}

		if err := e.irLayer.Add(jd, m); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) defineReExports(d *manifest.Dylib) error {
	jd := e.dylibs[d.Name]

	for _, re := range d.ReExports {
		src := e.dylibs[re.From]

		aliasees := make(orc.SymbolNameSet)
		for _, aliasee := range re.Aliases {
			aliasees.Add(e.es.Intern(aliasee))
		}

		flags, err := src.LookupFlags(aliasees)
		if err != nil {
			return err
		}

		aliases := make(orc.SymbolAliasMap, len(re.Aliases))
		var missing []string
		for alias, aliasee := range re.Aliases {
			name := e.es.Intern(aliasee)
			f, ok := flags[name]
			if !ok {
				missing = append(missing, aliasee)
				continue
			}

			aliases[e.es.Intern(alias)] = orc.SymbolAliasMapEntry{Aliasee: name, AliasFlags: f}
		}

		if len(missing) > 0 {
			return &orc.SymbolsNotFoundError{Symbols: missing}
		}

		if err := jd.Define(orc.ReExports(src, aliases, re.MatchNonExported)); err != nil {
			return err
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

// Session returns the engine's execution session
func (e *Engine) Session() *orc.ExecutionSession {
	return e.es
}

// Dylib returns the dylib declared under name in the manifest
func (e *Engine) Dylib(name string) (*orc.JITDylib, bool) {
	jd, ok := e.dylibs[name]
	return jd, ok
}

// Allocator returns the allocator code is loaded into
func (e *Engine) Allocator() memory.Allocator {
	return e.alloc
}

// LazyLayer returns the emitting layer, or nil outside lazy mode
func (e *Engine) LazyLayer() *lazy.EmittingLayer {
	return e.lazyLayer
}

// Lookup finds the exported symbol name the way the main dylib sees it,
// materializing it and everything it depends on
func (e *Engine) Lookup(name string) (jitsym.EvaluatedSymbol, error) {
	if e.lazyLayer != nil {
		if sym := e.lazyLayer.FindSymbol(name, true); !sym.IsNull() {
			return sym.Evaluate()
		}
	}

	return e.es.LookupSymbol(e.es.MainJITDylib().SearchOrder(), name)
}

// Close ends the session and releases the memory code was loaded into.  It
// returns the first error encountered.
func (e *Engine) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.dispatcher != nil {
		record(e.dispatcher.Wait())
	}

	record(e.es.EndSession())
	record(e.alloc.Release())
	return firstErr
}

// findInSession resolves a symbol the lazy layer does not define through the
// main dylib's search order
func (e *Engine) findInSession(name string) *jitsym.Symbol {
	sym, err := e.es.LookupSymbol(e.es.MainJITDylib().SearchOrder(), name)
	if err != nil {
		var snf *orc.SymbolsNotFoundError
		if errors.As(err, &snf) {
			return jitsym.NullSymbol()
		}

		return jitsym.NewErrorSymbol(err)
	}

	return jitsym.NewSymbol(sym.Address, sym.Flags)
}
