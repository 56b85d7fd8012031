package backend

import (
	"fmt"
	"orcjit/jitsym"
	"orcjit/logging"
	"orcjit/orc"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
)

// IRMaterializationUnit defines the symbols of an IR module in a dylib.
// Materializing it compiles the module, publishes the addresses of its own
// symbols, looks up the symbols it references through the dylib's search
// order and finally links it.
type IRMaterializationUnit struct {
	orc.UnitBase

	name   string
	module *ir.Module
	layer  *IRLayer
}

func (irmu *IRMaterializationUnit) Name() string {
	return irmu.name
}

// Discard turns the definition of name into a declaration so that the
// module no longer provides it
func (irmu *IRMaterializationUnit) Discard(jd *orc.JITDylib, name jitsym.StringPtr) {
	target := name.String()

	for _, f := range irmu.module.Funcs {
		if f.Name() == target {
			f.Blocks = nil
			f.Linkage = enum.LinkageNone
		}
	}

	for _, g := range irmu.module.Globals {
		if g.Name() == target {
			g.Init = nil
			g.Linkage = enum.LinkageNone
		}
	}

	kept := irmu.module.Aliases[:0]
	for _, a := range irmu.module.Aliases {
		if a.Name() != target {
			kept = append(kept, a)
		}
	}
	irmu.module.Aliases = kept

	irmu.DropSymbol(name)
}

func (irmu *IRMaterializationUnit) Materialize(r *orc.MaterializationResponsibility) {
	es := r.ExecutionSession()
	fail := func(err error) {
		es.ReportError(fmt.Errorf("materializing %s: %w", irmu.name, err))
		r.FailMaterialization()
	}

	obj, err := irmu.layer.compiler.Compile(irmu.module)
	if err != nil {
		fail(err)
		return
	}

	lo, err := irmu.layer.loader.Allocate(obj)
	if err != nil {
		fail(err)
		return
	}

	// Own addresses are published before anything is looked up: a unit that
	// waits on one of its own dependants would otherwise never resolve.
	owed := r.SymbolFlags()
	resolution := make(orc.SymbolMap, len(owed))
	for name, flags := range owed {
		sym, ok := lo.Symbols[name.String()]
		if !ok {
			fail(fmt.Errorf("compiled object does not define `%s`", name))
			return
		}

		resolution[name] = jitsym.EvaluatedSymbol{Address: sym.Address, Flags: flags}
	}
	r.NotifyResolved(resolution)

	external := lo.ExternalReferences()
	if len(external) == 0 {
		if err := irmu.layer.loader.Link(lo, jitsym.ResolverFuncs{}); err != nil {
			fail(err)
			return
		}

		r.NotifyEmitted()
		return
	}

	names := make(orc.SymbolNameSet, len(external))
	for _, name := range external {
		names.Add(es.Intern(name))
	}

	onComplete := func(result orc.SymbolMap, err error) {
		defer func() {
			for name := range names {
				name.Release()
			}
		}()

		if err != nil {
			fail(err)
			return
		}

		byName := make(map[string]jitsym.EvaluatedSymbol, len(result))
		for name, sym := range result {
			byName[name.String()] = sym
		}

		resolver := jitsym.ResolverFuncs{
			External: func(name string) *jitsym.Symbol {
				if sym, ok := byName[name]; ok {
					return jitsym.NewSymbol(sym.Address, sym.Flags)
				}

				return jitsym.NullSymbol()
			},
		}

		if err := irmu.layer.loader.Link(lo, resolver); err != nil {
			fail(err)
			return
		}

		r.NotifyEmitted()
	}

	logging.LogDebug("irlayer", "%s references %v", irmu.name, external)
	es.Lookup(r.TargetJITDylib().SearchOrder(), names, orc.Resolved, onComplete, r.DependencyRegistrar())
}

// -----------------------------------------------------------------------------

// IRLayer adds IR modules to dylibs as materialization units sharing one
// compiler and one loader
type IRLayer struct {
	es       *orc.ExecutionSession
	compiler Compiler
	loader   *Loader
}

// NewIRLayer creates an IR layer for es
func NewIRLayer(es *orc.ExecutionSession, c Compiler, l *Loader) *IRLayer {
	return &IRLayer{es: es, compiler: c, loader: l}
}

// NewUnit wraps m in a materialization unit without defining it
func (il *IRLayer) NewUnit(m *ir.Module) *IRMaterializationUnit {
	flags := make(orc.SymbolFlagsMap)
	for _, def := range jitsym.ModuleDefinitions(m) {
		flags[il.es.Intern(def.Name)] = def.Flags
	}

	return &IRMaterializationUnit{
		UnitBase: orc.UnitBase{Flags: flags},
		name:     fmt.Sprintf("<IR %s>", moduleName(m)),
		module:   m,
		layer:    il,
	}
}

// Add defines the symbols of m in jd.  They are compiled the first time one
// of them is looked up.
func (il *IRLayer) Add(jd *orc.JITDylib, m *ir.Module) error {
	return jd.Define(il.NewUnit(m))
}

// -----------------------------------------------------------------------------

// HostSymbolsGenerator returns a definition generator exposing the given
// addresses as absolute exported symbols on demand
func HostSymbolsGenerator(symbols map[string]jitsym.TargetAddress) orc.DefinitionGenerator {
	return func(jd *orc.JITDylib, names orc.SymbolNameSet) (orc.MaterializationUnit, error) {
		found := make(orc.SymbolMap)
		for name := range names {
			if addr, ok := symbols[name.String()]; ok {
				found[name] = jitsym.EvaluatedSymbol{
					Address: addr,
					Flags:   jitsym.FlagExported | jitsym.FlagAbsolute | jitsym.FlagCallable,
				}
			}
		}

		if len(found) == 0 {
			return nil, nil
		}

		return orc.AbsoluteSymbols(found), nil
	}
}
