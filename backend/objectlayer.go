package backend

import (
	"fmt"
	"orcjit/jitsym"
	"orcjit/lazy"
	"sync"

	"github.com/llir/llvm/ir"
)

// ObjectLayer compiles and loads each module as soon as it is added.  It is
// the eager base under a lazy.EmittingLayer.
type ObjectLayer struct {
	m sync.Mutex

	compiler Compiler
	loader   *Loader

	// resolver finds the symbols modules reference but do not define
	resolver jitsym.Resolver

	objects map[lazy.ModuleKey]*LoadedObject
	order   []lazy.ModuleKey
}

// NewObjectLayer creates a layer compiling with c and loading with l
func NewObjectLayer(c Compiler, l *Loader) *ObjectLayer {
	return &ObjectLayer{
		compiler: c,
		loader:   l,
		resolver: jitsym.ResolverFuncs{},
		objects:  make(map[lazy.ModuleKey]*LoadedObject),
	}
}

// SetResolver sets the resolver used for symbols the layer cannot find in
// its own modules
func (ol *ObjectLayer) SetResolver(r jitsym.Resolver) {
	ol.m.Lock()
	defer ol.m.Unlock()

	ol.resolver = r
}

func (ol *ObjectLayer) AddModule(key lazy.ModuleKey, m *ir.Module) error {
	obj, err := ol.compiler.Compile(m)
	if err != nil {
		return err
	}

	lo, err := ol.loader.Allocate(obj)
	if err != nil {
		return err
	}

	// the object is visible as soon as its addresses are known so that
	// modules it pulls in while linking can refer back to it
	ol.m.Lock()
	if _, ok := ol.objects[key]; ok {
		ol.m.Unlock()
		return fmt.Errorf("module key %d is already in use", key)
	}

	ol.objects[key] = lo
	ol.order = append(ol.order, key)
	external := ol.resolver
	ol.m.Unlock()

	r := jitsym.ResolverFuncs{
		InLogicalDylib: func(name string) *jitsym.Symbol {
			if sym := ol.FindSymbol(name, false); !sym.IsNull() {
				return sym
			}

			return external.FindSymbolInLogicalDylib(name)
		},
		External: external.FindSymbol,
	}

	if err := ol.loader.Link(lo, r); err != nil {
		ol.forget(key)
		return err
	}

	return nil
}

func (ol *ObjectLayer) RemoveModule(key lazy.ModuleKey) error {
	ol.m.Lock()
	defer ol.m.Unlock()

	if _, ok := ol.objects[key]; !ok {
		return lazy.ErrUnknownModule
	}

	ol.forgetLocked(key)
	return nil
}

func (ol *ObjectLayer) FindSymbol(name string, exportedOnly bool) *jitsym.Symbol {
	ol.m.Lock()
	defer ol.m.Unlock()

	for _, key := range ol.order {
		if sym := ol.findInLocked(key, name, exportedOnly); !sym.IsNull() {
			return sym
		}
	}

	return jitsym.NullSymbol()
}

func (ol *ObjectLayer) FindSymbolIn(key lazy.ModuleKey, name string, exportedOnly bool) *jitsym.Symbol {
	ol.m.Lock()
	defer ol.m.Unlock()

	return ol.findInLocked(key, name, exportedOnly)
}

// EmitAndFinalize is a no-op: modules are finalized when they are added
func (ol *ObjectLayer) EmitAndFinalize(key lazy.ModuleKey) error {
	ol.m.Lock()
	defer ol.m.Unlock()

	if _, ok := ol.objects[key]; !ok {
		return lazy.ErrUnknownModule
	}

	return nil
}

// Object returns the loaded object added under key
func (ol *ObjectLayer) Object(key lazy.ModuleKey) (*LoadedObject, bool) {
	ol.m.Lock()
	defer ol.m.Unlock()

	lo, ok := ol.objects[key]
	return lo, ok
}

func (ol *ObjectLayer) findInLocked(key lazy.ModuleKey, name string, exportedOnly bool) *jitsym.Symbol {
	lo, ok := ol.objects[key]
	if !ok {
		return jitsym.NullSymbol()
	}

	sym, ok := lo.Symbols[name]
	if !ok || (exportedOnly && !sym.Flags.IsExported()) {
		return jitsym.NullSymbol()
	}

	return jitsym.NewSymbol(sym.Address, sym.Flags)
}

func (ol *ObjectLayer) forget(key lazy.ModuleKey) {
	ol.m.Lock()
	defer ol.m.Unlock()

	ol.forgetLocked(key)
}

func (ol *ObjectLayer) forgetLocked(key lazy.ModuleKey) {
	delete(ol.objects, key)
	for i, k := range ol.order {
		if k == key {
			ol.order = append(ol.order[:i], ol.order[i+1:]...)
			break
		}
	}
}
