// Package lazy provides a layer that defers handing IR modules to the layer
// below it until one of their symbols' addresses is actually requested.
package lazy

import (
	"errors"
	"fmt"
	"orcjit/jitsym"
	"orcjit/logging"
	"sync"

	"github.com/llir/llvm/ir"
)

// ModuleKey identifies a module added to a layer
type ModuleKey uint64

// BaseLayer is the interface shared by module layers.  The emitting layer
// both implements it and sits on top of another implementation of it.
type BaseLayer interface {
	// AddModule takes ownership of m under key
	AddModule(key ModuleKey, m *ir.Module) error

	// RemoveModule forgets the module added under key
	RemoveModule(key ModuleKey) error

	// FindSymbol searches every module of the layer.  If exportedOnly is set
	// hidden symbols are not matched.  A null symbol means "not found".
	FindSymbol(name string, exportedOnly bool) *jitsym.Symbol

	// FindSymbolIn searches only the module added under key
	FindSymbolIn(key ModuleKey, name string, exportedOnly bool) *jitsym.Symbol

	// EmitAndFinalize forces the module to be fully emitted
	EmitAndFinalize(key ModuleKey) error
}

// ErrUnknownModule is returned for operations naming a key that was never
// added or has been removed
var ErrUnknownModule = errors.New("unknown module key")

// EmitState is the progress of one deferred module
type EmitState int

// Enumeration of emit states
const (
	NotEmitted EmitState = iota
	Emitting
	Emitted
)

func (s EmitState) String() string {
	switch s {
	case NotEmitted:
		return "NotEmitted"
	case Emitting:
		return "Emitting"
	default:
		return "Emitted"
	}
}

// deferredModule is a module that has not necessarily reached the base layer
type deferredModule struct {
	key ModuleKey

	// m is nil once the module has been handed to the base layer
	m *ir.Module

	state EmitState

	// emitting is the attempt in flight while state is Emitting
	emitting *emitAttempt

	// symbols is the part of the module's definition index built so far and
	// cursor is where building resumes
	symbols map[string]jitsym.GlobalDefinition
	cursor  *jitsym.DefinitionCursor
}

// emitAttempt is one hand-off of a module to the base layer.  done is closed
// once err is final.
type emitAttempt struct {
	done chan struct{}
	err  error
}

// EmittingLayer holds modules without emitting them.  Looking up a symbol
// returns a deferred symbol which emits the whole module to the base layer
// the first time its address is requested.
type EmittingLayer struct {
	base BaseLayer

	// m guards the module table and every module's state.  It is not held
	// while the base layer emits a module.
	m       sync.Mutex
	modules map[ModuleKey]*deferredModule

	// order is the order modules were added in; lookups search it in order
	order []ModuleKey
}

// NewEmittingLayer creates a layer on top of base
func NewEmittingLayer(base BaseLayer) *EmittingLayer {
	return &EmittingLayer{
		base:    base,
		modules: make(map[ModuleKey]*deferredModule),
	}
}

// AddModule registers m under key without emitting it
func (el *EmittingLayer) AddModule(key ModuleKey, m *ir.Module) error {
	el.m.Lock()
	defer el.m.Unlock()

	if _, ok := el.modules[key]; ok {
		return fmt.Errorf("module key %d is already in use", key)
	}

	el.modules[key] = &deferredModule{
		key:     key,
		m:       m,
		symbols: make(map[string]jitsym.GlobalDefinition),
		cursor:  jitsym.NewDefinitionCursor(m),
	}
	el.order = append(el.order, key)
	return nil
}

// RemoveModule removes the module, removing it from the base layer as well if
// it was emitted
func (el *EmittingLayer) RemoveModule(key ModuleKey) error {
	el.m.Lock()
	dm, ok := el.modules[key]
	if !ok {
		el.m.Unlock()
		return ErrUnknownModule
	}

	if dm.state == Emitting {
		el.m.Unlock()
		return fmt.Errorf("module %d cannot be removed while it is being emitted", key)
	}

	delete(el.modules, key)
	for i, k := range el.order {
		if k == key {
			el.order = append(el.order[:i], el.order[i+1:]...)
			break
		}
	}
	el.m.Unlock()

	if dm.state == Emitted {
		return el.base.RemoveModule(key)
	}

	return nil
}

// FindSymbol searches the base layer first and then every module still held
// by this layer, in the order they were added
func (el *EmittingLayer) FindSymbol(name string, exportedOnly bool) *jitsym.Symbol {
	if sym := el.base.FindSymbol(name, exportedOnly); !sym.IsNull() {
		return sym
	}

	el.m.Lock()
	defer el.m.Unlock()

	for _, key := range el.order {
		dm := el.modules[key]
		if dm.state == Emitted {
			// already searched through the base layer
			continue
		}

		if sym := el.findLocked(dm, name, exportedOnly); !sym.IsNull() {
			return sym
		}
	}

	return jitsym.NullSymbol()
}

// FindSymbolIn searches the module added under key
func (el *EmittingLayer) FindSymbolIn(key ModuleKey, name string, exportedOnly bool) *jitsym.Symbol {
	el.m.Lock()
	dm, ok := el.modules[key]
	if !ok {
		el.m.Unlock()
		return jitsym.NullSymbol()
	}

	if dm.state == Emitted {
		el.m.Unlock()
		return el.base.FindSymbolIn(key, name, exportedOnly)
	}

	defer el.m.Unlock()
	return el.findLocked(dm, name, exportedOnly)
}

// EmitAndFinalize emits the module if needed and finalizes it in the base
// layer
func (el *EmittingLayer) EmitAndFinalize(key ModuleKey) error {
	el.m.Lock()
	dm, ok := el.modules[key]
	el.m.Unlock()

	if !ok {
		return ErrUnknownModule
	}

	if err := el.emit(dm); err != nil {
		return err
	}

	return el.base.EmitAndFinalize(key)
}

// findLocked looks name up in a module that is not yet emitted.  While the
// module is being emitted nothing is found: the base layer sees the module's
// own symbols directly at that point.
func (el *EmittingLayer) findLocked(dm *deferredModule, name string, exportedOnly bool) *jitsym.Symbol {
	if dm.state != NotEmitted {
		return jitsym.NullSymbol()
	}

	def, ok := dm.searchDefinitions(name)
	if !ok || (exportedOnly && !def.Flags.IsExported()) {
		return jitsym.NullSymbol()
	}

	return jitsym.NewDeferredSymbol(func() (jitsym.TargetAddress, error) {
		if err := el.emit(dm); err != nil {
			return 0, err
		}

		sym := el.base.FindSymbolIn(dm.key, name, exportedOnly)
		if err := sym.TakeError(); err != nil {
			return 0, err
		}

		if sym.IsNull() {
			return 0, fmt.Errorf("module %d was emitted but does not define `%s`", dm.key, name)
		}

		return sym.Address()
	}, def.Flags)
}

// searchDefinitions finds name in the module's definition index, extending the
// index from where the last search stopped if necessary
func (dm *deferredModule) searchDefinitions(name string) (jitsym.GlobalDefinition, bool) {
	if def, ok := dm.symbols[name]; ok {
		return def, true
	}

	for def, ok := dm.cursor.Next(); ok; def, ok = dm.cursor.Next() {
		dm.symbols[def.Name] = def
		if def.Name == name {
			return def, true
		}
	}

	return jitsym.GlobalDefinition{}, false
}

// emit hands the module to the base layer unless that has already happened.
// A caller that finds the module being emitted by another goroutine waits for
// that attempt and shares its result.
func (el *EmittingLayer) emit(dm *deferredModule) error {
	el.m.Lock()
	switch dm.state {
	case Emitted:
		el.m.Unlock()
		return nil
	case Emitting:
		attempt := dm.emitting
		el.m.Unlock()

		<-attempt.done
		return attempt.err
	}

	attempt := &emitAttempt{done: make(chan struct{})}
	dm.state = Emitting
	dm.emitting = attempt
	m := dm.m
	el.m.Unlock()

	logging.LogDebug("lazy", "emitting module %d", dm.key)
	err := el.base.AddModule(dm.key, m)

	el.m.Lock()
	defer el.m.Unlock()

	attempt.err = err
	dm.emitting = nil
	defer close(attempt.done)

	if err != nil {
		dm.state = NotEmitted
		return err
	}

	dm.state = Emitted
	dm.m = nil
	dm.symbols = nil
	dm.cursor = nil
	return nil
}

// State returns the emit state of the module added under key
func (el *EmittingLayer) State(key ModuleKey) (EmitState, bool) {
	el.m.Lock()
	defer el.m.Unlock()

	dm, ok := el.modules[key]
	if !ok {
		return NotEmitted, false
	}

	return dm.state, true
}
