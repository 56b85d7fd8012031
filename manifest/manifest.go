// Package manifest loads the `orc-jit.toml` file describing a JIT session:
// its settings and the dylibs to populate along with what goes in them.
package manifest

import (
	"orcjit/jitsym"
)

// DispatchMode selects how materializers are run
type DispatchMode int

// Enumeration of dispatch modes
const (
	DispatchInPlace DispatchMode = iota
	DispatchConcurrent
)

var dispatchModeNames = map[string]DispatchMode{
	"in-place":   DispatchInPlace,
	"concurrent": DispatchConcurrent,
}

func (dm DispatchMode) String() string {
	if dm == DispatchConcurrent {
		return "concurrent"
	}

	return "in-place"
}

// AllocatorKind selects where JIT code is placed
type AllocatorKind int

// Enumeration of allocator kinds
const (
	AllocatorSimulated AllocatorKind = iota
	AllocatorMmap
	AllocatorRemote
)

var allocatorKindNames = map[string]AllocatorKind{
	"simulated": AllocatorSimulated,
	"mmap":      AllocatorMmap,
	"remote":    AllocatorRemote,
}

func (ak AllocatorKind) String() string {
	for name, kind := range allocatorKindNames {
		if kind == ak {
			return name
		}
	}

	return "unknown"
}

// MainDylibRef is the name manifests use to refer to the session's main dylib
const MainDylibRef = "main"

// Manifest is a loaded and validated session manifest
type Manifest struct {
	// Name is the name of the session
	Name string

	// Root is the directory enclosing the manifest file.  Module paths are
	// resolved relative to it.
	Root string

	// LogLevel is the default log level; the command line may override it
	LogLevel string

	Dispatch  DispatchMode
	Allocator AllocatorKind

	// AllocatorBase is the first address handed out by the simulated
	// allocator
	AllocatorBase jitsym.TargetAddress

	// DumpDir, if not empty, is where compiled IR is written
	DumpDir string

	// Lazy selects the lazily emitting module layer instead of JIT dylibs
	Lazy bool

	// Entry is the symbol `orc run` looks up
	Entry string

	// Dylibs lists the dylibs in declaration order.  The main dylib always
	// comes first.
	Dylibs []*Dylib
}

// Dylib describes the contents of one JITDylib
type Dylib struct {
	Name string

	// Modules are the absolute paths of the IR files defined in the dylib
	Modules []string

	Absolutes []Absolute
	ReExports []ReExport

	// Links are the dylibs appended to the dylib's search order
	Links []string

	// AddToMain appends the dylib to the main dylib's search order
	AddToMain bool

	// HostSymbols exposes the host process's symbols on demand
	HostSymbols bool

	// GenerateFrom names a dylib whose symbols are re-exported on demand
	GenerateFrom string
}

// Absolute is a symbol with a fixed address
type Absolute struct {
	Name    string
	Address jitsym.TargetAddress
	Flags   jitsym.Flags
}

// ReExport re-exports symbols of another dylib
type ReExport struct {
	From string

	// Aliases maps each alias to the symbol of From it refers to
	Aliases map[string]string

	MatchNonExported bool
}

// IsMain returns whether the dylib is the session's main dylib
func (d *Dylib) IsMain() bool {
	return d.Name == MainDylibRef
}

// Dylib returns the dylib with the given name
func (m *Manifest) Dylib(name string) (*Dylib, bool) {
	for _, d := range m.Dylibs {
		if d.Name == name {
			return d, true
		}
	}

	return nil, false
}
