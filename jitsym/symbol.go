package jitsym

import (
	"errors"
	"fmt"
	"sync"
)

// EvaluatedSymbol is a symbol whose address is known
type EvaluatedSymbol struct {
	Address TargetAddress
	Flags   Flags
}

// IsNull returns whether this evaluated symbol is empty.  A null address only
// means "absent" where an optional symbol is expected.
func (es EvaluatedSymbol) IsNull() bool {
	return es.Address == 0
}

func (es EvaluatedSymbol) String() string {
	return fmt.Sprintf("%s %s", es.Address, es.Flags)
}

// GetAddressFunc materializes a deferred symbol and returns its final address
type GetAddressFunc func() (TargetAddress, error)

// symbolKind is the active branch of a Symbol
type symbolKind int

const (
	symMaterialized symbolKind = iota
	symDeferred
	symErrored
)

// Symbol is a possibly unmaterialized symbol.  Exactly one of three branches is
// active: materialized (address and flags), deferred (a function that will
// produce the address on first request) or errored.  Symbols must be passed by
// pointer: copying one would duplicate ownership of its deferred function or
// its error.
type Symbol struct {
	m sync.Mutex

	kind  symbolKind
	addr  TargetAddress
	flags Flags

	getAddr GetAddressFunc
	err     error
}

// NullSymbol returns a symbol representing "not found".  It is not an error.
func NullSymbol() *Symbol {
	return &Symbol{}
}

// NewSymbol creates a symbol whose address is already known
func NewSymbol(addr TargetAddress, flags Flags) *Symbol {
	return &Symbol{kind: symMaterialized, addr: addr, flags: flags}
}

// NewDeferredSymbol creates a symbol whose address is computed by getAddr the
// first time it is requested
func NewDeferredSymbol(getAddr GetAddressFunc, flags Flags) *Symbol {
	if getAddr == nil {
		panic("jitsym: deferred symbol requires an address function")
	}

	return &Symbol{kind: symDeferred, getAddr: getAddr, flags: flags}
}

// NewErrorSymbol creates a symbol representing a failed lookup
func NewErrorSymbol(err error) *Symbol {
	if err == nil {
		panic("jitsym: error symbol requires a non-nil error")
	}

	return &Symbol{kind: symErrored, err: err, flags: FlagHasError}
}

// IsNull returns whether the symbol is the "not found" symbol.  A nil *Symbol
// is also null.
func (s *Symbol) IsNull() bool {
	if s == nil {
		return true
	}

	s.m.Lock()
	defer s.m.Unlock()

	return s.kind == symMaterialized && s.addr == 0
}

// Flags returns the flags of the symbol
func (s *Symbol) Flags() Flags {
	s.m.Lock()
	defer s.m.Unlock()

	return s.flags
}

// Address returns the address of the symbol, materializing it if necessary.
// A successful materialization is memoised and the deferred function dropped;
// a failed one is returned without memoising so the next call tries again.
// Calling Address on an errored symbol is a programmer error: use TakeError.
func (s *Symbol) Address() (TargetAddress, error) {
	s.m.Lock()
	defer s.m.Unlock()

	switch s.kind {
	case symMaterialized:
		return s.addr, nil
	case symDeferred:
		addr, err := s.getAddr()
		if err != nil {
			return 0, err
		}

		s.kind = symMaterialized
		s.addr = addr
		s.getAddr = nil
		return addr, nil
	default:
		panic(fmt.Sprintf("jitsym: Address called on errored symbol: %v", s.err))
	}
}

// TakeError extracts the error from an errored symbol, converting it into a
// null symbol.  It returns nil for symbols that do not carry an error so that
// callers can tell "not found" apart from "lookup failed".
func (s *Symbol) TakeError() error {
	if s == nil {
		return nil
	}

	s.m.Lock()
	defer s.m.Unlock()

	if s.kind != symErrored {
		return nil
	}

	err := s.err
	s.kind = symMaterialized
	s.err = nil
	s.flags = FlagNone
	s.addr = 0
	return err
}

// Evaluate materializes the symbol and returns it as an evaluated symbol
func (s *Symbol) Evaluate() (EvaluatedSymbol, error) {
	if err := s.TakeError(); err != nil {
		return EvaluatedSymbol{}, err
	}

	addr, err := s.Address()
	if err != nil {
		return EvaluatedSymbol{}, err
	}

	return EvaluatedSymbol{Address: addr, Flags: s.Flags()}, nil
}

// ErrSymbolNotFound is returned by Evaluate-style helpers when a symbol is null
var ErrSymbolNotFound = errors.New("symbol not found")
