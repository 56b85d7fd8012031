// Package jitsym contains the value types shared by every layer of the JIT:
// target addresses, symbol flags, evaluated and deferred symbols, the
// resolver capability handed to object loaders and the symbol string pool.
package jitsym

import (
	"fmt"
	"strings"
)

// TargetAddress is an address in the process the JIT is emitting code into
type TargetAddress uint64

// SkipRelocation is the address a resolver returns to tell the object loader
// that it should not apply relocations against a symbol: the caller patches
// those sites itself.
const SkipRelocation = ^TargetAddress(0)

func (ta TargetAddress) String() string {
	return fmt.Sprintf("0x%016x", uint64(ta))
}

// Flags is the bit set of properties attached to a symbol definition
type Flags uint8

// Enumeration of symbol flags
const (
	FlagNone     Flags = 0
	FlagHasError Flags = 1 << iota
	FlagWeak
	FlagCommon
	FlagAbsolute
	FlagExported
	FlagCallable
)

// HasError indicates that the owning symbol carries an error instead of an
// address.  No other flag is meaningful once this is set.
func (f Flags) HasError() bool {
	return f&FlagHasError != 0
}

func (f Flags) IsWeak() bool {
	return f&FlagWeak != 0
}

func (f Flags) IsCommon() bool {
	return f&FlagCommon != 0
}

func (f Flags) IsAbsolute() bool {
	return f&FlagAbsolute != 0
}

func (f Flags) IsExported() bool {
	return f&FlagExported != 0
}

func (f Flags) IsCallable() bool {
	return f&FlagCallable != 0
}

// IsStrongDefinition returns whether a definition with these flags would
// collide with any other definition of the same name
func (f Flags) IsStrongDefinition() bool {
	return !f.IsWeak() && !f.IsCommon()
}

// Without returns a copy of the flags with the given bits cleared
func (f Flags) Without(bits Flags) Flags {
	return f &^ bits
}

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagHasError, "error"},
	{FlagWeak, "weak"},
	{FlagCommon, "common"},
	{FlagAbsolute, "absolute"},
	{FlagExported, "exported"},
	{FlagCallable, "callable"},
}

func (f Flags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}

	if len(parts) == 0 {
		return "[]"
	}

	return "[" + strings.Join(parts, ", ") + "]"
}

// ParseFlags converts a list of flag names (as produced by String) back into
// a flag set.  It is used by the manifest loader.
func ParseFlags(names []string) (Flags, error) {
	var f Flags

outer:
	for _, name := range names {
		for _, fn := range flagNames {
			if fn.name == name {
				f |= fn.flag
				continue outer
			}
		}

		return 0, fmt.Errorf("unknown symbol flag `%s`", name)
	}

	return f, nil
}
