// Package memory provides the allocators object loaders place JIT code and
// data in.
package memory

import (
	"errors"
	"fmt"
	"orcjit/jitsym"
	"strings"
)

// Protection is the access permission bitmask of a block of memory
type Protection uint8

// Enumeration of protection bits
const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

func (p Protection) String() string {
	sb := strings.Builder{}
	for _, bit := range []struct {
		p Protection
		c byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&bit.p != 0 {
			sb.WriteByte(bit.c)
		} else {
			sb.WriteByte('-')
		}
	}

	return sb.String()
}

// Allocator hands out blocks of memory at target addresses.  Blocks start out
// readable and writable; loaders write their contents and then set the final
// protections.  Releasing an allocator frees every block it handed out.
type Allocator interface {
	// Allocate reserves a block of at least size bytes aligned to align
	Allocate(size, align uint64) (jitsym.TargetAddress, error)

	// SetProtections changes the permissions of the block starting at addr
	SetProtections(addr jitsym.TargetAddress, prot Protection) error

	// Write copies data into writable memory at addr
	Write(addr jitsym.TargetAddress, data []byte) error

	// Read copies size bytes out of readable memory at addr
	Read(addr jitsym.TargetAddress, size uint64) ([]byte, error)

	// Release frees every block.  The allocator cannot be used afterwards.
	Release() error
}

// ErrReleased is returned by allocators used after Release
var ErrReleased = errors.New("allocator has been released")

// PageSize is the granularity at which protections are applied
const PageSize = 4096

// MaxBlockSize is the largest block an allocator hands out
const MaxBlockSize = 1 << 30

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}

	return (v + align - 1) / align * align
}

func checkAlign(align uint64) error {
	if align != 0 && align&(align-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two", align)
	}

	if align > PageSize {
		return fmt.Errorf("alignment %d exceeds the page size", align)
	}

	return nil
}

func checkSize(size uint64) error {
	if size > MaxBlockSize {
		return fmt.Errorf("block of %d bytes exceeds the limit of %d", size, uint64(MaxBlockSize))
	}

	return nil
}

// inBounds reports whether [addr, addr+size) lies within the length bytes at
// start.  It is written so that no sum can wrap.
func inBounds(start jitsym.TargetAddress, length uint64, addr jitsym.TargetAddress, size uint64) bool {
	return addr >= start && size <= length && uint64(addr-start) <= length-size
}
