//go:build unix

package memory

import (
	"fmt"
	"orcjit/jitsym"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator hands out real pages of the host process mapped with mmap.
// Code loaded through it can be executed once its block is made executable.
type MmapAllocator struct {
	m        sync.Mutex
	regions  map[jitsym.TargetAddress][]byte
	released bool
}

// NewMmapAllocator creates an allocator backed by anonymous private mappings
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{regions: make(map[jitsym.TargetAddress][]byte)}
}

func (ma *MmapAllocator) Allocate(size, align uint64) (jitsym.TargetAddress, error) {
	if err := checkAlign(align); err != nil {
		return 0, err
	}

	if err := checkSize(size); err != nil {
		return 0, err
	}

	ma.m.Lock()
	defer ma.m.Unlock()

	if ma.released {
		return 0, ErrReleased
	}

	length := alignUp(size, PageSize)
	if length == 0 {
		length = PageSize
	}

	region, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("mmap of %d bytes: %w", length, err)
	}

	addr := jitsym.TargetAddress(uintptr(unsafe.Pointer(&region[0])))
	ma.regions[addr] = region
	return addr, nil
}

func (ma *MmapAllocator) SetProtections(addr jitsym.TargetAddress, prot Protection) error {
	ma.m.Lock()
	defer ma.m.Unlock()

	if ma.released {
		return ErrReleased
	}

	region, ok := ma.regions[addr]
	if !ok {
		return fmt.Errorf("%s is not the start of a mapped region", addr)
	}

	if err := unix.Mprotect(region, unixProt(prot)); err != nil {
		return fmt.Errorf("mprotect %s to %s: %w", addr, prot, err)
	}

	return nil
}

func (ma *MmapAllocator) Write(addr jitsym.TargetAddress, data []byte) error {
	ma.m.Lock()
	defer ma.m.Unlock()

	region, offset, err := ma.findLocked(addr, uint64(len(data)))
	if err != nil {
		return err
	}

	copy(region[offset:], data)
	return nil
}

func (ma *MmapAllocator) Read(addr jitsym.TargetAddress, size uint64) ([]byte, error) {
	ma.m.Lock()
	defer ma.m.Unlock()

	region, offset, err := ma.findLocked(addr, size)
	if err != nil {
		return nil, err
	}

	out := make([]byte, size)
	copy(out, region[offset:])
	return out, nil
}

func (ma *MmapAllocator) Release() error {
	ma.m.Lock()
	defer ma.m.Unlock()

	if ma.released {
		return ErrReleased
	}

	ma.released = true

	var firstErr error
	for addr, region := range ma.regions {
		if err := unix.Munmap(region); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap %s: %w", addr, err)
		}
	}

	ma.regions = nil
	return firstErr
}

// findLocked returns the region containing [addr, addr+size) and the offset of
// addr into it.  Page permissions are enforced by the hardware, not here.
func (ma *MmapAllocator) findLocked(addr jitsym.TargetAddress, size uint64) ([]byte, uint64, error) {
	if ma.released {
		return nil, 0, ErrReleased
	}

	for start, region := range ma.regions {
		if inBounds(start, uint64(len(region)), addr, size) {
			return region, uint64(addr - start), nil
		}
	}

	return nil, 0, fmt.Errorf("%s (+%d) is outside every mapped region", addr, size)
}

func unixProt(prot Protection) int {
	var p int
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}

	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}

	if prot&ProtExec != 0 {
		p |= unix.PROT_EXEC
	}

	return p
}
