package memory

import (
	"fmt"
	"orcjit/jitsym"
	"sort"
	"sync"
)

// block is one allocation of a simulated address space
type block struct {
	start jitsym.TargetAddress
	data  []byte
	prot  Protection
}

func (b *block) contains(addr jitsym.TargetAddress, size uint64) bool {
	return inBounds(b.start, uint64(len(b.data)), addr, size)
}

// SimulatedAllocator lays blocks out in a fake address space starting at a
// base address.  Nothing is mapped: contents live in Go memory and
// protections are only checked, which makes it suitable for loading code that
// is inspected rather than run.
type SimulatedAllocator struct {
	m        sync.Mutex
	next     uint64
	blocks   []*block
	released bool
}

// NewSimulatedAllocator creates an allocator whose first block starts at base
func NewSimulatedAllocator(base jitsym.TargetAddress) *SimulatedAllocator {
	return &SimulatedAllocator{next: alignUp(uint64(base), PageSize)}
}

func (sa *SimulatedAllocator) Allocate(size, align uint64) (jitsym.TargetAddress, error) {
	if err := checkAlign(align); err != nil {
		return 0, err
	}

	if err := checkSize(size); err != nil {
		return 0, err
	}

	sa.m.Lock()
	defer sa.m.Unlock()

	if sa.released {
		return 0, ErrReleased
	}

	// every block gets its own pages so protections never overlap
	start := alignUp(sa.next, PageSize)
	pages := alignUp(size, PageSize)
	if pages == 0 {
		pages = PageSize
	}

	if start < sa.next || start+pages < start {
		return 0, fmt.Errorf("simulated address space exhausted at %s", jitsym.TargetAddress(sa.next))
	}

	sa.next = start + pages
	sa.blocks = append(sa.blocks, &block{
		start: jitsym.TargetAddress(start),
		data:  make([]byte, size),
		prot:  ProtRead | ProtWrite,
	})

	return jitsym.TargetAddress(start), nil
}

func (sa *SimulatedAllocator) SetProtections(addr jitsym.TargetAddress, prot Protection) error {
	sa.m.Lock()
	defer sa.m.Unlock()

	b, err := sa.findLocked(addr, 0)
	if err != nil {
		return err
	}

	if b.start != addr {
		return fmt.Errorf("%s is not the start of a block", addr)
	}

	b.prot = prot
	return nil
}

func (sa *SimulatedAllocator) Write(addr jitsym.TargetAddress, data []byte) error {
	sa.m.Lock()
	defer sa.m.Unlock()

	b, err := sa.findLocked(addr, uint64(len(data)))
	if err != nil {
		return err
	}

	if b.prot&ProtWrite == 0 {
		return fmt.Errorf("block at %s is not writable (%s)", b.start, b.prot)
	}

	copy(b.data[addr-b.start:], data)
	return nil
}

func (sa *SimulatedAllocator) Read(addr jitsym.TargetAddress, size uint64) ([]byte, error) {
	sa.m.Lock()
	defer sa.m.Unlock()

	b, err := sa.findLocked(addr, size)
	if err != nil {
		return nil, err
	}

	if b.prot&ProtRead == 0 {
		return nil, fmt.Errorf("block at %s is not readable (%s)", b.start, b.prot)
	}

	out := make([]byte, size)
	copy(out, b.data[addr-b.start:])
	return out, nil
}

func (sa *SimulatedAllocator) Release() error {
	sa.m.Lock()
	defer sa.m.Unlock()

	if sa.released {
		return ErrReleased
	}

	sa.released = true
	sa.blocks = nil
	return nil
}

// Protections returns the protections of the block containing addr
func (sa *SimulatedAllocator) Protections(addr jitsym.TargetAddress) (Protection, error) {
	sa.m.Lock()
	defer sa.m.Unlock()

	b, err := sa.findLocked(addr, 0)
	if err != nil {
		return 0, err
	}

	return b.prot, nil
}

func (sa *SimulatedAllocator) findLocked(addr jitsym.TargetAddress, size uint64) (*block, error) {
	if sa.released {
		return nil, ErrReleased
	}

	// blocks are handed out in increasing address order
	i := sort.Search(len(sa.blocks), func(i int) bool {
		return sa.blocks[i].start > addr
	})

	if i > 0 && sa.blocks[i-1].contains(addr, size) {
		return sa.blocks[i-1], nil
	}

	return nil, fmt.Errorf("%s (+%d) is outside every allocated block", addr, size)
}
