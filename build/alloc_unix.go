//go:build unix

package build

import "orcjit/memory"

func newMmapAllocator() (memory.Allocator, error) {
	return memory.NewMmapAllocator(), nil
}
