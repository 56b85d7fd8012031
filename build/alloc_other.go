//go:build !unix

package build

import (
	"errors"
	"orcjit/memory"
)

func newMmapAllocator() (memory.Allocator, error) {
	return nil, errors.New("the mmap allocator is only available on unix systems")
}
