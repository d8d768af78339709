package elkvm

import (
	"fmt"
	"unsafe"
)

// AuxVal is one auxv entry (type/value pair), e.g. AT_PAGESZ, AT_ENTRY.
type AuxVal struct {
	Type  uint64
	Value uint64
}

// Environment is the region holding argv/envp string bodies, filled
// top-down so strings grow toward the region's base while the pointer
// arrays referencing them are pushed onto the stack separately (spec
// §4.5). Only pointers ever live on the stack; string bytes live here.
type Environment struct {
	region *Region
	cursor uint64 // bytes already claimed, counting down from region.Size
}

// NewEnvironment creates an environment block backed by region, which
// must already have its GuestVirt assigned.
func NewEnvironment(region *Region) *Environment {
	return &Environment{region: region}
}

// WriteString copies a NUL-terminated C string into the block, returning
// its guest-virtual address. Strings are placed back-to-front starting
// from the top of the region, so successive calls walk toward the base.
func (e *Environment) WriteString(s string) (uint64, error) {
	data := make([]byte, len(s)+1)
	copy(data, s)

	n := uint64(len(data))
	if e.cursor+n > e.region.Size {
		return 0, fmt.Errorf("environment block exhausted writing %q: %w", s, ErrNoMemory)
	}
	e.cursor += n
	hostOff := e.region.Size - e.cursor

	dst := unsafe.Slice((*byte)(unsafe.Pointer(e.region.HostBase+uintptr(hostOff))), int(n))
	copy(dst, data)

	return e.region.GuestVirt + hostOff, nil
}

// Remaining reports how many bytes are still free for string bodies.
func (e *Environment) Remaining() uint64 { return e.region.Size - e.cursor }
