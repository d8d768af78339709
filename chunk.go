package elkvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSize = 0x1000

// defaultChunkSize is the size a new chunk is given when the region
// allocator runs out of free space and has to grow guest physical memory,
// absent a larger explicit request.
const defaultChunkSize = 16 << 20 // 16 MiB

// systemChunkSize is slot 0's fixed size: page tables (4 MiB reserve, see
// pager.go), descriptor tables, the kernel stack, and the flat blobs.
const systemChunkSize = 8 << 20 // 8 MiB

// Chunk is a host-allocated, page-aligned memory block registered with the
// hypervisor as a slice of contiguous guest physical RAM. Chunks partition
// guest physical address space starting at 0; slot 0 is the system chunk.
type Chunk struct {
	HostBase      uintptr
	GuestPhysBase uint64
	Size          uint64
	Slot          uint32
	Flags         uint32

	hostMem []byte // the mmap'd backing, kept to munmap on Remap/teardown
}

// HostPtr returns the host pointer for the start of the chunk.
func (c *Chunk) HostPtr() unsafe.Pointer { return unsafe.Pointer(c.HostBase) }

// Contains reports whether the host pointer p falls inside this chunk.
func (c *Chunk) Contains(p unsafe.Pointer) bool {
	addr := uintptr(p)
	return addr >= c.HostBase && addr < c.HostBase+uintptr(c.Size)
}

// ContainsGuestPhys reports whether the guest physical address pa falls
// inside this chunk.
func (c *Chunk) ContainsGuestPhys(pa uint64) bool {
	return pa >= c.GuestPhysBase && pa < c.GuestPhysBase+c.Size
}

// ChunkTable owns every chunk registered with the hypervisor for one VM.
// Appended order is preserved so slot numbers stay stable; chunks are
// never removed, only appended or, via Remap, replaced in place with a
// differently sized host allocation.
//
// Per the concurrency model (spec §5), the chunk table is owned by the
// single host thread driving the VM; it carries no internal lock. Callers
// must not invoke Remap concurrently with any other chunk-table access,
// and must resynchronize any region or page-table entry that referred to
// the old host base once Remap returns.
type ChunkTable struct {
	chunks    []*Chunk
	memRegion func(slot uint32, guestPhys, userAddr, size uint64, flags uint32) error
}

// NewChunkTable creates an empty chunk table. setUserMemoryRegion is
// invoked on every Add/Remap to register (or re-register) the chunk with
// KVM_SET_USER_MEMORY_REGION; the VM wires this to the VCPU/VM fd.
func NewChunkTable(setUserMemoryRegion func(slot uint32, guestPhys, userAddr, size uint64, flags uint32) error) *ChunkTable {
	return &ChunkTable{memRegion: setUserMemoryRegion}
}

// Add allocates a new page-aligned host memory block of size bytes,
// registers it as the next contiguous span of guest physical memory, and
// returns the new chunk. size must be a non-zero multiple of the page
// size.
func (t *ChunkTable) Add(size uint64) (*Chunk, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("chunk size 0x%x not page aligned: %w", size, ErrInvalidArgument)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap chunk of 0x%x bytes: %v: %w", size, err, ErrNoMemory)
	}

	var guestPhysBase uint64
	if n := len(t.chunks); n > 0 {
		last := t.chunks[n-1]
		guestPhysBase = last.GuestPhysBase + last.Size
	}

	slot := uint32(len(t.chunks))
	c := &Chunk{
		HostBase:      uintptr(unsafe.Pointer(&mem[0])),
		GuestPhysBase: guestPhysBase,
		Size:          size,
		Slot:          slot,
		hostMem:       mem,
	}

	if t.memRegion != nil {
		if err := t.memRegion(slot, c.GuestPhysBase, uint64(c.HostBase), c.Size, c.Flags); err != nil {
			unix.Munmap(mem)
			return nil, err
		}
	}

	t.chunks = append(t.chunks, c)
	return c, nil
}

// FindByHost returns the chunk containing host pointer p, or nil.
func (t *ChunkTable) FindByHost(p unsafe.Pointer) *Chunk {
	for _, c := range t.chunks {
		if c.Contains(p) {
			return c
		}
	}
	return nil
}

// FindByGuestPhys returns the chunk containing guest physical address pa,
// or nil.
func (t *ChunkTable) FindByGuestPhys(pa uint64) *Chunk {
	for _, c := range t.chunks {
		if c.ContainsGuestPhys(pa) {
			return c
		}
	}
	return nil
}

// Slot returns the chunk registered under the given slot number, or nil.
func (t *ChunkTable) Slot(slot uint32) *Chunk {
	for _, c := range t.chunks {
		if c.Slot == slot {
			return c
		}
	}
	return nil
}

// Count returns the number of registered chunks.
func (t *ChunkTable) Count() int { return len(t.chunks) }

// Iter returns every registered chunk in append order (stable slot order).
func (t *ChunkTable) Iter() []*Chunk {
	out := make([]*Chunk, len(t.chunks))
	copy(out, t.chunks)
	return out
}

// Remap releases the chunk's current host allocation and replaces it with
// a freshly mmap'd block of newSize bytes, re-registering it with the
// hypervisor under the same slot and guest-physical base. Every region
// and page-table entry that referred to the old host base is invalid
// until the caller resynchronizes them; Remap itself performs none of
// that bookkeeping.
func (t *ChunkTable) Remap(slot uint32, newSize uint64) error {
	if newSize == 0 || newSize%pageSize != 0 {
		return fmt.Errorf("chunk size 0x%x not page aligned: %w", newSize, ErrInvalidArgument)
	}
	c := t.Slot(slot)
	if c == nil {
		return fmt.Errorf("no chunk in slot %d: %w", slot, ErrInvalidArgument)
	}

	mem, err := unix.Mmap(-1, 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("mmap chunk of 0x%x bytes: %v: %w", newSize, err, ErrNoMemory)
	}

	old := c.hostMem
	c.hostMem = mem
	c.HostBase = uintptr(unsafe.Pointer(&mem[0]))
	c.Size = newSize

	if t.memRegion != nil {
		if err := t.memRegion(c.Slot, c.GuestPhysBase, uint64(c.HostBase), c.Size, c.Flags); err != nil {
			return err
		}
	}

	if old != nil {
		unix.Munmap(old)
	}
	return nil
}
