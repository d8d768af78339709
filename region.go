package elkvm

import (
	"fmt"
	"math/bits"
)

// numSizeClasses is the number of power-of-two free lists the allocator
// keeps, per spec §3: "index = clamp(ceil(log2(size/page)), 0, 15)".
const numSizeClasses = 16

// Region is a contiguous sub-range of a chunk. Guest-virtual address is
// assigned when the region is handed out to a mapping, not at creation;
// a freshly carved or freed region has GuestVirt == 0.
type Region struct {
	id        uint64
	Chunk     *Chunk
	HostBase  uintptr
	GuestVirt uint64
	Size      uint64
	Free      bool
}

// HostPtr returns the region's host base address, for callers that want
// to read/write its Size bytes directly (e.g. pread into a mapping's
// backing pages).
func (r *Region) HostPtr() uintptr { return r.HostBase }

func sizeClass(size uint64) int {
	pages := size / pageSize
	if pages == 0 {
		pages = 1
	}
	idx := bits.Len64(pages - 1) // ceil(log2(pages)): 0 for pages==1
	if idx > numSizeClasses-1 {
		idx = numSizeClasses - 1
	}
	return idx
}

// RegionAllocator carves free space out of chunks into sized regions
// (each live region has a single owner; no reference count is kept),
// keeping free regions on sixteen
// power-of-two-indexed free lists. Allocation is best-fit within a size
// class with carve-out slicing of larger regions; no coalescing is ever
// performed, trading fragmentation for O(1) amortized allocation.
type RegionAllocator struct {
	chunks    *ChunkTable
	freelists [numSizeClasses][]*Region
	allRegions []*Region
	nextID    uint64
}

// NewRegionAllocator creates an allocator over chunks. The caller is
// expected to have already added at least the system chunk; user chunks
// are added on demand as Allocate needs them.
func NewRegionAllocator(chunks *ChunkTable) *RegionAllocator {
	return &RegionAllocator{chunks: chunks}
}

// AdoptChunk registers an entire existing chunk as one free region,
// without using Allocate's chunk-growth path. Used once at VM setup time
// for the system chunk, whose page-table reserve is carved out by the
// pager directly rather than through the allocator.
func (a *RegionAllocator) AdoptChunk(c *Chunk, usableOffset uint64) {
	size := c.Size - usableOffset
	if size == 0 {
		return
	}
	r := &Region{
		id:       a.nextID,
		Chunk:    c,
		HostBase: c.HostBase + uintptr(usableOffset),
		Size:     size,
		Free:     true,
	}
	a.nextID++
	a.addFree(r)
}

func (a *RegionAllocator) addFree(r *Region) {
	r.Free = true
	r.GuestVirt = 0
	idx := sizeClass(r.Size)
	a.freelists[idx] = append(a.freelists[idx], r)
	a.allRegions = append(a.allRegions, r)
}

// Allocate returns a region of exactly size bytes (rounded up to the page
// size), slicing it out of the smallest sufficiently-large free region it
// can find. If no free region of a suitable class exists, a new chunk is
// added (sized max(defaultChunkSize, size)) and the allocation retried.
func (a *RegionAllocator) Allocate(size uint64) (*Region, error) {
	size = roundUpPage(size)
	if size == 0 {
		return nil, fmt.Errorf("zero-size allocation: %w", ErrInvalidArgument)
	}

	if r := a.takeFree(size); r != nil {
		return a.finishAllocate(r, size)
	}

	chunkSize := defaultChunkSize
	if size > uint64(chunkSize) {
		chunkSize = int(size)
	}
	c, err := a.chunks.Add(uint64(chunkSize))
	if err != nil {
		return nil, err
	}
	a.AdoptChunk(c, 0)

	r := a.takeFree(size)
	if r == nil {
		return nil, fmt.Errorf("allocation of 0x%x after chunk growth: %w", size, ErrNoMemory)
	}
	return a.finishAllocate(r, size)
}

// takeFree removes and returns the smallest free region of at least size
// bytes, searching from size's own class upward, or nil.
func (a *RegionAllocator) takeFree(size uint64) *Region {
	startClass := sizeClass(size)
	var best *Region
	var bestClass, bestIdx int

	for class := startClass; class < numSizeClasses; class++ {
		list := a.freelists[class]
		for i, r := range list {
			if r.Size < size {
				continue
			}
			if best == nil || r.Size < best.Size {
				best, bestClass, bestIdx = r, class, i
			}
		}
		if best != nil {
			break
		}
	}
	if best == nil {
		return nil
	}
	list := a.freelists[bestClass]
	a.freelists[bestClass] = append(list[:bestIdx], list[bestIdx+1:]...)
	return best
}

// finishAllocate slices r down to exactly size bytes, returning the
// remainder (if any) to the appropriate free list.
func (a *RegionAllocator) finishAllocate(r *Region, size uint64) (*Region, error) {
	if r.Size > size {
		remainder := &Region{
			id:       a.nextID,
			Chunk:    r.Chunk,
			HostBase: r.HostBase + uintptr(size),
			Size:     r.Size - size,
		}
		a.nextID++
		r.Size = size
		a.addFree(remainder)
	}
	r.Free = false
	return r, nil
}

// SliceBegin carves off the first n bytes of a live (non-free) region r,
// returning a new used region covering them and shrinking r in place to
// cover the remainder. Used by munmap/mprotect to discard or isolate a
// prefix of a mapping's backing region.
func (a *RegionAllocator) SliceBegin(r *Region, n uint64) (*Region, error) {
	if n == 0 || n >= r.Size {
		return nil, fmt.Errorf("slice_begin length 0x%x out of range for region of 0x%x: %w",
			n, r.Size, ErrInvalidArgument)
	}
	head := &Region{
		id:       a.nextID,
		Chunk:    r.Chunk,
		HostBase: r.HostBase,
		Size:     n,
		Free:     false,
	}
	a.nextID++
	a.allRegions = append(a.allRegions, head)

	r.HostBase += uintptr(n)
	r.Size -= n
	return head, nil
}

// SliceCenter splits r into three fresh regions: a prefix of length off, a
// center of length len at offset off, and a suffix covering the
// remainder (prefix and/or suffix are nil when off==0 or the center runs
// to the end of r). None of the three is placed on a free list - that
// decision belongs to the caller, since a center carved out for mprotect
// leaves its neighbors just as "used" as before, while one carved out to
// clear a munmap hole leaves them free. Host pointers inside any of the
// three remain stable; r itself is consumed and no longer denotes a live
// span once this returns.
func (a *RegionAllocator) SliceCenter(r *Region, off, length uint64) (prefix, center, suffix *Region, err error) {
	if length == 0 || off+length > r.Size {
		return nil, nil, nil, fmt.Errorf("slice_center [%d,%d) out of range for region of 0x%x: %w",
			off, off+length, r.Size, ErrInvalidArgument)
	}

	center = &Region{
		id:       a.nextID,
		Chunk:    r.Chunk,
		HostBase: r.HostBase + uintptr(off),
		Size:     length,
	}
	a.nextID++
	a.allRegions = append(a.allRegions, center)

	if off > 0 {
		prefix = &Region{
			id:       a.nextID,
			Chunk:    r.Chunk,
			HostBase: r.HostBase,
			Size:     off,
		}
		a.nextID++
		a.allRegions = append(a.allRegions, prefix)
	}
	tailOff := off + length
	if tailOff < r.Size {
		suffix = &Region{
			id:       a.nextID,
			Chunk:    r.Chunk,
			HostBase: r.HostBase + uintptr(tailOff),
			Size:     r.Size - tailOff,
		}
		a.nextID++
		a.allRegions = append(a.allRegions, suffix)
	}

	// r itself is fully consumed by the split; it no longer denotes a
	// live span (its prefix/suffix/center replace it in allRegions).
	r.Size = 0
	r.Free = false

	return prefix, center, suffix, nil
}

// Free returns a live region to its size-class free list. No coalescing
// with adjacent regions is performed.
func (a *RegionAllocator) Free(r *Region) {
	a.addFree(r)
}

// FindByHost returns the (live or free) region containing host pointer
// addr, or nil.
func (a *RegionAllocator) FindByHost(addr uintptr) *Region {
	for _, r := range a.allRegions {
		if r.Size == 0 {
			continue
		}
		if addr >= r.HostBase && addr < r.HostBase+uintptr(r.Size) {
			return r
		}
	}
	return nil
}

// FindByGuest returns the live region whose GuestVirt..+Size span
// contains addr, or nil. Free regions have no guest address and are
// never matched.
func (a *RegionAllocator) FindByGuest(addr uint64) *Region {
	for _, r := range a.allRegions {
		if r.Free || r.Size == 0 || r.GuestVirt == 0 {
			continue
		}
		if addr >= r.GuestVirt && addr < r.GuestVirt+r.Size {
			return r
		}
	}
	return nil
}

func roundUpPage(size uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}
