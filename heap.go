package elkvm

import (
	"fmt"
	"unsafe"
)

// Heap owns the program break: brk(2) grows or shrinks the guest's data
// segment by allocating or releasing regions and installing/removing the
// page table entries that back them. Per spec §3: brkBase <= brkCurrent
// always; per spec §4.4, brk(0) returns the current break without
// changing it.
//
// Unlike mmap/munmap/mprotect, the break is not tracked as a Mapping: it
// is a single contiguous, always-anonymous, always-writable range grown
// or shrunk from its tail, so it needs none of MappingSet's splitting
// machinery.
type Heap struct {
	pager   *Pager
	regions *RegionAllocator

	brkBase    uint64
	brkCurrent uint64
	backing    []*Region // regions covering [brkBase, mappedEnd()) in order
}

// NewHeap creates a heap whose break starts (empty) at brkBase, which
// must be page aligned.
func NewHeap(pager *Pager, regions *RegionAllocator, brkBase uint64) *Heap {
	return &Heap{
		pager:      pager,
		regions:    regions,
		brkBase:    brkBase,
		brkCurrent: brkBase,
	}
}

// Current returns the current program break without changing it.
func (h *Heap) Current() uint64 { return h.brkCurrent }

func (h *Heap) mappedEnd() uint64 {
	end := h.brkBase
	for _, r := range h.backing {
		end += r.Size
	}
	return end
}

// Brk implements spec §4.4's brk: req==0 returns the current break;
// otherwise pages are mapped or unmapped to realize the new break, which
// is recorded exactly as requested (mappedEnd only ever holds the
// page-rounded-up boundary, so brk(x); brk(0)==x holds even when x isn't
// page aligned).
func (h *Heap) Brk(req uint64) (uint64, error) {
	if req == 0 {
		return h.brkCurrent, nil
	}
	if req < h.brkBase {
		return 0, fmt.Errorf("brk request 0x%x below base 0x%x: %w", req, h.brkBase, ErrInvalidArgument)
	}

	target := roundUpPage(req - h.brkBase) + h.brkBase
	mappedEnd := h.mappedEnd()

	switch {
	case target > mappedEnd:
		if err := h.grow(target - mappedEnd); err != nil {
			return 0, err
		}
	case target < mappedEnd:
		if err := h.shrink(mappedEnd - target); err != nil {
			return 0, err
		}
	}

	h.brkCurrent = req
	return h.brkCurrent, nil
}

func (h *Heap) grow(by uint64) error {
	region, err := h.regions.Allocate(by)
	if err != nil {
		return err
	}
	region.GuestVirt = h.mappedEnd()

	opts := MapOptions{Writable: true}
	for off := uint64(0); off < by; off += pageSize {
		hostP := unsafe.Pointer(region.HostBase + uintptr(off))
		if err := h.pager.MapUser(hostP, region.GuestVirt+off, opts); err != nil {
			return err
		}
	}
	h.backing = append(h.backing, region)
	return nil
}

func (h *Heap) shrink(by uint64) error {
	remaining := by
	for remaining > 0 && len(h.backing) > 0 {
		last := h.backing[len(h.backing)-1]

		if last.Size <= remaining {
			for p := last.GuestVirt; p < last.GuestVirt+last.Size; p += pageSize {
				if err := h.pager.Unmap(p); err != nil {
					return err
				}
			}
			h.regions.Free(last)
			h.backing = h.backing[:len(h.backing)-1]
			remaining -= last.Size
			continue
		}

		keep := last.Size - remaining
		for p := last.GuestVirt + keep; p < last.GuestVirt+last.Size; p += pageSize {
			if err := h.pager.Unmap(p); err != nil {
				return err
			}
		}
		head, err := h.regions.SliceBegin(last, keep)
		if err != nil {
			return err
		}
		head.GuestVirt = last.GuestVirt
		h.regions.Free(last) // last now denotes the discarded tail
		h.backing[len(h.backing)-1] = head
		remaining = 0
	}

	if remaining > 0 {
		return fmt.Errorf("brk shrink past base: %w", ErrInvalidArgument)
	}
	return nil
}
