package elkvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapping is a guest-virtual interval with its protection and backing, per
// spec §3. Its guest-virtual pages are always backed by one or more
// Regions concatenated in order; more than one Region occurs only after
// mremap grows a mapping without being able to extend its original
// backing region in place.
type Mapping struct {
	GuestAddr uint64
	Length    uint64
	Prot      int
	Flags     int
	FD        int
	Offset    int64
	Anonymous bool
	Regions   []*Region
}

func (m *Mapping) end() uint64 { return m.GuestAddr + m.Length }

func (m *Mapping) overlaps(addr, length uint64) bool {
	return addr < m.end() && addr+length > m.GuestAddr
}

func protToOptions(prot int) MapOptions {
	return MapOptions{
		Writable: prot&unix.PROT_WRITE != 0,
		Exec:     prot&unix.PROT_EXEC != 0,
	}
}

// PreadFunc fills a host buffer from a file descriptor at a given offset,
// for file-backed mmap. The embedder supplies the actual syscall (it is
// one of the pass-through handlers, spec §6's "host syscall adapter
// functions").
type PreadFunc func(fd int, p []byte, off int64) (int, error)

// MmapHooks lets an embedder observe or rewrite a mapping around install
// time, per spec §4.4.
type MmapHooks struct {
	// Before may return a different Mapping (different GuestAddr, Length
	// or Prot) to use instead of the proposed one. A nil return keeps
	// the proposal unchanged.
	Before func(proposed *Mapping) *Mapping
	// After observes the finished, installed mapping.
	After func(installed *Mapping)
}

// MappingSet tracks every live guest-virtual mapping for one VM: the
// mmap/munmap/mprotect/mremap family is implemented against it. The
// program break is not part of it; Heap (heap.go) manages the break on
// its own. Live mappings are pairwise disjoint in guest-virtual space
// (spec §3 invariant).
type MappingSet struct {
	pager   *Pager
	regions *RegionAllocator
	pread   PreadFunc
	hooks   MmapHooks
	log     Logger

	mmapBase uint64 // next free slot to grow the arena from
	mappings []*Mapping
}

// NewMappingSet creates a mapping set whose non-fixed allocations grow
// upward from mmapBase.
func NewMappingSet(pager *Pager, regions *RegionAllocator, mmapBase uint64, pread PreadFunc, hooks MmapHooks, log Logger) *MappingSet {
	if log == nil {
		log = discardLogger{}
	}
	return &MappingSet{
		pager:    pager,
		regions:  regions,
		pread:    pread,
		hooks:    hooks,
		log:      log,
		mmapBase: mmapBase,
	}
}

// Mappings returns every live mapping, in the order they were recorded
// (not sorted by guest address).
func (s *MappingSet) Mappings() []*Mapping { return s.mappings }

// FindMapping returns the live mapping containing addr, or nil.
func (s *MappingSet) FindMapping(addr uint64) *Mapping {
	for _, m := range s.mappings {
		if addr >= m.GuestAddr && addr < m.end() {
			return m
		}
	}
	return nil
}

// Mmap implements spec §4.4's mmap algorithm.
func (s *MappingSet) Mmap(addr, length uint64, prot, flags, fd int, off int64) (uint64, error) {
	length = roundUpPage(length)
	if length == 0 {
		return 0, fmt.Errorf("zero-length mmap: %w", ErrInvalidArgument)
	}

	fixed := flags&unix.MAP_FIXED != 0
	anon := flags&unix.MAP_ANONYMOUS != 0

	guestAddr := addr
	if fixed {
		if err := s.unmapOverlap(addr, length); err != nil {
			return 0, err
		}
	} else {
		guestAddr = s.mmapBase
	}

	proposed := &Mapping{
		GuestAddr: guestAddr,
		Length:    length,
		Prot:      prot,
		Flags:     flags,
		FD:        fd,
		Offset:    off,
		Anonymous: anon,
	}

	if s.hooks.Before != nil {
		if rewritten := s.hooks.Before(proposed); rewritten != nil {
			rewritten.Length = roundUpPage(rewritten.Length)
			proposed = rewritten
		}
	}

	m, err := s.install(proposed)
	if err != nil {
		return 0, err
	}

	if !fixed {
		s.mmapBase = m.end()
	}
	s.mappings = append(s.mappings, m)

	if s.hooks.After != nil {
		s.hooks.After(m)
	}

	return m.GuestAddr, nil
}

// install allocates backing regions for m, installs page table entries
// for every page at the requested protection, and fills file-backed
// pages via pread.
func (s *MappingSet) install(m *Mapping) (*Mapping, error) {
	region, err := s.regions.Allocate(m.Length)
	if err != nil {
		return nil, err
	}
	region.GuestVirt = m.GuestAddr
	m.Regions = []*Region{region}

	opts := protToOptions(m.Prot)
	for pageOff := uint64(0); pageOff < m.Length; pageOff += pageSize {
		hostP := unsafe.Pointer(region.HostBase + uintptr(pageOff))
		if err := s.pager.MapUser(hostP, m.GuestAddr+pageOff, opts); err != nil {
			return nil, err
		}
	}

	if !m.Anonymous && s.pread != nil {
		buf := unsafe.Slice((*byte)(unsafe.Pointer(region.HostBase)), int(m.Length))
		if _, err := s.pread(m.FD, buf, m.Offset); err != nil {
			return nil, fmt.Errorf("fill file-backed mapping: %v: %w", err, ErrHostCallFailure)
		}
	}

	return m, nil
}

// unmapOverlap clears any existing mapping overlapping [addr, addr+length)
// before a MAP_FIXED install claims that range.
func (s *MappingSet) unmapOverlap(addr, length uint64) error {
	for _, m := range s.overlapping(addr, length) {
		if err := s.Munmap(m.GuestAddr, m.Length); err != nil {
			return err
		}
	}
	return nil
}

func (s *MappingSet) overlapping(addr, length uint64) []*Mapping {
	var out []*Mapping
	for _, m := range s.mappings {
		if m.overlaps(addr, length) {
			out = append(out, m)
		}
	}
	return out
}

func (s *MappingSet) removeMapping(m *Mapping) {
	for i, cur := range s.mappings {
		if cur == m {
			s.mappings = append(s.mappings[:i], s.mappings[i+1:]...)
			return
		}
	}
}

// Mprotect implements spec §4.4's mprotect: an exact match mutates prot in
// place; otherwise the mapping is split and the new prot applies only to
// the middle.
func (s *MappingSet) Mprotect(addr, length uint64, prot int) error {
	length = roundUpPage(length)
	m := s.FindMapping(addr)
	if m == nil {
		return fmt.Errorf("mprotect: no mapping at 0x%x: %w", addr, ErrInvalidArgument)
	}

	if m.GuestAddr == addr && m.Length == length {
		return s.reprotect(m, prot)
	}

	prefix, middle, suffix, err := s.splitMapping(m, addr, length, false)
	if err != nil {
		return err
	}
	s.removeMapping(m)
	if prefix != nil {
		s.mappings = append(s.mappings, prefix)
	}
	s.mappings = append(s.mappings, middle)
	if suffix != nil {
		s.mappings = append(s.mappings, suffix)
	}
	return s.reprotect(middle, prot)
}

func (s *MappingSet) reprotect(m *Mapping, prot int) error {
	opts := protToOptions(prot)
	for pageOff := uint64(0); pageOff < m.Length; pageOff += pageSize {
		if err := s.pager.SetProtection(m.GuestAddr+pageOff, opts); err != nil {
			return err
		}
	}
	m.Prot = prot
	return nil
}

// splitMapping divides m into up to three mappings: the portion before
// addr, the portion [addr, addr+length), and the portion after. prefix
// and/or suffix are nil when addr/addr+length coincide with m's bounds.
// Region slicing happens on whichever region(s) straddle the split
// points; mappings grown by mremap (multiple Regions) are split along
// region boundaries in the same pass. When freeEnds is true, the prefix
// and suffix pieces of any straddled region are returned to the free list
// instead of being kept, so the returned prefix/suffix Mappings hold only
// regions lying wholly outside the split range; when false they stay
// live, owned by the prefix/suffix Mapping this call returns. Both munmap
// and mprotect pass false, since their prefix and suffix stay mapped.
func (s *MappingSet) splitMapping(m *Mapping, addr, length uint64, freeEnds bool) (prefix, middle, suffix *Mapping, err error) {
	splitStart := addr - m.GuestAddr
	splitEnd := splitStart + length

	var prefixRegions, middleRegions, suffixRegions []*Region
	var cursor uint64
	for _, r := range m.Regions {
		rStart, rEnd := cursor, cursor+r.Size
		cursor = rEnd

		switch {
		case rEnd <= splitStart:
			prefixRegions = append(prefixRegions, r)
		case rStart >= splitEnd:
			suffixRegions = append(suffixRegions, r)
		case rStart >= splitStart && rEnd <= splitEnd:
			middleRegions = append(middleRegions, r)
		default:
			// r straddles one or both split points; slice it.
			lo := uint64(0)
			if splitStart > rStart {
				lo = splitStart - rStart
			}
			hi := r.Size
			if splitEnd < rEnd {
				hi = splitEnd - rStart
			}
			pre, center, suf, serr := s.regions.SliceCenter(r, lo, hi-lo)
			if serr != nil {
				return nil, nil, nil, serr
			}
			if pre != nil {
				if freeEnds {
					s.regions.Free(pre)
				} else {
					prefixRegions = append(prefixRegions, pre)
				}
			}
			middleRegions = append(middleRegions, center)
			if suf != nil {
				if freeEnds {
					s.regions.Free(suf)
				} else {
					suffixRegions = append(suffixRegions, suf)
				}
			}
		}
	}

	if len(prefixRegions) > 0 {
		prefix = &Mapping{
			GuestAddr: m.GuestAddr,
			Length:    splitStart,
			Prot:      m.Prot,
			Flags:     m.Flags,
			FD:        m.FD,
			Offset:    m.Offset,
			Anonymous: m.Anonymous,
			Regions:   prefixRegions,
		}
	}
	middle = &Mapping{
		GuestAddr: m.GuestAddr + splitStart,
		Length:    length,
		Prot:      m.Prot,
		Flags:     m.Flags,
		FD:        m.FD,
		Offset:    m.Offset,
		Anonymous: m.Anonymous,
		Regions:   middleRegions,
	}
	if len(suffixRegions) > 0 {
		suffix = &Mapping{
			GuestAddr: m.GuestAddr + splitEnd,
			Length:    m.Length - splitEnd,
			Prot:      m.Prot,
			Flags:     m.Flags,
			FD:        m.FD,
			Offset:    m.Offset,
			Anonymous: m.Anonymous,
			Regions:   suffixRegions,
		}
	}
	return prefix, middle, suffix, nil
}

// Munmap implements spec §4.4's munmap.
func (s *MappingSet) Munmap(addr, length uint64) error {
	length = roundUpPage(length)
	for _, m := range s.overlapping(addr, length) {
		if err := s.munmapOne(m, addr, length); err != nil {
			return err
		}
	}
	return nil
}

func (s *MappingSet) munmapOne(m *Mapping, addr, length uint64) error {
	lo := addr
	if lo < m.GuestAddr {
		lo = m.GuestAddr
	}
	hi := addr + length
	if hi > m.end() {
		hi = m.end()
	}

	for p := lo; p < hi; p += pageSize {
		if err := s.pager.Unmap(p); err != nil {
			return err
		}
	}

	fullyCovered := lo == m.GuestAddr && hi == m.end()
	if fullyCovered {
		for _, r := range m.Regions {
			s.regions.Free(r)
		}
		s.removeMapping(m)
		return nil
	}

	prefix, middle, suffix, err := s.splitMapping(m, lo, hi-lo, false)
	if err != nil {
		return err
	}
	for _, r := range middle.Regions {
		s.regions.Free(r)
	}
	s.removeMapping(m)
	if prefix != nil {
		s.mappings = append(s.mappings, prefix)
	}
	if suffix != nil {
		s.mappings = append(s.mappings, suffix)
	}
	// the middle piece (the unmapped range) is simply dropped: its
	// regions were returned to the free lists by the loop above.
	return nil
}

// Mremap implements spec §4.4's mremap. Shrinking behaves as a partial
// munmap; growing in place is attempted by allocating the additional
// pages as an appended Region; if that's not possible and
// MAP_MAYMOVE-equivalent flags permit, a fresh mapping of newSize is
// allocated, the old pages are copied across, and the original is
// unmapped. Per spec §9, a failed best-effort move returns ErrNoMemory
// rather than attempting to recover the old mapping's exact state.
func (s *MappingSet) Mremap(oldAddr, oldSize, newSize uint64, mayMove bool, fixed bool, newAddr uint64) (uint64, error) {
	oldSize = roundUpPage(oldSize)
	newSize = roundUpPage(newSize)

	m := s.FindMapping(oldAddr)
	if m == nil || m.Length != oldSize {
		return 0, fmt.Errorf("mremap: no mapping of matching size at 0x%x: %w", oldAddr, ErrInvalidArgument)
	}

	if newSize <= oldSize {
		if newSize < oldSize {
			if err := s.Munmap(oldAddr+newSize, oldSize-newSize); err != nil {
				return 0, err
			}
		}
		return oldAddr, nil
	}

	extra := newSize - oldSize
	if !fixed {
		// Try to grow in place: only possible if nothing is currently
		// mapped in the extension range.
		if len(s.overlapping(oldAddr+oldSize, extra)) == 0 {
			region, err := s.regions.Allocate(extra)
			if err == nil {
				region.GuestVirt = oldAddr + oldSize
				opts := protToOptions(m.Prot)
				ok := true
				for pageOff := uint64(0); pageOff < extra; pageOff += pageSize {
					hostP := unsafe.Pointer(region.HostBase + uintptr(pageOff))
					if err := s.pager.MapUser(hostP, region.GuestVirt+pageOff, opts); err != nil {
						ok = false
						break
					}
				}
				if ok {
					m.Regions = append(m.Regions, region)
					m.Length = newSize
					return oldAddr, nil
				}
				s.regions.Free(region)
			}
		}
	}

	if !mayMove {
		return 0, fmt.Errorf("mremap: cannot grow in place and move not permitted: %w", ErrNoMemory)
	}

	dest := newAddr
	flags := m.Flags
	if fixed {
		flags |= unix.MAP_FIXED
	} else {
		flags &^= unix.MAP_FIXED
	}
	newG, err := s.Mmap(dest, newSize, m.Prot, flags, m.FD, m.Offset)
	if err != nil {
		return 0, fmt.Errorf("mremap move: %w", err)
	}

	if err := s.copyPages(m.GuestAddr, newG, oldSize); err != nil {
		return 0, err
	}

	if err := s.Munmap(oldAddr, oldSize); err != nil {
		return 0, err
	}
	return newG, nil
}

func (s *MappingSet) copyPages(srcGuest, dstGuest, length uint64) error {
	for off := uint64(0); off < length; off += pageSize {
		src, err := s.pager.GuestVirtToHost(srcGuest + off)
		if err != nil || src == nil {
			return fmt.Errorf("mremap copy: source page 0x%x not present: %w", srcGuest+off, ErrNoMemory)
		}
		dst, err := s.pager.GuestVirtToHost(dstGuest + off)
		if err != nil || dst == nil {
			return fmt.Errorf("mremap copy: destination page 0x%x not present: %w", dstGuest+off, ErrNoMemory)
		}
		srcB := unsafe.Slice((*byte)(src), pageSize)
		dstB := unsafe.Slice((*byte)(dst), pageSize)
		copy(dstB, srcB)
	}
	return nil
}
