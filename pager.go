package elkvm

import (
	"fmt"
	"unsafe"
)

// Page table entry bits (x86-64, 4-level paging). Bit layout per spec §3:
// P(0), W(1), U(2), WT(3), CD(4), A(5), physical address in bits 12-51,
// NX(63).
const (
	ptePresent       uint64 = 1 << 0
	pteWrite         uint64 = 1 << 1
	pteUser          uint64 = 1 << 2
	pteWriteThrough  uint64 = 1 << 3
	pteCacheDisable  uint64 = 1 << 4
	pteAccessed      uint64 = 1 << 5
	pteAddrMask      uint64 = 0x000FFFFFFFFFF000
	pteNX            uint64 = 1 << 63
)

// pageTableAreaSize is the fixed reserve inside the system chunk that
// backs every level of page table (PML4, PDPT, PD, PT). 4 MiB holds the
// PML4 plus 1023 further 4 KiB tables, comfortably more than a modest
// guest address space needs.
const pageTableAreaSize = 4 << 20

// MapOptions configures the protection bits a mapping operation installs,
// per spec §4.2: Writable sets bit 1 on the leaf and its path; Exec
// clears NX on the leaf and its path; its absence sets NX. Leaf entries
// always carry the U/S bit (spec: "unconditionally user-accessible"; no
// kernel-mode bit is tracked).
type MapOptions struct {
	Writable bool
	Exec     bool
}

// PageFaultResult is returned by HandlePageFault.
type PageFaultResult struct {
	Handled bool
	Fatal   bool
}

// Pager implements the four-level (PML4 -> PDPT -> PD -> PT) x86-64 page
// table walker/mutator over a ChunkTable. All page tables live inside a
// fixed 4 MiB reserve at the start of the system chunk; intermediate
// tables are handed out from a monotonically advancing cursor and are
// never freed individually (they die with the chunk).
type Pager struct {
	chunks *ChunkTable

	systemChunk *Chunk
	pml4Host    uintptr // host address of the PML4 table (table area + 0)

	nextFreeTable uintptr // host address of the next unused table slot
	tableAreaEnd  uintptr

	brkAddr uint64

	stackLow      uint64 // not maintained; Stack tracks the lowest user stack page
	stackHardCap  uint64 // recorded by SetStackHardCap; not read by stack growth
	stackHigh     uint64

	log Logger
}

// NewPager creates a pager whose tables live in the first pageTableAreaSize
// bytes of the system chunk (chunk slot 0). The caller must have already
// registered that chunk with the ChunkTable.
func NewPager(chunks *ChunkTable, systemChunk *Chunk, log Logger) (*Pager, error) {
	if systemChunk.Size < pageTableAreaSize {
		return nil, fmt.Errorf("system chunk too small for page tables (%d < %d): %w",
			systemChunk.Size, pageTableAreaSize, ErrInvalidArgument)
	}
	if log == nil {
		log = discardLogger{}
	}

	p := &Pager{
		chunks:       chunks,
		systemChunk:  systemChunk,
		pml4Host:     systemChunk.HostBase,
		tableAreaEnd: systemChunk.HostBase + pageTableAreaSize,
		stackHardCap: 8 << 20,
		log:          log,
	}
	// Zero the whole table area, then hand out the first page as PML4.
	zeroHostRange(p.pml4Host, pageTableAreaSize)
	p.nextFreeTable = p.pml4Host + pageSize

	return p, nil
}

func zeroHostRange(host uintptr, size uint64) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(host)), int(size))
	for i := range b {
		b[i] = 0
	}
}

// SetStackHardCap records a stack growth cap on the pager. The pager does
// not use the value: stack growth is bounded by the cap Stack.Grow reads
// from its own hardCap, which NewStack sets (8 MiB when given 0).
func (p *Pager) SetStackHardCap(bytes uint64) { p.stackHardCap = bytes }

// hostToGuestPhys translates a host pointer within a registered chunk to
// its guest physical address.
func (p *Pager) hostToGuestPhys(host uintptr) (uint64, error) {
	c := p.chunks.FindByHost(unsafe.Pointer(host))
	if c == nil {
		return 0, fmt.Errorf("host pointer 0x%x not in any chunk: %w", host, ErrInvalidArgument)
	}
	return c.GuestPhysBase + uint64(host-c.HostBase), nil
}

// guestPhysToHost translates a guest physical address to a host pointer
// within its owning chunk.
func (p *Pager) guestPhysToHost(gphys uint64) (uintptr, error) {
	c := p.chunks.FindByGuestPhys(gphys)
	if c == nil {
		return 0, fmt.Errorf("guest physical 0x%x not in any chunk: %w", gphys, ErrInvalidArgument)
	}
	return c.HostBase + uintptr(gphys-c.GuestPhysBase), nil
}

// entryExists reports whether the page-table entry pointed to by e is
// present.
func entryExists(e *uint64) bool {
	return e != nil && *e&ptePresent != 0
}

// tableEntry returns a pointer to entry index (0-511) of the 4 KiB table
// whose host base address is tableHost.
func tableEntry(tableHost uintptr, index uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(tableHost + uintptr(index)*8))
}

// walkOffsets splits a 48-bit canonical guest-virtual address into its
// four 9-bit table indices, most significant (PML4) first.
func walkOffsets(guestVirt uint64) [4]uint64 {
	var off [4]uint64
	low, high := 39, 47
	for i := 0; i < 4; i++ {
		off[i] = (guestVirt << (63 - high)) >> ((63 - high) + low)
		low -= 9
		high -= 9
	}
	return off
}

// createEntry installs an entry pointing at guestPhysTarget (a table at
// levels 2-4, a page at level 1) with the protection implied by opts. It
// overwrites *e entirely, so it can narrow as well as widen (SetProtection
// relies on this); existing intermediate entries are widened through
// widenIntermediate instead.
func createEntry(e *uint64, guestPhysTarget uint64, opts MapOptions) {
	v := guestPhysTarget & pteAddrMask
	v |= pteUser // leaf and intermediate entries are unconditionally user-accessible
	if opts.Writable {
		v |= pteWrite
	}
	if !opts.Exec {
		v |= pteNX
	}
	v |= ptePresent
	*e = v
}

// widenIntermediate adjusts an existing intermediate (level 2-4) entry so
// it does not block a request that needs write or execute access through
// it: clears NX if the walk needs Exec, sets W if the walk needs
// Writable. It never narrows.
func widenIntermediate(e *uint64, opts MapOptions) {
	if opts.Writable && *e&pteWrite == 0 {
		*e |= pteWrite
	}
	if opts.Exec && *e&pteNX != 0 {
		*e &^= pteNX
	}
}

// allocTable carves the next 4 KiB table out of the reserved table area
// and zeroes it, returning its host address. It never fails once the
// system chunk has been sized per spec (callers that exhaust the 4 MiB
// reserve get ErrNoMemory, which should not happen for any reasonable
// guest address space).
func (p *Pager) allocTable() (uintptr, error) {
	if p.nextFreeTable+pageSize > p.tableAreaEnd {
		return 0, fmt.Errorf("page table reserve exhausted: %w", ErrNoMemory)
	}
	t := p.nextFreeTable
	p.nextFreeTable += pageSize
	zeroHostRange(t, pageSize)
	return t, nil
}

// Walk returns a pointer to the level-1 (page table) entry governing
// guestVirt, creating missing intermediate tables (and, if create and the
// leaf itself is missing, leaving it absent for the caller to fill in)
// when create is set. Intermediate entries are widened, never narrowed,
// to satisfy opts.
func (p *Pager) Walk(guestVirt uint64, opts MapOptions, create bool) (*uint64, error) {
	offs := walkOffsets(guestVirt)
	tableHost := p.pml4Host

	var entry *uint64
	for i := 0; i < 4; i++ {
		entry = tableEntry(tableHost, offs[i])

		if !entryExists(entry) {
			if !create {
				return nil, nil
			}
			if i < 3 {
				next, err := p.allocTable()
				if err != nil {
					return nil, err
				}
				nextPhys, err := p.hostToGuestPhys(next)
				if err != nil {
					return nil, err
				}
				createEntry(entry, nextPhys, opts)
			}
		} else if i < 3 {
			widenIntermediate(entry, opts)
		}

		if i < 3 {
			nextPhys := *entry & pteAddrMask
			next, err := p.guestPhysToHost(nextPhys)
			if err != nil {
				return nil, err
			}
			tableHost = next
		}
	}

	return entry, nil
}

// MapUser installs a guest-virtual mapping for guestVirt pointing at host
// page hostP, with the given protection. Re-mapping the same (host,
// guest) pair with matching physical bits is a no-op; mapping the same
// guest-virtual page to a different physical page is an error (spec
// §4.2's "may not be mapped twice with different physical pages").
func (p *Pager) MapUser(hostP unsafe.Pointer, guestVirt uint64, opts MapOptions) error {
	if guestVirt%pageSize != 0 {
		return fmt.Errorf("guest virtual 0x%x not page aligned: %w", guestVirt, ErrInvalidArgument)
	}
	guestPhys, err := p.hostToGuestPhys(uintptr(hostP))
	if err != nil {
		return err
	}

	entry, err := p.Walk(guestVirt, opts, true)
	if err != nil {
		return err
	}

	if entryExists(entry) {
		if *entry&pteAddrMask != guestPhys&pteAddrMask {
			return fmt.Errorf("guest virtual 0x%x already mapped to a different page: %w",
				guestVirt, ErrInvalidArgument)
		}
		// Flags are not re-verified here; see spec §9 open question.
		return nil
	}

	createEntry(entry, guestPhys, opts)
	return nil
}

// SetProtection rewrites the leaf entry for an already-present guestVirt
// to the protection implied by opts, without changing the physical page
// it targets. Used by mprotect, which (unlike MapUser) is explicitly
// allowed to narrow a mapping's permissions.
func (p *Pager) SetProtection(guestVirt uint64, opts MapOptions) error {
	entry, err := p.Walk(guestVirt, opts, false)
	if err != nil {
		return err
	}
	if !entryExists(entry) {
		return fmt.Errorf("mprotect: guest virtual 0x%x not mapped: %w", guestVirt, ErrInvalidArgument)
	}
	phys := *entry & pteAddrMask
	createEntry(entry, phys, opts)
	return nil
}

// MapKernel assigns the next free guest-virtual page in the kernel half
// to host page hostP and installs it, returning the guest-virtual address
// chosen. Used for flat kernel blobs and other host-owned pages that need
// a guest address but aren't part of user mmap/brk bookkeeping.
func (p *Pager) MapKernel(hostP unsafe.Pointer, opts MapOptions) (uint64, error) {
	guestPhys, err := p.hostToGuestPhys(uintptr(hostP))
	if err != nil {
		return 0, err
	}

	guestVirt := (kernelSpaceBottom &^ (pageSize - 1)) | (guestPhys & (pageSize - 1))
	for {
		entry, err := p.Walk(guestVirt, opts, true)
		if err != nil {
			return 0, err
		}
		if !entryExists(entry) {
			createEntry(entry, guestPhys, opts)
			return guestVirt, nil
		}
		guestVirt += pageSize
	}
}

// Unmap clears the level-1 entry for guestVirt, if present. It does not
// free the intermediate tables (they are never freed individually; see
// allocTable).
func (p *Pager) Unmap(guestVirt uint64) error {
	entry, err := p.Walk(guestVirt, MapOptions{}, false)
	if err != nil {
		return err
	}
	if entry != nil {
		*entry = 0
	}
	return nil
}

// HostToGuestPhys exposes the chunk-relative translation used throughout
// the pager; kept public for callers (e.g. the VCPU) that need to program
// CR3 or similar guest-physical fields.
func (p *Pager) HostToGuestPhys(hostP unsafe.Pointer) (uint64, error) {
	return p.hostToGuestPhys(uintptr(hostP))
}

// GuestVirtToHost returns the host pointer currently backing guestVirt,
// or nil if the page is not present.
func (p *Pager) GuestVirtToHost(guestVirt uint64) (unsafe.Pointer, error) {
	entry, err := p.Walk(guestVirt, MapOptions{}, false)
	if err != nil {
		return nil, err
	}
	if !entryExists(entry) {
		return nil, nil
	}
	guestPhys := (*entry & pteAddrMask) | (guestVirt & (pageSize - 1))
	host, err := p.guestPhysToHost(guestPhys)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(host), nil
}

// SetBrk records a program break value on the pager, returned by Brk. The
// heap manager (heap.go) keeps its own break, answers brk(0) from it, and
// owns the mapping/unmapping side effects of moving it.
func (p *Pager) SetBrk(addr uint64) { p.brkAddr = addr }

// Brk returns the last value recorded by SetBrk.
func (p *Pager) Brk() uint64 { return p.brkAddr }

// HandlePageFault adjudicates a #PF: stack expansion and lazy mapping are
// resolved transparently (Handled=true); anything else is fatal.
// stackGrow and lazyFill are supplied by the stack and mapping layers
// respectively, since the pager itself has no notion of "the current
// stack" or "a lazily-filled mapping" - it only owns the page tables.
func (p *Pager) HandlePageFault(pfla uint64, errCode uint32, stackGrow func(uint64) (bool, error), lazyFill func(uint64) (bool, error)) (PageFaultResult, error) {
	isWrite := errCode&0x2 != 0

	if isWrite && stackGrow != nil {
		ok, err := stackGrow(pfla)
		if err != nil {
			return PageFaultResult{}, err
		}
		if ok {
			return PageFaultResult{Handled: true}, nil
		}
	}

	if lazyFill != nil {
		ok, err := lazyFill(pfla)
		if err != nil {
			return PageFaultResult{}, err
		}
		if ok {
			return PageFaultResult{Handled: true}, nil
		}
	}

	return PageFaultResult{Fatal: true}, nil
}

// DumpPageTables renders the full PML4 -> PT tree at Debug level, mirroring
// the original's kvm_pager_dump_table/kvm_pager_dump_tables.
func (p *Pager) DumpPageTables() {
	p.dumpTable(p.pml4Host, 4)
}

func (p *Pager) dumpTable(host uintptr, level int) {
	if level < 1 {
		return
	}
	names := map[int]string{4: "PML4", 3: "PDPT", 2: "PD", 1: "PT"}
	p.log.Debugf("%s at host 0x%x", names[level], host)

	var children []uintptr
	for i := uint64(0); i < 512; i++ {
		e := tableEntry(host, i)
		if *e&ptePresent == 0 {
			continue
		}
		phys := *e & pteAddrMask
		p.log.Debugf("  [%3d] P=%d W=%d U=%d A=%d NX=%d next=0x%011x",
			i, *e&ptePresent, (*e&pteWrite)>>1, (*e&pteUser)>>2,
			(*e&pteAccessed)>>5, (*e&pteNX)>>63, phys)
		if level > 1 {
			if h, err := p.guestPhysToHost(phys); err == nil {
				children = append(children, h)
			}
		}
	}
	for _, c := range children {
		p.dumpTable(c, level-1)
	}
}
