package elkvm

// Guest-virtual address space layout constants, per spec §4.5/§4.6 and the
// original's elkvm-internal.h / stack.h.
const (
	// linux64StackBase is where the initial user stack page sits; 64-bit
	// Linux conventionally puts the stack at the top of the canonical
	// lower half, here expressed the way the original's stack.h does.
	linux64StackBase uint64 = 0x0000_8000_0000_0000

	// kernelSpaceBottom is the lowest guest-virtual address MapKernel may
	// hand out; kernel-owned pages (flat blobs, kernel stack) live above
	// it, deliberately far from anything a user mmap/brk could reach.
	kernelSpaceBottom uint64 = 0xffff_8000_0000_0000

	// addressSpaceTop is the last valid canonical guest-virtual address.
	addressSpaceTop uint64 = 0xffff_ffff_ffff_ffff

	// defaultMmapBase is where New starts the mmap arena growing upward
	// from; Config has no field to override it.
	defaultMmapBase uint64 = 0x0000_7f00_0000_0000

	// defaultBrkBase is where the program break starts, well below
	// defaultMmapBase so heap growth never collides with the mmap arena.
	defaultBrkBase uint64 = 0x0000_0000_1000_0000

	// stackGrowIncrement is how much headroom HandlePageFault's stack
	// check expands by in one fault (one page, per spec §4.5).
	stackGrowIncrement uint64 = pageSize
)
