package elkvm

import (
	"fmt"
	"unsafe"
)

// defaultKernelStackSize is the fixed region used for ISR/syscall-entry
// execution, per spec §4.5's "fixed region in the system chunk".
const defaultKernelStackSize = 16 * pageSize

// defaultEnvironSize is how much space is reserved for argv/envp string
// bodies, directly below linux64StackBase. Twelve 4 KiB pages in the
// original; kept generous here since nothing else contends for that
// range.
const defaultEnvironSize = 16 * pageSize

// Stack owns the guest's user and kernel stacks. The user stack grows
// downward from userBase on demand, one page per fault, up to hardCap
// bytes total (spec §4.5; §9 records that the original enforces no cap
// at all, and this spec fixes 8 MiB as a safe, embedder-overridable
// default).
type Stack struct {
	pager   *Pager
	regions *RegionAllocator

	userBase uint64 // top of the user stack - strings/env region's guest base
	stackLow uint64 // lowest guest address currently backed by a page
	hardCap  uint64

	kernelBase uint64
	kernelSize uint64
}

// NewStack creates a stack manager with the given growth cap.
func NewStack(pager *Pager, regions *RegionAllocator, hardCap uint64) *Stack {
	if hardCap == 0 {
		hardCap = 8 << 20
	}
	return &Stack{pager: pager, regions: regions, hardCap: hardCap}
}

// InitKernelStack carves out the fixed kernel stack used by the ISR and
// syscall-entry trampolines and maps it writable, non-executable.
func (s *Stack) InitKernelStack() (uint64, error) {
	region, err := s.regions.Allocate(defaultKernelStackSize)
	if err != nil {
		return 0, err
	}

	base, err := s.pager.MapKernel(unsafe.Pointer(region.HostBase), MapOptions{Writable: true})
	if err != nil {
		return 0, err
	}
	region.GuestVirt = base

	opts := MapOptions{Writable: true}
	for off := uint64(pageSize); off < defaultKernelStackSize; off += pageSize {
		hostP := unsafe.Pointer(region.HostBase + uintptr(off))
		if err := s.pager.MapUser(hostP, base+off, opts); err != nil {
			return 0, err
		}
	}

	s.kernelBase = base
	s.kernelSize = defaultKernelStackSize
	return base + defaultKernelStackSize, nil // stack grows down from the top
}

// KernelBase returns the guest-virtual base of the kernel stack region.
func (s *Stack) KernelBase() uint64 { return s.kernelBase }

// InitUserStack reserves the environment block directly below
// linux64StackBase and maps it fully, leaving the stack proper (below the
// environment block) unmapped until the first push triggers growth. It
// returns the environment region for string writes and the initial RSP
// value (the environment block's guest base, matching the original's
// layout).
func (s *Stack) InitUserStack() (*Region, uint64, error) {
	region, err := s.regions.Allocate(defaultEnvironSize)
	if err != nil {
		return nil, 0, err
	}
	region.GuestVirt = linux64StackBase - defaultEnvironSize

	opts := MapOptions{Writable: true}
	for off := uint64(0); off < defaultEnvironSize; off += pageSize {
		hostP := unsafe.Pointer(region.HostBase + uintptr(off))
		if err := s.pager.MapUser(hostP, region.GuestVirt+off, opts); err != nil {
			return nil, 0, err
		}
	}

	s.userBase = region.GuestVirt
	s.stackLow = region.GuestVirt
	return region, s.userBase, nil
}

// IsStackExpansion reports whether pfla is the page immediately below the
// lowest currently-mapped user stack page - the only address range a
// write fault is allowed to transparently resolve by growing the stack.
func (s *Stack) IsStackExpansion(pfla uint64) bool {
	pfla &^= pageSize - 1
	return pfla == s.stackLow-pageSize
}

// Grow maps one additional page below the current lowest stack page,
// enforcing hardCap, and returns its region.
func (s *Stack) Grow() (*Region, error) {
	newLow := s.stackLow - pageSize
	if s.userBase-newLow > s.hardCap {
		return nil, fmt.Errorf("user stack would exceed %d byte cap: %w", s.hardCap, ErrNoMemory)
	}

	region, err := s.regions.Allocate(pageSize)
	if err != nil {
		return nil, err
	}
	region.GuestVirt = newLow

	if err := s.pager.MapUser(unsafe.Pointer(region.HostBase), newLow, MapOptions{Writable: true}); err != nil {
		return nil, err
	}

	s.stackLow = newLow
	return region, nil
}

// BuildInitialFrame writes argv/envp string bodies into env and pushes
// the ABI-conformant initial frame (spec §4.5): auxv (terminator first),
// envp (null, then pointers, reverse order so the first entry ends up
// lowest), argv (same pattern), then argc. push is supplied by the VCPU
// so growth faults during construction go through the same Grow() path a
// running guest would use.
func (s *Stack) BuildInitialFrame(env *Environment, push func(uint64) error, argv, envp []string, auxv []AuxVal) error {
	// AT_NULL terminator (type 0, value 0), pushed first so it sits highest.
	if err := push(0); err != nil {
		return err
	}
	if err := push(0); err != nil {
		return err
	}
	for i := len(auxv) - 1; i >= 0; i-- {
		if err := push(auxv[i].Value); err != nil {
			return err
		}
		if err := push(auxv[i].Type); err != nil {
			return err
		}
	}

	if err := pushStrArray(env, push, envp); err != nil {
		return err
	}
	if err := pushStrArray(env, push, argv); err != nil {
		return err
	}

	return push(uint64(len(argv)))
}

// pushStrArray writes each string in arr into env, then pushes a NULL
// terminator followed by the pointers in reverse order, so that after all
// pushes the lowest-addressed pointer on the stack is arr[0] - matching
// the System V argv/envp layout.
func pushStrArray(env *Environment, push func(uint64) error, arr []string) error {
	if err := push(0); err != nil {
		return err
	}
	ptrs := make([]uint64, len(arr))
	for i, s := range arr {
		p, err := env.WriteString(s)
		if err != nil {
			return err
		}
		ptrs[i] = p
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		if err := push(ptrs[i]); err != nil {
			return err
		}
	}
	return nil
}
