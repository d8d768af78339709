package elkvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Config configures a new VM: how much user-accessible guest physical
// memory to reserve up front, the stack growth cap, logging, and the
// file-backed mmap read hook.
type Config struct {
	MemorySize    uint64 // user chunk size, bytes; rounded up to a page
	StackHardCap  uint64 // 0 uses the 8 MiB default (spec §9)
	Pread         PreadFunc
	MmapHooks     MmapHooks
	Log           Logger
}

// VM ties every component together into one runnable guest: the chunk
// table and pager backing guest physical/virtual memory, the region
// allocator and mapping/heap layer implementing mmap/brk, the stack
// manager, one or more VCPUs, the hypercall dispatcher and syscall
// table, and the signal queue. Per spec §5, a VM (and everything it
// owns) is driven by exactly one host thread and carries no internal
// lock.
type VM struct {
	devFd int
	vmFd  int

	Chunks   *ChunkTable
	Pager    *Pager
	Regions  *RegionAllocator
	Heap     *Heap
	Mappings *MappingSet
	Stack    *Stack
	Handlers *HandlerTable
	Signals  *SignalQueue

	vcpus      []*VCPU
	dispatcher *Dispatcher
	log        Logger
	runSize    int

	env        *Environment
	initialRSP uint64
}

// New opens /dev/kvm, creates a VM and one VCPU, and performs the full
// setup sequence: system chunk -> pager -> region allocator (adopting
// the system chunk's remainder past the page-table reserve) -> heap ->
// mapping set -> stack -> default syscall handlers -> hypercall
// dispatcher. Grounded on kvm_vm_create's ordering (system chunk and its
// page tables, then descriptor/stack regions, then the user memory
// chunk).
func New(cfg Config) (*VM, error) {
	log := cfg.Log
	if log == nil {
		log = discardLogger{}
	}

	devFile, err := OpenDevice()
	if err != nil {
		return nil, err
	}
	defer devFile.Close()
	devFd := int(devFile.Fd())

	vmFdRaw, err := ioctlNoArg(devFd, kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VM: %v: %w", err, ErrHostCallFailure)
	}
	vmFd := int(vmFdRaw)

	runSizeRaw, err := ioctlNoArg(devFd, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %v: %w", err, ErrHostCallFailure)
	}

	vm := &VM{
		devFd:   devFd,
		vmFd:    vmFd,
		log:     log,
		runSize: int(runSizeRaw),
	}

	vm.Chunks = NewChunkTable(func(slot uint32, guestPhys, userAddr, size uint64, flags uint32) error {
		return vm.setUserMemoryRegion(slot, guestPhys, userAddr, size, flags)
	})

	systemChunk, err := vm.Chunks.Add(systemChunkSize)
	if err != nil {
		return nil, err
	}

	vm.Pager, err = NewPager(vm.Chunks, systemChunk, log)
	if err != nil {
		return nil, err
	}
	if cfg.StackHardCap != 0 {
		vm.Pager.SetStackHardCap(cfg.StackHardCap)
	}

	vm.Regions = NewRegionAllocator(vm.Chunks)
	vm.Regions.AdoptChunk(systemChunk, pageTableAreaSize)

	vm.Heap = NewHeap(vm.Pager, vm.Regions, defaultBrkBase)
	vm.Mappings = NewMappingSet(vm.Pager, vm.Regions, defaultMmapBase, cfg.Pread, cfg.MmapHooks, log)

	vm.Stack = NewStack(vm.Pager, vm.Regions, cfg.StackHardCap)
	kernelStackTop, err := vm.Stack.InitKernelStack()
	if err != nil {
		return nil, err
	}
	envRegion, initialRSP, err := vm.Stack.InitUserStack()
	if err != nil {
		return nil, err
	}
	vm.env = NewEnvironment(envRegion)
	vm.initialRSP = initialRSP

	if cfg.MemorySize == 0 {
		cfg.MemorySize = defaultChunkSize
	}
	userChunk, err := vm.Chunks.Add(roundUpPage(cfg.MemorySize))
	if err != nil {
		return nil, err
	}
	vm.Regions.AdoptChunk(userChunk, 0)

	vm.Handlers = DefaultHandlers(vm.Mappings, vm.Heap)
	vm.Signals = NewSignalQueue(log)
	// rt_sigreturn is intercepted directly in Dispatcher.Handle, ahead of
	// the ordinary syscall table, since its return path must bypass the
	// RAX-result write and RIP advance every other syscall gets.

	proxy := NewSyscallProxy(vm.Pager, vm.Handlers, log)
	vm.dispatcher = NewDispatcher(proxy, vm.Signals, vm.handlePageFault, HypercallHooks{}, log)

	vcpu, err := newVCPU(vmFd, 0, vm.runSize, vm.Pager, vm.Stack, log)
	if err != nil {
		return nil, err
	}
	pml4Phys, err := vm.Pager.HostToGuestPhys(unsafe.Pointer(systemChunk.HostPtr()))
	if err != nil {
		return nil, err
	}
	if err := vcpu.InitLongMode(pml4Phys); err != nil {
		return nil, err
	}
	vcpu.SetKernelStackBase(kernelStackTop)
	vm.vcpus = append(vm.vcpus, vcpu)

	return vm, nil
}

func (vm *VM) setUserMemoryRegion(slot uint32, guestPhys, userAddr, size uint64, flags uint32) error {
	region := userMemoryRegion{
		slot:          slot,
		flags:         flags,
		guestPhysAddr: guestPhys,
		memorySize:    size,
		userspaceAddr: userAddr,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vm.vmFd), uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(&region)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION slot %d: %v: %w", slot, errno, ErrHostCallFailure)
	}
	return nil
}

// VCPU returns the VM's primary (and, currently, only) VCPU.
func (vm *VM) VCPU() *VCPU { return vm.vcpus[0] }

// LoadEntryPoint sets up the initial ABI stack frame (argv/envp/auxv) and
// points RIP/RSP at the program's entry, per spec §4.5.
func (vm *VM) LoadEntryPoint(entry uint64, argv, envp []string, auxv []AuxVal) error {
	v := vm.VCPU()
	if err := v.GetRegs(); err != nil {
		return err
	}
	v.SetStackPointer(vm.initialRSP)
	if err := vm.Stack.BuildInitialFrame(vm.env, v.PushQ, argv, envp, auxv); err != nil {
		return err
	}
	v.SetEntryPoint(entry)
	return v.SetRegs()
}

// RunResult is returned by Run when the guest requests termination.
type RunResult struct {
	ExitCode int64
}

// Run drives the VCPU loop until the guest exits: each iteration issues
// one KVM_RUN, classifies the exit reason (spec §3's "hypercall or
// fault"), and either dispatches the hypercall or adjudicates the page
// fault via the pager, with the stack and mapping layers supplying the
// growth/lazy-fill closures.
func (vm *VM) Run() (RunResult, error) {
	v := vm.VCPU()
	for {
		reason, err := v.Run()
		if err != nil {
			return RunResult{}, err
		}

		switch reason {
		case kvmExitHypercall:
			halt, err := vm.dispatcher.Handle(v)
			if err != nil {
				return RunResult{}, err
			}
			if halt {
				v.Halt()
				if err := v.GetRegs(); err != nil {
					return RunResult{}, err
				}
				return RunResult{ExitCode: int64(v.regs.RDI)}, nil
			}

		case kvmExitMmio:
			return RunResult{}, faultf(0, 0, 0, "unexpected MMIO exit (no device model)")

		default:
			return RunResult{}, fmt.Errorf("unexpected KVM exit reason %d: %w", reason, ErrGuestFault)
		}
	}
}

// handlePageFault adjudicates a #PF forwarded by the dispatcher: stack
// growth is resolved transparently by the pager through a closure over
// the stack manager (which the pager itself has no notion of). The
// lazy-fill closure always declines, since the mapping set installs every
// page at mmap time; any fault that is not a stack expansion is fatal.
func (vm *VM) handlePageFault(pfla uint64, errCode uint32) error {
	result, err := vm.Pager.HandlePageFault(pfla, errCode,
		func(addr uint64) (bool, error) {
			if !vm.Stack.IsStackExpansion(addr) {
				return false, nil
			}
			_, err := vm.Stack.Grow()
			return err == nil, err
		},
		func(addr uint64) (bool, error) {
			return false, nil // no lazily-filled mappings in this configuration
		},
	)
	if err != nil {
		return err
	}
	if result.Fatal {
		return faultf(0, pfla, errCode, "unresolvable guest fault")
	}
	return nil
}

// Close releases every VCPU and the VM file descriptor. Chunks' host
// memory is released by the process's own mmap bookkeeping only if the
// embedder also calls unix.Munmap on each chunk's backing; VM.Close
// focuses on the KVM handles it opened directly.
func (vm *VM) Close() error {
	for _, v := range vm.vcpus {
		v.Close()
	}
	return unix.Close(vm.vmFd)
}
