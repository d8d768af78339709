package elkvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// vcpuState tracks a VCPU's lifecycle: New -> Ready (registers loaded) ->
// Running (inside KVM_RUN) <-> Exited (one KVM_RUN returned, dispatched) ->
// Halted (exit_group seen, no further KVM_RUN issued).
type vcpuState int

const (
	vcpuNew vcpuState = iota
	vcpuReady
	vcpuRunning
	vcpuExited
	vcpuHalted
)

// VCPU owns one guest virtual CPU: its register file, its KVM_RUN mmap
// window, and the push/pop primitives the initial stack frame and the
// hypercall dispatcher build on. Per the concurrency model (spec §5) a
// VCPU is driven by exactly one host thread and carries no lock.
type VCPU struct {
	fd      int
	regs    kvmRegs
	sregs   kvmSregs
	run     *runData
	runMmap []byte

	pager *Pager
	stack *Stack

	kernelStackBase uint64
	singlestepping  bool
	state           vcpuState

	log Logger
}

// newVCPU creates a VCPU bound to vmfd via KVM_CREATE_VCPU, mapping its
// kvm_run page at the size the device reports for KVM_GET_VCPU_MMAP_SIZE.
func newVCPU(vmfd int, cpuNum int, runSize int, pager *Pager, stack *Stack, log Logger) (*VCPU, error) {
	if log == nil {
		log = discardLogger{}
	}
	fd, err := ioctlNoArg(vmfd, kvmCreateVCPU, uintptr(cpuNum))
	if err != nil {
		return nil, fmt.Errorf("create vcpu %d: %v: %w", cpuNum, err, ErrHostCallFailure)
	}

	mem, err := unix.Mmap(int(fd), 0, runSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("mmap kvm_run: %v: %w", err, ErrHostCallFailure)
	}

	return &VCPU{
		fd:      int(fd),
		run:     (*runData)(unsafe.Pointer(&mem[0])),
		runMmap: mem,
		pager:   pager,
		stack:   stack,
		state:   vcpuNew,
		log:     log,
	}, nil
}

func ioctlNoArg(fd int, req uint, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func ioctlPtr(fd int, req uint, p unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(p))
	if errno != 0 {
		return errno
	}
	return nil
}

// GetRegs refreshes the cached general-purpose register file from KVM.
func (v *VCPU) GetRegs() error {
	return ioctlPtr(v.fd, kvmGetRegs, unsafe.Pointer(&v.regs))
}

// SetRegs pushes the cached general-purpose register file to KVM.
func (v *VCPU) SetRegs() error {
	return ioctlPtr(v.fd, kvmSetRegs, unsafe.Pointer(&v.regs))
}

// GetSregs refreshes the cached special/segment register file from KVM.
func (v *VCPU) GetSregs() error {
	return ioctlPtr(v.fd, kvmGetSregs, unsafe.Pointer(&v.sregs))
}

// SetSregs pushes the cached special/segment register file to KVM.
func (v *VCPU) SetSregs() error {
	return ioctlPtr(v.fd, kvmSetSregs, unsafe.Pointer(&v.sregs))
}

// SetEntryPoint sets RIP to entry; callers must have already called
// GetRegs (or be building the initial frame from scratch) and must call
// SetRegs afterward.
func (v *VCPU) SetEntryPoint(entry uint64) { v.regs.RIP = entry }

// SetStackPointer sets RSP.
func (v *VCPU) SetStackPointer(rsp uint64) { v.regs.RSP = rsp }

// Regs exposes the cached register file for the syscall proxy's parameter
// marshalling.
func (v *VCPU) Regs() *kvmRegs { return &v.regs }

// SetMSR writes one model-specific register via KVM_SET_MSRS.
func (v *VCPU) SetMSR(index uint32, data uint64) error {
	type entry struct {
		index uint32
		_     uint32
		data  uint64
	}
	type msrs struct {
		nmsrs uint32
		_     uint32
		e     [1]entry
	}
	m := msrs{nmsrs: 1, e: [1]entry{{index: index, data: data}}}
	return ioctlPtr(v.fd, kvmSetMSRs, unsafe.Pointer(&m))
}

// initRegSegment installs a flat, maximal-limit 64-bit code/data segment
// descriptor for seg, matching the original's kvm_vcpu_init_regs setup of
// a single GDT entry reused for CS/DS/ES/SS/FS/GS.
func initRegSegment(seg *kvmSegment, base uint64, codeSeg bool) {
	seg.base = base
	seg.limit = 0xffffffff
	seg.present = 1
	seg.s = 1
	seg.l = 1 // 64-bit mode
	seg.g = 1 // 4 KiB granularity -> limit covers the full space
	if codeSeg {
		seg.segType = 0xb // execute/read, accessed
	} else {
		seg.segType = 0x3 // read/write, accessed
	}
}

// InitLongMode configures CR0/CR3/CR4/EFER and flat segments for 64-bit
// long mode with paging enabled, pointing CR3 at the pager's PML4.
func (v *VCPU) InitLongMode(pml4GuestPhys uint64) error {
	if err := v.GetSregs(); err != nil {
		return err
	}

	initRegSegment(&v.sregs.cs, 0, true)
	initRegSegment(&v.sregs.ds, 0, false)
	initRegSegment(&v.sregs.es, 0, false)
	initRegSegment(&v.sregs.fs, 0, false)
	initRegSegment(&v.sregs.gs, 0, false)
	initRegSegment(&v.sregs.ss, 0, false)

	const (
		cr0Protected = 1 << 0
		cr0Paging    = 1 << 31
		cr4PAE       = 1 << 5
		eferLME      = 1 << 8
		eferLMA      = 1 << 10
	)
	v.sregs.cr3 = pml4GuestPhys
	v.sregs.cr4 = cr4PAE
	v.sregs.cr0 = cr0Protected | cr0Paging
	v.sregs.efer = eferLME | eferLMA

	if err := v.SetSregs(); err != nil {
		return err
	}
	v.state = vcpuReady
	return nil
}

// PushQ pushes an 8-byte value onto the guest stack, growing it via the
// attached Stack manager if RSP has run off the lowest mapped page -
// mirroring elkvm_pushq's direct call to expand_stack rather than a
// VM-exit round trip, since this runs before the VCPU has ever executed a
// guest instruction.
func (v *VCPU) PushQ(val uint64) error {
	v.regs.RSP -= 8

	host, err := v.pager.GuestVirtToHost(v.regs.RSP)
	if err != nil {
		return err
	}
	if host == nil {
		if v.stack == nil {
			return fmt.Errorf("push at 0x%x: stack not mapped: %w", v.regs.RSP, ErrNoMemory)
		}
		if _, err := v.stack.Grow(); err != nil {
			return err
		}
		host, err = v.pager.GuestVirtToHost(v.regs.RSP)
		if err != nil {
			return err
		}
		if host == nil {
			return fmt.Errorf("push at 0x%x: still unmapped after growth: %w", v.regs.RSP, ErrNoMemory)
		}
	}

	*(*uint64)(host) = val
	return nil
}

// PopQ pops an 8-byte value off the guest stack.
func (v *VCPU) PopQ() (uint64, error) {
	host, err := v.pager.GuestVirtToHost(v.regs.RSP)
	if err != nil {
		return 0, err
	}
	if host == nil {
		return 0, fmt.Errorf("pop at 0x%x: not mapped: %w", v.regs.RSP, ErrGuestFault)
	}
	val := *(*uint64)(host)
	v.regs.RSP += 8
	return val, nil
}

// KernelStackBase returns the guest-virtual top of the kernel stack, used
// to point the IDT/syscall-entry stub at a valid RSP.
func (v *VCPU) KernelStackBase() uint64 { return v.kernelStackBase }

// SetKernelStackBase records the kernel stack top computed at VM setup.
func (v *VCPU) SetKernelStackBase(base uint64) { v.kernelStackBase = base }

// Singlestep toggles the guest-debug single-step flag via
// KVM_SET_GUEST_DEBUG.
func (v *VCPU) Singlestep(on bool) error {
	type guestDebug struct {
		control  uint32
		_        uint32
		_        [8]uint64 // arch-independent reserved + arch-specific payload
	}
	const (
		debugEnable     = 1 << 0
		debugSinglestep = 1 << 16
	)
	gd := guestDebug{}
	if on {
		gd.control = debugEnable | debugSinglestep
	}
	if err := ioctlPtr(v.fd, kvmSetGuestDebug, unsafe.Pointer(&gd)); err != nil {
		return err
	}
	v.singlestepping = on
	return nil
}

// IsSinglestep reports whether single-step debugging is currently armed.
func (v *VCPU) IsSinglestep() bool { return v.singlestepping }

// ExitReason returns the kvm_run exit_reason from the last KVM_RUN.
func (v *VCPU) ExitReason() uint32 { return v.run.exitReason }

// Run issues one KVM_RUN, blocking until the guest exits back to the
// host, and returns the raw exit reason for the VM's dispatcher to
// classify. EINTR is retried transparently, matching the teacher's ioctl
// retry loop in OpenDevice/New.
func (v *VCPU) Run() (uint32, error) {
	v.state = vcpuRunning
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), uintptr(kvmRun), 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			v.state = vcpuExited
			return 0, fmt.Errorf("KVM_RUN: %v: %w", errno, ErrHostCallFailure)
		}
		break
	}
	v.state = vcpuExited
	return v.run.exitReason, nil
}

// Halt marks the VCPU as permanently stopped (exit_group observed); no
// further Run calls are valid.
func (v *VCPU) Halt() { v.state = vcpuHalted }

// Halted reports whether the VCPU has seen exit_group.
func (v *VCPU) Halted() bool { return v.state == vcpuHalted }

// AdvancePastVMCall advances RIP by three bytes, the fixed encoding
// length of the VMCALL instruction used for the hypercall trap, matching
// elkvm_emulate_vmcall.
func (v *VCPU) AdvancePastVMCall() {
	v.regs.RIP += 3
}

// Close releases the kvm_run mapping and the vcpu file descriptor.
func (v *VCPU) Close() error {
	if v.runMmap != nil {
		unix.Munmap(v.runMmap)
		v.runMmap = nil
	}
	return unix.Close(v.fd)
}
