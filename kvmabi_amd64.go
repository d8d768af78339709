package elkvm

// Raw /dev/kvm ioctl numbers and wire structs, mirroring <linux/kvm.h> for
// amd64. Grounded on the teacher's kvm.go, which keeps the same structs
// (userMemoryRegion, runData) as private, unexported mirrors of the kernel
// ABI rather than depending on a cgo header.
//
// The numbers below are the fixed KVM ioctl encodings publicized by the
// kernel UAPI; they do not change across kernel versions, so they are
// written out directly instead of computed, matching how the teacher's
// pack defines _KVM_CREATE_VM and friends as untyped constants.
const (
	kvmGetAPIVersion      = 0xAE00
	kvmCreateVM           = 0xAE01
	kvmGetVCPUMmapSize    = 0xAE04
	kvmGetMSRIndexList    = 0xC004AE02
	kvmCreateVCPU         = 0xAE41
	kvmRun                = 0xAE80
	kvmGetRegs            = 0x8090AE81
	kvmSetRegs            = 0x4090AE82
	kvmGetSregs           = 0x8138AE83
	kvmSetSregs           = 0x4138AE84
	kvmGetMSRs            = 0xC008AE88
	kvmSetMSRs            = 0x4008AE89
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmCheckExtension     = 0xAE03
	kvmSetGuestDebug      = 0x4048AE9B
	kvmGetFpu             = 0x81A0AE8C
	kvmSetFpu             = 0x41A0AE8D
)

// KVM exit reasons (kvm_run.exit_reason), per <linux/kvm.h>.
const (
	kvmExitUnknown       = 0
	kvmExitException     = 1
	kvmExitIO            = 2
	kvmExitHypercall     = 3
	kvmExitDebug         = 4
	kvmExitHlt           = 5
	kvmExitMmio          = 6
	kvmExitIRQWindowOpen = 7
	kvmExitShutdown      = 8
	kvmExitFailEntry     = 9
	kvmExitIntr          = 10
	kvmExitInternalError = 17
)

const kvmMemReadonly = 1 << 4

// userMemoryRegion mirrors struct kvm_userspace_memory_region.
type userMemoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

// kvmRegs mirrors struct kvm_regs: the general purpose register file.
type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// kvmSegment mirrors struct kvm_segment.
type kvmSegment struct {
	base                           uint64
	limit                          uint32
	selector                       uint16
	segType                        uint8
	present, dpl, db, s, l, g, avl uint8
	unusable                       uint8
	_                              uint8
}

// kvmDtable mirrors struct kvm_dtable (GDT/IDT descriptors).
type kvmDtable struct {
	base  uint64
	limit uint16
	_     [3]uint16
}

// kvmSregs mirrors struct kvm_sregs: the special/segment register file.
type kvmSregs struct {
	cs, ds, es, fs, gs, ss   kvmSegment
	tr, ldt                  kvmSegment
	gdt, idt                 kvmDtable
	cr0, cr2, cr3, cr4, cr8  uint64
	efer                     uint64
	apicBase                 uint64
	interruptBitmap          [(256 + 63) / 64]uint64
}

// runData mirrors struct kvm_run, the shared vcpu exit-reason header. Only
// the fields the run loop inspects are named individually; the exit-kind
// union is exposed as a raw byte window, matching the teacher's approach
// of treating the union payload as opaque data interpreted per
// exitReason.
type runData struct {
	requestInterruptWindow uint8
	_                      [7]uint8

	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	_                          [2]uint8

	cr8      uint64
	apicBase uint64

	data [32]uint64
}

// ioExit projects runData.data for the EXIT_IO case; offsets match the
// kernel's anonymous union layout.
type ioExit struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}
