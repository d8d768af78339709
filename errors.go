package elkvm

import (
	"errors"
	"fmt"
)

// Error kinds, per the five failure classes the core distinguishes. Use
// errors.Is against these sentinels; wrap with fmt.Errorf("...: %w", ...)
// to attach context.
var (
	// ErrInvalidArgument covers unaligned sizes, unknown hypercall tags,
	// and null required pointers. Surfaced directly to the embedder.
	ErrInvalidArgument = errors.New("elkvm: invalid argument")

	// ErrNoMemory covers chunk, region, or host allocator exhaustion.
	// Syscalls that hit it return -ENOMEM to the guest; core init aborts.
	ErrNoMemory = errors.New("elkvm: no memory")

	// ErrGuestFault covers an unresolvable page fault, #GP, #SS, or an
	// unhandled hypercall tag. Always fatal to the VM.
	ErrGuestFault = errors.New("elkvm: unhandled guest fault")

	// ErrHostCallFailure wraps a host syscall that returned -1; the
	// caller is expected to translate it to -errno for the guest and
	// continue running the VM.
	ErrHostCallFailure = errors.New("elkvm: host call failed")

	// ErrNotImplemented covers a null handler slot or a syscall number
	// with no handler; returns -ENOSYS to the guest.
	ErrNotImplemented = errors.New("elkvm: not implemented")
)

// GuestFaultInfo carries the diagnostic snapshot produced alongside
// ErrGuestFault: registers, page tables, and stack dump are rendered by
// the caller from the fields named here rather than from a formatted
// string, so embedders can choose how (or whether) to present them.
type GuestFaultInfo struct {
	RIP      uint64
	PFLA     uint64
	ErrCode  uint32
	Reason   string
}

func (g *GuestFaultInfo) Error() string {
	return fmt.Sprintf("guest fault at rip=0x%016x: %s (pfla=0x%016x err=0x%x)",
		g.RIP, g.Reason, g.PFLA, g.ErrCode)
}

// Unwrap lets errors.Is(err, ErrGuestFault) succeed for a *GuestFaultInfo.
func (g *GuestFaultInfo) Unwrap() error { return ErrGuestFault }

func faultf(rip, pfla uint64, errCode uint32, format string, args ...interface{}) error {
	return &GuestFaultInfo{
		RIP:     rip,
		PFLA:    pfla,
		ErrCode: errCode,
		Reason:  fmt.Sprintf(format, args...),
	}
}
