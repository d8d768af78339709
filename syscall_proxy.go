package elkvm

import (
	"fmt"
	"unsafe"
)

// syscall argument registers, in the Linux x86-64 syscall ABI order: rdi,
// rsi, rdx, r10, r8, r9. The syscall number itself travels in rax.
func (v *VCPU) syscallArg(i int) uint64 {
	switch i {
	case 0:
		return v.regs.RDI
	case 1:
		return v.regs.RSI
	case 2:
		return v.regs.RDX
	case 3:
		return v.regs.R10
	case 4:
		return v.regs.R8
	case 5:
		return v.regs.R9
	}
	panic("syscall argument index out of range")
}

// SyscallProxy marshals a trapped syscall's guest register arguments,
// translates guest pointers to host ones (splitting multi-page buffers
// across region/chunk boundaries as needed), and invokes the matching
// entry of a HandlerTable. Per spec §6, this is the "syscall proxy"
// bridging guest registers to embedder-provided host functions.
type SyscallProxy struct {
	pager    *Pager
	handlers *HandlerTable
	log      Logger
}

// NewSyscallProxy creates a proxy dispatching through handlers.
func NewSyscallProxy(pager *Pager, handlers *HandlerTable, log Logger) *SyscallProxy {
	if log == nil {
		log = discardLogger{}
	}
	return &SyscallProxy{pager: pager, handlers: handlers, log: log}
}

// hostBuffer translates a guest buffer [guestAddr, guestAddr+length) that
// lies within one page to a host byte slice. A buffer crossing a page
// boundary is rejected with ErrInvalidArgument; the read/write slots go
// through scatterIO (SyscallContext.ScatterRead/ScatterWrite) instead,
// which handles buffers spanning several pages.
func (p *SyscallProxy) hostBuffer(guestAddr uint64, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	firstPageHost, err := p.pager.GuestVirtToHost(guestAddr &^ (pageSize - 1))
	if err != nil {
		return nil, err
	}
	if firstPageHost == nil {
		return nil, fmt.Errorf("guest address 0x%x not mapped: %w", guestAddr, ErrInvalidArgument)
	}
	off := guestAddr & (pageSize - 1)
	lastByte := guestAddr + length - 1
	if lastByte&^(pageSize-1) == guestAddr&^(pageSize-1) {
		base := unsafe.Add(firstPageHost, int(off))
		return unsafe.Slice((*byte)(base), int(length)), nil
	}
	return nil, fmt.Errorf("buffer at 0x%x length %d crosses a page boundary: %w",
		guestAddr, length, ErrInvalidArgument)
}

// HostString reads a NUL-terminated string starting at a guest address,
// one page segment at a time (pathname arguments are never expected to
// be enormous, but may still straddle a page boundary).
func (p *SyscallProxy) HostString(guestAddr uint64) (string, error) {
	var out []byte
	addr := guestAddr
	for {
		host, err := p.pager.GuestVirtToHost(addr &^ (pageSize - 1))
		if err != nil {
			return "", err
		}
		if host == nil {
			return "", fmt.Errorf("guest address 0x%x not mapped: %w", addr, ErrInvalidArgument)
		}
		pageOff := addr & (pageSize - 1)
		page := unsafe.Slice((*byte)(host), pageSize)
		for i := pageOff; i < pageSize; i++ {
			if page[i] == 0 {
				return string(out), nil
			}
			out = append(out, page[i])
		}
		addr = (addr &^ (pageSize - 1)) + pageSize
	}
}

// scatterIO walks [guestAddr, guestAddr+count) one mapped run at a time
// (a "run" ends at the first page whose host address is not contiguous
// with the previous one), invoking fn on each host byte slice in turn and
// accumulating its return value, until fn returns fewer bytes than it was
// given (a short read/write) or the whole range is consumed. This is the
// scatter/gather behaviour spec §6 requires of read/write/readv/writev,
// grounded on elkvm_do_read's same_region loop.
func (p *SyscallProxy) scatterIO(guestAddr uint64, count uint64, fn func([]byte) (int, error)) (int64, error) {
	var total int64
	remaining := count
	addr := guestAddr

	for remaining > 0 {
		runStart, err := p.pager.GuestVirtToHost(addr)
		if err != nil {
			return total, err
		}
		if runStart == nil {
			return total, fmt.Errorf("guest address 0x%x not mapped: %w", addr, ErrInvalidArgument)
		}

		var runLen uint64 = pageSize - (addr & (pageSize - 1))
		host := runStart
		for runLen < remaining {
			next, err := p.pager.GuestVirtToHost(addr + runLen)
			if err != nil {
				return total, err
			}
			if next == nil || next != unsafe.Add(host, runLen) {
				break
			}
			runLen += pageSize
		}
		if runLen > remaining {
			runLen = remaining
		}

		buf := unsafe.Slice((*byte)(host), int(runLen))
		n, err := fn(buf)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if uint64(n) < runLen {
			return total, nil
		}
		remaining -= runLen
		addr += runLen
	}
	return total, nil
}

// Dispatch reads the syscall number and arguments from v's register
// file, invokes the matching handler slot, and writes the result back
// into RAX as the ABI requires. It returns exitGroup=true when the
// syscall was exit_group, signalling the dispatcher to halt the VCPU.
func (p *SyscallProxy) Dispatch(v *VCPU) (exitGroup bool, err error) {
	num := v.regs.RAX
	h, name := p.handlers.lookup(num)
	if h == nil {
		p.log.Warningf("syscall %d (%s): no handler installed", num, name)
		v.regs.RAX = uint64(errnoToSyscallReturn(ErrNotImplemented))
		return false, nil
	}

	ctx := &SyscallContext{proxy: p, vcpu: v}
	result, err := h(ctx)
	if err != nil {
		return false, fmt.Errorf("syscall %d (%s): %w", num, name, err)
	}

	p.log.Debugf("syscall %d (%s) = %d", num, name, result)
	v.regs.RAX = uint64(result)
	return num == syscallExitGroup, nil
}

// errnoToSyscallReturn renders a sentinel error as the -errno a guest
// expects in RAX, falling back to -ENOSYS for anything unrecognized.
func errnoToSyscallReturn(err error) int64 {
	switch {
	case err == ErrNotImplemented:
		return -38 // ENOSYS
	case err == ErrNoMemory:
		return -12 // ENOMEM
	case err == ErrInvalidArgument:
		return -22 // EINVAL
	default:
		return -38
	}
}
