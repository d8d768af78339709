package elkvm

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux x86-64 syscall numbers. The default handler table wires only some
// of them (see DefaultHandlers); the rest are named for embedders
// installing their own handlers, and any other number can be used
// directly.
const (
	syscallRead        = 0
	syscallWrite       = 1
	syscallOpen        = 2
	syscallClose       = 3
	syscallStat        = 4
	syscallFstat       = 5
	syscallLstat       = 6
	syscallLseek       = 8
	syscallRtSigreturn = 15
	syscallMmap        = 9
	syscallMprotect    = 10
	syscallMunmap      = 11
	syscallBrk         = 12
	syscallRtSigaction = 13
	syscallRtSigprocmask = 14
	syscallIoctl       = 16
	syscallPread64     = 17
	syscallPwrite64    = 18
	syscallReadv       = 19
	syscallWritev      = 20
	syscallAccess      = 21
	syscallPipe        = 22
	syscallDup         = 32
	syscallDup2        = 33
	syscallNanosleep   = 35
	syscallGetpid      = 39
	syscallSocket      = 41
	syscallConnect     = 42
	syscallAccept      = 43
	syscallSendto      = 44
	syscallRecvfrom    = 45
	syscallBind        = 49
	syscallListen      = 50
	syscallGetsockname = 51
	syscallSetsockopt  = 54
	syscallClone       = 56
	syscallExit        = 60
	syscallUname       = 63
	syscallFcntl       = 72
	syscallFtruncate   = 77
	syscallGetcwd      = 79
	syscallMkdir       = 83
	syscallUnlink      = 87
	syscallReadlink    = 89
	syscallChmod       = 90
	syscallChown       = 92
	syscallGetuid      = 102
	syscallGetgid      = 104
	syscallGeteuid     = 107
	syscallGetegid     = 108
	syscallSigaltstack = 131
	syscallArchPrctl   = 158
	syscallGettid      = 186
	syscallFutex       = 202
	syscallSetTidAddress = 218
	syscallClockGettime  = 228
	syscallExitGroup     = 231
	syscallTgkill        = 234
	syscallOpenat        = 257
	syscallSetRobustList = 273
)

// ARCH_SET_FS / ARCH_SET_GS / ARCH_GET_FS / ARCH_GET_GS codes for
// arch_prctl, which the syscall proxy special-cases because it writes
// straight into the VCPU's segment base rather than calling a host
// syscall (spec §6).
const (
	archSetGS = 0x1001
	archSetFS = 0x1002
	archGetFS = 0x1003
	archGetGS = 0x1004
)

// SyscallContext is handed to every HandlerFunc: it carries the trapped
// VCPU (for raw register access) and the proxy (for pointer translation
// and scatter/gather I/O).
type SyscallContext struct {
	proxy *SyscallProxy
	vcpu  *VCPU
}

// Arg returns syscall argument i (0-5) as a raw 64-bit value.
func (c *SyscallContext) Arg(i int) uint64 { return c.vcpu.syscallArg(i) }

// HostString reads a NUL-terminated guest string argument.
func (c *SyscallContext) HostString(guestAddr uint64) (string, error) {
	return c.proxy.HostString(guestAddr)
}

// HostBuffer translates a single-page-resident guest buffer to a host
// byte slice.
func (c *SyscallContext) HostBuffer(guestAddr, length uint64) ([]byte, error) {
	return c.proxy.hostBuffer(guestAddr, length)
}

// ScatterRead reads up to count bytes from fd directly into the guest
// buffer at guestAddr, splitting the buffer across backing regions as
// needed, grounded on elkvm_do_read's same_region loop.
func (c *SyscallContext) ScatterRead(fd int, guestAddr, count uint64, read PreadFunc) (int64, error) {
	return c.proxy.scatterIO(guestAddr, count, func(b []byte) (int, error) {
		return read(fd, b, -1)
	})
}

// ScatterWrite writes up to count bytes from the guest buffer at
// guestAddr to fd, splitting across backing regions as needed.
func (c *SyscallContext) ScatterWrite(fd int, guestAddr, count uint64, write func(fd int, p []byte) (int, error)) (int64, error) {
	return c.proxy.scatterIO(guestAddr, count, func(b []byte) (int, error) {
		return write(fd, b)
	})
}

// Pager exposes the underlying pager for handlers needing raw
// translation beyond HostString/HostBuffer (e.g. the mmap handlers,
// which never copy, only install PTEs).
func (c *SyscallContext) Pager() *Pager { return c.proxy.pager }

// VCPU exposes the trapped VCPU for handlers that need direct register
// or segment access (arch_prctl, sigaltstack).
func (c *SyscallContext) VCPU() *VCPU { return c.vcpu }

// HandlerFunc is one syscall's host-side implementation: it reads its
// arguments from ctx and returns the raw value to place in RAX (already
// negated to -errno on failure, matching the guest ABI).
type HandlerFunc func(ctx *SyscallContext) (int64, error)

// HandlerTable is the embedder-installed dispatch table spec §6
// describes: one slot per syscall number, defaulting to "not
// implemented" for anything unset.
type HandlerTable struct {
	slots map[uint64]HandlerFunc
	names map[uint64]string
}

// NewHandlerTable creates an empty table; Install or DefaultHandlers
// populates it.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{slots: make(map[uint64]HandlerFunc), names: make(map[uint64]string)}
}

// Install registers (or replaces) the handler for syscall number num.
func (t *HandlerTable) Install(num uint64, name string, fn HandlerFunc) {
	t.slots[num] = fn
	t.names[num] = name
}

func (t *HandlerTable) lookup(num uint64) (HandlerFunc, string) {
	return t.slots[num], t.names[num]
}

// DefaultHandlers returns a table passing read, write, open, openat,
// close, lseek, access, dup, getpid, gettid, getuid, getgid, geteuid,
// getegid and uname straight through to the host via golang.org/x/sys/unix,
// plus the mmap family against mapset, brk against heap, arch_prctl
// against the VCPU, and exit/exit_group. Every other syscall, including
// the rest of the original's syscall_default.cc table, has no default
// handler and returns -ENOSYS unless the caller installs one with
// Install. mmap_before/mmap_after are set through MmapHooks; there is no
// breakpoint callback slot.
func DefaultHandlers(mapset *MappingSet, heap *Heap) *HandlerTable {
	t := NewHandlerTable()

	t.Install(syscallRead, "read", func(ctx *SyscallContext) (int64, error) {
		fd, addr, count := ctx.Arg(0), ctx.Arg(1), ctx.Arg(2)
		n, err := ctx.ScatterRead(int(fd), addr, count, func(fd int, p []byte, _ int64) (int, error) {
			return unix.Read(fd, p)
		})
		if err != nil {
			return errnoReturn(err), nil
		}
		return n, nil
	})

	t.Install(syscallWrite, "write", func(ctx *SyscallContext) (int64, error) {
		fd, addr, count := ctx.Arg(0), ctx.Arg(1), ctx.Arg(2)
		n, err := ctx.ScatterWrite(int(fd), addr, count, func(fd int, p []byte) (int, error) {
			return unix.Write(fd, p)
		})
		if err != nil {
			return errnoReturn(err), nil
		}
		return n, nil
	})

	t.Install(syscallOpen, "open", func(ctx *SyscallContext) (int64, error) {
		path, err := ctx.HostString(ctx.Arg(0))
		if err != nil {
			return 0, err
		}
		fd, err := unix.Open(path, int(ctx.Arg(1)), uint32(ctx.Arg(2)))
		if err != nil {
			return errnoReturn(err), nil
		}
		return int64(fd), nil
	})

	t.Install(syscallOpenat, "openat", func(ctx *SyscallContext) (int64, error) {
		path, err := ctx.HostString(ctx.Arg(1))
		if err != nil {
			return 0, err
		}
		fd, err := unix.Openat(int(int32(ctx.Arg(0))), path, int(ctx.Arg(2)), uint32(ctx.Arg(3)))
		if err != nil {
			return errnoReturn(err), nil
		}
		return int64(fd), nil
	})

	t.Install(syscallClose, "close", func(ctx *SyscallContext) (int64, error) {
		return errnoReturn(unix.Close(int(ctx.Arg(0)))), nil
	})

	t.Install(syscallLseek, "lseek", func(ctx *SyscallContext) (int64, error) {
		off, err := unix.Seek(int(ctx.Arg(0)), int64(ctx.Arg(1)), int(ctx.Arg(2)))
		if err != nil {
			return errnoReturn(err), nil
		}
		return off, nil
	})

	t.Install(syscallAccess, "access", func(ctx *SyscallContext) (int64, error) {
		path, err := ctx.HostString(ctx.Arg(0))
		if err != nil {
			return 0, err
		}
		return errnoReturn(unix.Access(path, uint32(ctx.Arg(1)))), nil
	})

	t.Install(syscallDup, "dup", func(ctx *SyscallContext) (int64, error) {
		fd, err := unix.Dup(int(ctx.Arg(0)))
		if err != nil {
			return errnoReturn(err), nil
		}
		return int64(fd), nil
	})

	t.Install(syscallGetpid, "getpid", func(ctx *SyscallContext) (int64, error) {
		return int64(unix.Getpid()), nil
	})
	t.Install(syscallGettid, "gettid", func(ctx *SyscallContext) (int64, error) {
		return int64(unix.Gettid()), nil
	})
	t.Install(syscallGetuid, "getuid", func(ctx *SyscallContext) (int64, error) {
		return int64(unix.Getuid()), nil
	})
	t.Install(syscallGetgid, "getgid", func(ctx *SyscallContext) (int64, error) {
		return int64(unix.Getgid()), nil
	})
	t.Install(syscallGeteuid, "geteuid", func(ctx *SyscallContext) (int64, error) {
		return int64(unix.Geteuid()), nil
	})
	t.Install(syscallGetegid, "getegid", func(ctx *SyscallContext) (int64, error) {
		return int64(unix.Getegid()), nil
	})

	t.Install(syscallBrk, "brk", func(ctx *SyscallContext) (int64, error) {
		v, err := heap.Brk(ctx.Arg(0))
		if err != nil {
			return errnoReturn(err), nil
		}
		return int64(v), nil
	})

	t.Install(syscallMmap, "mmap", func(ctx *SyscallContext) (int64, error) {
		addr, err := mapset.Mmap(ctx.Arg(0), ctx.Arg(1), int(ctx.Arg(2)), int(ctx.Arg(3)), int(int32(ctx.Arg(4))), int64(ctx.Arg(5)))
		if err != nil {
			return errnoReturn(err), nil
		}
		return int64(addr), nil
	})
	t.Install(syscallMunmap, "munmap", func(ctx *SyscallContext) (int64, error) {
		if err := mapset.Munmap(ctx.Arg(0), ctx.Arg(1)); err != nil {
			return errnoReturn(err), nil
		}
		return 0, nil
	})
	t.Install(syscallMprotect, "mprotect", func(ctx *SyscallContext) (int64, error) {
		if err := mapset.Mprotect(ctx.Arg(0), ctx.Arg(1), int(ctx.Arg(2))); err != nil {
			return errnoReturn(err), nil
		}
		return 0, nil
	})

	t.Install(syscallArchPrctl, "arch_prctl", func(ctx *SyscallContext) (int64, error) {
		code, val := ctx.Arg(0), ctx.Arg(1)
		v := ctx.VCPU()
		switch code {
		case archSetFS:
			if err := v.GetSregs(); err != nil {
				return 0, err
			}
			v.sregs.fs.base = val
			if err := v.SetSregs(); err != nil {
				return 0, err
			}
			return 0, nil
		case archSetGS:
			if err := v.GetSregs(); err != nil {
				return 0, err
			}
			v.sregs.gs.base = val
			if err := v.SetSregs(); err != nil {
				return 0, err
			}
			return 0, nil
		case archGetFS, archGetGS:
			// the base is stored to the guest word at val.
			if err := v.GetSregs(); err != nil {
				return 0, err
			}
			base := v.sregs.fs.base
			if code == archGetGS {
				base = v.sregs.gs.base
			}
			buf, err := ctx.HostBuffer(val, 8)
			if err != nil {
				return -14, nil // EFAULT
			}
			*(*uint64)(unsafe.Pointer(&buf[0])) = base
			return 0, nil
		default:
			return errnoReturn(ErrInvalidArgument), nil
		}
	})

	t.Install(syscallExitGroup, "exit_group", func(ctx *SyscallContext) (int64, error) {
		return int64(ctx.Arg(0)), nil
	})

	t.Install(syscallExit, "exit", func(ctx *SyscallContext) (int64, error) {
		return int64(ctx.Arg(0)), nil
	})

	t.Install(syscallUname, "uname", func(ctx *SyscallContext) (int64, error) {
		var u unix.Utsname
		if err := unix.Uname(&u); err != nil {
			return errnoReturn(err), nil
		}
		buf, err := ctx.HostBuffer(ctx.Arg(0), uint64(unsafe.Sizeof(u)))
		if err != nil {
			return 0, err
		}
		src := unsafe.Slice((*byte)(unsafe.Pointer(&u)), int(unsafe.Sizeof(u)))
		copy(buf, src)
		return 0, nil
	})

	return t
}

// errnoReturn renders a host error as the negative errno value a guest
// expects in RAX. syscall.Errno values pass through directly (matching
// the kernel's own convention); anything else falls back to EIO.
func errnoReturn(err error) int64 {
	if err == nil {
		return 0
	}
	if errno, ok := err.(syscall.Errno); ok {
		return -int64(errno)
	}
	return -5 // EIO
}
