// Copyright 2013-2015 Florian Pester, Björn Döbel, Technische Universitaet
// Dresden (Germany). Go reimplementation.
//
// Package elkvm executes an unmodified 64-bit ELF binary inside a KVM guest
// with no guest operating system. The binary runs in its own guest-virtual
// address space; every system call it issues traps back to the host via a
// hypercall convention and is serviced by host-provided handlers operating
// on guest memory.
//
// The package supplies the minimal "libOS in a VM" machinery: a four-level
// x86-64 pager over host-backed physical chunks, a region allocator and
// mapping/heap layer satisfying mmap/brk/stack-growth, a VCPU run loop, and
// the syscall-proxy protocol bridging guest registers to host handlers.
// ELF parsing, descriptor-table byte layout, the flat kernel blobs (ISR,
// syscall entry, signal trampoline), the debug shell, and the bodies of
// host syscall handlers are supplied by the embedder; this package only
// defines the interfaces they plug into.
package elkvm
