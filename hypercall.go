package elkvm

import "fmt"

// Hypercall tags, pushed onto the guest stack immediately before the
// VMCALL instruction that traps into the host (spec §6).
const (
	hypercallSyscall   = 1
	hypercallInterrupt = 2
	hypercallExit      = 3
)

// vectorPageFault is the x86 exception vector the ISR blob forwards as
// an ELKVM_HYPERCALL_INTERRUPT, pushing the faulting address (CR2) and
// error code ahead of the vector itself so the host can adjudicate it
// (spec §3: "A page fault is adjudicated: stack expansion and lazy
// mapping are resolved transparently; anything else is fatal").
const vectorPageFault = 14

// PageFaultHandler adjudicates a forwarded #PF, delegating to the pager
// with stack-growth and lazy-fill closures supplied by the VM.
type PageFaultHandler func(pfla uint64, errCode uint32) error

// HypercallHooks lets an embedder observe every hypercall before and
// after it is dispatched, mirroring the original's pre_handler/
// post_handler pair.
type HypercallHooks struct {
	Before func(tag uint64)
	After  func(tag uint64)
}

// Dispatcher routes a trapped VMCALL to the syscall proxy or interrupt
// handling, then advances RIP past the VMCALL instruction. It owns no
// state of its own; everything it touches belongs to the VCPU, the
// syscall table, or the signal queue passed in at construction.
type Dispatcher struct {
	proxy     *SyscallProxy
	signals   *SignalQueue
	faultPage PageFaultHandler
	hooks     HypercallHooks
	log       Logger
}

// NewDispatcher creates a hypercall dispatcher over proxy (for
// ELKVM_HYPERCALL_SYSCALL), signals (for post-dispatch delivery), and
// faultPage (for interrupt vector 14).
func NewDispatcher(proxy *SyscallProxy, signals *SignalQueue, faultPage PageFaultHandler, hooks HypercallHooks, log Logger) *Dispatcher {
	if log == nil {
		log = discardLogger{}
	}
	return &Dispatcher{proxy: proxy, signals: signals, faultPage: faultPage, hooks: hooks, log: log}
}

// Handle services one hypercall exit. It returns halt=true when the guest
// issued exit_group and the VM should stop scheduling this VCPU.
func (d *Dispatcher) Handle(v *VCPU) (halt bool, err error) {
	if err := v.GetRegs(); err != nil {
		return false, err
	}

	tag, err := v.PopQ()
	if err != nil {
		return false, fmt.Errorf("reading hypercall tag: %w", err)
	}

	if d.hooks.Before != nil {
		d.hooks.Before(tag)
	}

	switch tag {
	case hypercallSyscall:
		if d.signals != nil && v.regs.RAX == syscallRtSigreturn {
			// rt_sigreturn restores the pre-signal register file wholesale;
			// it must bypass the ordinary RAX-result write and VMCALL-length
			// RIP advance below, or the restored context is clobbered right
			// back (spec §4.8).
			if err := d.signals.HandleCleanup(v); err != nil {
				return false, err
			}
			if d.hooks.After != nil {
				d.hooks.After(tag)
			}
			return false, v.SetRegs()
		}
		exitGroup, serr := d.proxy.Dispatch(v)
		if serr != nil {
			return false, serr
		}
		halt = exitGroup
	case hypercallInterrupt:
		if err := d.handleInterrupt(v); err != nil {
			return false, err
		}
	default:
		return false, faultf(v.regs.RIP, 0, 0, "unknown hypercall tag %d", tag)
	}

	if d.hooks.After != nil {
		d.hooks.After(tag)
	}

	v.AdvancePastVMCall()

	if d.signals != nil && !halt {
		if err := d.signals.Deliver(v); err != nil {
			return false, err
		}
	}

	// Flushed once, after both the post-VMCALL RIP advance and any signal
	// redirect Deliver applied, so KVM never runs with the pre-signal
	// register file (spec §4.8, §8 scenario 6).
	if err := v.SetRegs(); err != nil {
		return false, err
	}

	return halt, nil
}

// handleInterrupt services ELKVM_HYPERCALL_INTERRUPT. The ISR blob pushes
// (in push order: CR2, then error code, then vector, so the vector is
// popped first) whatever the
// exception needs; only vector 14 (#PF) carries the extra two words.
// Anything else is logged and otherwise ignored, matching the original
// treating interrupts outside page faults as debug-only events.
func (d *Dispatcher) handleInterrupt(v *VCPU) error {
	vector, err := v.PopQ()
	if err != nil {
		return fmt.Errorf("reading interrupt vector: %w", err)
	}

	if vector == vectorPageFault {
		errCode, err := v.PopQ()
		if err != nil {
			return fmt.Errorf("reading page fault error code: %w", err)
		}
		pfla, err := v.PopQ()
		if err != nil {
			return fmt.Errorf("reading page fault address: %w", err)
		}
		if d.faultPage == nil {
			return faultf(v.regs.RIP, pfla, uint32(errCode), "page fault with no handler installed")
		}
		return d.faultPage(pfla, uint32(errCode))
	}

	d.log.Debugf("guest interrupt vector %d at rip=0x%x", vector, v.regs.RIP)
	return nil
}
