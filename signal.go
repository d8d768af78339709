package elkvm

import "fmt"

// GuestHandler records where the guest has asked to be notified of a
// signal: the user-mode entry point, matching the sigaction registered
// through the rt_sigaction syscall slot.
type GuestHandler struct {
	Addr uint64
}

// pendingSignal is one queued, not-yet-delivered signal.
type pendingSignal struct {
	num int
}

// savedFrame is the VCPU register snapshot taken when a signal is
// delivered, so the cleanup blob's hypercall can restore exactly where
// execution was interrupted (spec §4.8).
type savedFrame struct {
	regs   kvmRegs
	active bool
}

// SignalQueue holds host-queued signals awaiting delivery at the next
// hypercall boundary (spec §4.8's ordering guarantee: delivery is never
// preemptive) plus the one saved register frame a handler-in-progress
// needs to return through. Only one signal may be in flight at a time,
// matching the original's single saved_vcpu slot.
type SignalQueue struct {
	handlers      [64]*GuestHandler
	pending       []pendingSignal
	saved         savedFrame
	cleanupBlobPC uint64 // guest entry point of the signal-return blob
	log           Logger
}

// NewSignalQueue creates an empty queue. cleanupBlobPC is the guest
// address of the signal-return flat blob (spec §4.8's "trampoline return
// address"); it is an embedder-loaded image, so it must be set (via
// SetCleanupBlob) before the first signal can be delivered.
func NewSignalQueue(log Logger) *SignalQueue {
	if log == nil {
		log = discardLogger{}
	}
	return &SignalQueue{log: log}
}

// SetCleanupBlob records the guest entry point of the signal-return flat
// blob loaded by the embedder.
func (q *SignalQueue) SetCleanupBlob(guestAddr uint64) { q.cleanupBlobPC = guestAddr }

// RegisterHandler installs (or clears, with handler == nil) the guest
// handler address for signum, mirroring the rt_sigaction default
// handler's "allow" semantics: the host always reports success, the
// guest-side table is just bookkeeping for the next delivery.
func (q *SignalQueue) RegisterHandler(signum int, handler *GuestHandler) error {
	if signum < 0 || signum >= len(q.handlers) {
		return fmt.Errorf("signal number %d out of range: %w", signum, ErrInvalidArgument)
	}
	q.handlers[signum] = handler
	return nil
}

// Queue adds signum to the pending queue, to be delivered the next time
// Deliver runs (at the next hypercall boundary, per spec §4.8).
func (q *SignalQueue) Queue(signum int) {
	q.pending = append(q.pending, pendingSignal{num: signum})
}

// InHandler reports whether a guest signal handler is currently
// executing (a saved frame is outstanding).
func (q *SignalQueue) InHandler() bool { return q.saved.active }

// Deliver runs once per hypercall, after the dispatcher has serviced the
// trapped call and advanced RIP. If a signal is pending, has a
// registered handler, and no handler is already running, it saves v's
// register file, pushes the cleanup blob's address as the return
// address, and redirects execution into the guest handler with the
// signal number in RDI (spec §4.8). Only one handler may be in flight;
// signals arriving while one runs stay queued.
func (q *SignalQueue) Deliver(v *VCPU) error {
	if q.saved.active || len(q.pending) == 0 {
		return nil
	}

	sig := q.pending[0]
	handler := q.handlers[sig.num]
	if handler == nil {
		q.pending = q.pending[1:]
		return nil
	}
	if q.cleanupBlobPC == 0 {
		return fmt.Errorf("signal %d ready but no cleanup blob registered: %w", sig.num, ErrInvalidArgument)
	}

	q.pending = q.pending[1:]
	q.saved = savedFrame{regs: v.regs, active: true}

	if err := v.PushQ(q.cleanupBlobPC); err != nil {
		return fmt.Errorf("pushing signal return address: %w", err)
	}
	v.regs.RIP = handler.Addr
	v.regs.RDI = uint64(sig.num)

	q.log.Debugf("delivering signal %d to guest handler 0x%x", sig.num, handler.Addr)
	return nil
}

// HandleCleanup services the hypercall the signal-return blob issues
// once the guest handler returns: it restores the saved register file,
// resuming execution exactly where the signal interrupted it.
func (q *SignalQueue) HandleCleanup(v *VCPU) error {
	if !q.saved.active {
		return fmt.Errorf("signal cleanup hypercall with no handler in flight: %w", ErrGuestFault)
	}
	v.regs = q.saved.regs
	q.saved = savedFrame{}
	return nil
}
