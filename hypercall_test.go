package elkvm

import (
	"errors"
	"testing"
)

func TestDispatcherHandleInterruptPageFaultDelegatesToFaultPage(t *testing.T) {
	v := newTestVCPU(t)
	const (
		pfla    = uint64(0x1234000)
		errCode = uint64(0x2)
	)
	if err := v.PushQ(pfla); err != nil {
		t.Fatalf("PushQ(pfla): %v", err)
	}
	if err := v.PushQ(errCode); err != nil {
		t.Fatalf("PushQ(errCode): %v", err)
	}
	if err := v.PushQ(vectorPageFault); err != nil {
		t.Fatalf("PushQ(vector): %v", err)
	}

	var gotPfla uint64
	var gotErrCode uint32
	d := &Dispatcher{
		faultPage: func(p uint64, e uint32) error {
			gotPfla, gotErrCode = p, e
			return nil
		},
		log: discardLogger{},
	}
	if err := d.handleInterrupt(v); err != nil {
		t.Fatalf("handleInterrupt: %v", err)
	}
	if gotPfla != pfla || gotErrCode != uint32(errCode) {
		t.Fatalf("faultPage called with (%#x, %#x), want (%#x, %#x)", gotPfla, gotErrCode, pfla, errCode)
	}
}

func TestDispatcherHandleInterruptPageFaultWithoutHandlerFaults(t *testing.T) {
	v := newTestVCPU(t)
	if err := v.PushQ(0x1234000); err != nil {
		t.Fatalf("PushQ(pfla): %v", err)
	}
	if err := v.PushQ(0x2); err != nil {
		t.Fatalf("PushQ(errCode): %v", err)
	}
	if err := v.PushQ(vectorPageFault); err != nil {
		t.Fatalf("PushQ(vector): %v", err)
	}

	d := &Dispatcher{log: discardLogger{}}
	if err := d.handleInterrupt(v); !errors.Is(err, ErrGuestFault) {
		t.Fatalf("handleInterrupt with no faultPage: err = %v, want ErrGuestFault", err)
	}
}

func TestDispatcherHandleInterruptUnknownVectorIsLogged(t *testing.T) {
	v := newTestVCPU(t)
	if err := v.PushQ(7); err != nil {
		t.Fatalf("PushQ(vector): %v", err)
	}

	d := &Dispatcher{log: discardLogger{}}
	if err := d.handleInterrupt(v); err != nil {
		t.Fatalf("handleInterrupt(unknown vector): %v, want nil (logged and ignored)", err)
	}
}

// TestDispatcherHandleSignalDeliveryFlushesToKVM drives a full
// Dispatcher.Handle call through a real vcpu, with a signal pending, and
// reads registers back from KVM rather than the shadow copy - the only
// way to catch a SetRegs ordering regression that leaves Deliver's
// redirect stuck in the Go-side struct.
func TestDispatcherHandleSignalDeliveryFlushesToKVM(t *testing.T) {
	vm := newTestVM(t)
	v := vm.VCPU()

	if err := v.GetRegs(); err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	v.SetStackPointer(vm.initialRSP)
	v.regs.RAX = syscallGetpid
	if err := v.SetRegs(); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}
	if err := v.PushQ(hypercallSyscall); err != nil {
		t.Fatalf("PushQ(tag): %v", err)
	}
	if err := v.SetRegs(); err != nil {
		t.Fatalf("SetRegs (flush pushed tag): %v", err)
	}

	vm.Signals.SetCleanupBlob(0xdead0000)
	if err := vm.Signals.RegisterHandler(5, &GuestHandler{Addr: 0x2000}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	vm.Signals.Queue(5)

	halt, err := vm.dispatcher.Handle(v)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if halt {
		t.Fatalf("Handle reported halt for a getpid call")
	}

	if err := v.GetRegs(); err != nil {
		t.Fatalf("GetRegs after Handle: %v", err)
	}
	if v.regs.RIP != 0x2000 {
		t.Fatalf("RIP read back from KVM = %#x, want handler addr 0x2000 (signal redirect must reach the vcpu)", v.regs.RIP)
	}
	if v.regs.RDI != 5 {
		t.Fatalf("RDI read back from KVM = %d, want signal number 5", v.regs.RDI)
	}
}

// TestDispatcherHandleRtSigreturnRestoresWithoutCorruption checks that
// returning from a signal handler restores the exact pre-signal RIP and
// RAX, bypassing the ordinary syscall-return RAX write and VMCALL-length
// RIP advance.
func TestDispatcherHandleRtSigreturnRestoresWithoutCorruption(t *testing.T) {
	vm := newTestVM(t)
	v := vm.VCPU()

	if err := v.GetRegs(); err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	v.SetStackPointer(vm.initialRSP)
	const preSignalRIP = 0x0000_3000_0000_0000
	const preSignalRAX = 0x4242
	v.regs.RIP = preSignalRIP
	v.regs.RAX = preSignalRAX
	if err := v.SetRegs(); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}

	vm.Signals.SetCleanupBlob(0xdead0000)
	if err := vm.Signals.RegisterHandler(5, &GuestHandler{Addr: 0x2000}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	vm.Signals.Queue(5)
	if err := vm.Signals.Deliver(v); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := v.SetRegs(); err != nil {
		t.Fatalf("SetRegs (flush handler redirect): %v", err)
	}

	// The guest handler "runs" and calls rt_sigreturn.
	v.regs.RAX = syscallRtSigreturn
	if err := v.PushQ(hypercallSyscall); err != nil {
		t.Fatalf("PushQ(tag): %v", err)
	}
	if err := v.SetRegs(); err != nil {
		t.Fatalf("SetRegs (flush tag+RAX): %v", err)
	}

	halt, err := vm.dispatcher.Handle(v)
	if err != nil {
		t.Fatalf("Handle (rt_sigreturn): %v", err)
	}
	if halt {
		t.Fatalf("rt_sigreturn reported halt")
	}

	if err := v.GetRegs(); err != nil {
		t.Fatalf("GetRegs after rt_sigreturn: %v", err)
	}
	if v.regs.RIP != preSignalRIP {
		t.Fatalf("RIP after rt_sigreturn = %#x, want restored %#x (no +3 VMCALL advance)", v.regs.RIP, uint64(preSignalRIP))
	}
	if v.regs.RAX != preSignalRAX {
		t.Fatalf("RAX after rt_sigreturn = %#x, want restored %#x (not overwritten by syscall result)", v.regs.RAX, uint64(preSignalRAX))
	}
	if vm.Signals.InHandler() {
		t.Fatalf("InHandler() = true after rt_sigreturn, want false")
	}
}
