package elkvm

import "testing"

func newTestVM(t *testing.T) *VM {
	t.Helper()
	requireKVM(t)
	vm, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return vm
}

func TestVCPUInitLongModeSetsControlRegisters(t *testing.T) {
	vm := newTestVM(t)
	v := vm.VCPU()

	if err := v.GetSregs(); err != nil {
		t.Fatalf("GetSregs: %v", err)
	}
	if v.sregs.cr3 == 0 {
		t.Fatalf("cr3 = 0 after InitLongMode, want pml4 guest-phys address")
	}
	if v.sregs.cs.l != 1 {
		t.Fatalf("cs.l = %d, want 1 (64-bit mode)", v.sregs.cs.l)
	}
}

func TestVCPUPushQPopQRoundTrip(t *testing.T) {
	vm := newTestVM(t)
	v := vm.VCPU()
	if err := v.GetRegs(); err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	v.SetStackPointer(vm.initialRSP)

	if err := v.PushQ(0xdeadbeef); err != nil {
		t.Fatalf("PushQ: %v", err)
	}
	got, err := v.PopQ()
	if err != nil {
		t.Fatalf("PopQ: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("PopQ = %#x, want 0xdeadbeef", got)
	}
}

func TestVCPUPushQGrowsStackAcrossPageBoundary(t *testing.T) {
	vm := newTestVM(t)
	v := vm.VCPU()
	if err := v.GetRegs(); err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	// Start right at the lowest currently-mapped stack word; the next
	// push must run off the page and trigger Stack.Grow.
	v.SetStackPointer(vm.Stack.stackLow + 8)

	if err := v.PushQ(1); err != nil {
		t.Fatalf("PushQ at boundary: %v", err)
	}
	if err := v.PushQ(2); err != nil {
		t.Fatalf("PushQ past boundary (should grow): %v", err)
	}

	two, err := v.PopQ()
	if err != nil || two != 2 {
		t.Fatalf("PopQ = %d, %v, want 2, nil", two, err)
	}
	one, err := v.PopQ()
	if err != nil || one != 1 {
		t.Fatalf("PopQ = %d, %v, want 1, nil", one, err)
	}
}

func TestVCPUSinglestepToggle(t *testing.T) {
	vm := newTestVM(t)
	v := vm.VCPU()

	if v.IsSinglestep() {
		t.Fatalf("IsSinglestep() = true before any Singlestep call")
	}
	if err := v.Singlestep(true); err != nil {
		t.Fatalf("Singlestep(true): %v", err)
	}
	if !v.IsSinglestep() {
		t.Fatalf("IsSinglestep() = false after Singlestep(true)")
	}
	if err := v.Singlestep(false); err != nil {
		t.Fatalf("Singlestep(false): %v", err)
	}
	if v.IsSinglestep() {
		t.Fatalf("IsSinglestep() = true after Singlestep(false)")
	}
}

func TestVCPUSetMSRSucceeds(t *testing.T) {
	vm := newTestVM(t)
	v := vm.VCPU()
	const msrEFER = 0xc0000080
	if err := v.SetMSR(msrEFER, 0xd01); err != nil {
		t.Fatalf("SetMSR: %v", err)
	}
}

func TestVCPUHaltedLifecycle(t *testing.T) {
	vm := newTestVM(t)
	v := vm.VCPU()
	if v.Halted() {
		t.Fatalf("Halted() = true before any Halt() call")
	}
	v.Halt()
	if !v.Halted() {
		t.Fatalf("Halted() = false after Halt()")
	}
}
