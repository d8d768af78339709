package elkvm

import "testing"

func TestNewWiresUpAllComponents(t *testing.T) {
	vm := newTestVM(t)

	if vm.Chunks == nil || vm.Pager == nil || vm.Regions == nil {
		t.Fatalf("New left core memory components nil")
	}
	if vm.Heap == nil || vm.Mappings == nil || vm.Stack == nil {
		t.Fatalf("New left mmap/brk/stack components nil")
	}
	if vm.Handlers == nil || vm.Signals == nil {
		t.Fatalf("New left syscall handler table or signal queue nil")
	}
	if len(vm.vcpus) != 1 {
		t.Fatalf("len(vcpus) = %d, want 1", len(vm.vcpus))
	}
}

func TestNewAppliesStackHardCapOverride(t *testing.T) {
	requireKVM(t)
	vm, err := New(Config{StackHardCap: pageSize * 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()

	if vm.Stack.hardCap != pageSize*4 {
		t.Fatalf("Stack.hardCap = %d, want %d", vm.Stack.hardCap, pageSize*4)
	}
}

func TestLoadEntryPointSetsRIPAndRSP(t *testing.T) {
	vm := newTestVM(t)
	const entry = 0x0000_1000_0000_0000

	if err := vm.LoadEntryPoint(entry, []string{"prog"}, []string{"HOME=/root"}, nil); err != nil {
		t.Fatalf("LoadEntryPoint: %v", err)
	}

	v := vm.VCPU()
	if err := v.GetRegs(); err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	if v.regs.RIP != entry {
		t.Fatalf("RIP = %#x, want %#x", v.regs.RIP, entry)
	}
	if v.regs.RSP == 0 || v.regs.RSP > vm.initialRSP {
		t.Fatalf("RSP = %#x, want a value <= initial RSP %#x after pushing the frame", v.regs.RSP, vm.initialRSP)
	}
}

func TestHandlePageFaultGrowsMappedUserStack(t *testing.T) {
	vm := newTestVM(t)
	belowLow := vm.Stack.stackLow - pageSize

	if err := vm.handlePageFault(belowLow, 0x2); err != nil {
		t.Fatalf("handlePageFault: %v", err)
	}
	host, err := vm.Pager.GuestVirtToHost(belowLow)
	if err != nil || host == nil {
		t.Fatalf("stack page not mapped after handlePageFault: %p, %v", host, err)
	}
}

func TestHandlePageFaultUnresolvedIsFatal(t *testing.T) {
	vm := newTestVM(t)
	if err := vm.handlePageFault(0x0000_2000_0000_0000, 0x0); err == nil {
		t.Fatalf("handlePageFault(unmapped, unrelated address) should fault")
	}
}

func TestVMCloseReleasesResources(t *testing.T) {
	requireKVM(t)
	vm, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
