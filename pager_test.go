package elkvm

import (
	"errors"
	"testing"
	"unsafe"
)

func TestPagerMapAndTranslateRoundTrip(t *testing.T) {
	_, pager, regions := newTestPager(t)
	r, err := regions.Allocate(pageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	const guestVirt = 0x0000_4000_0000_0000
	if err := pager.MapUser(unsafe.Pointer(r.HostBase), guestVirt, MapOptions{Writable: true}); err != nil {
		t.Fatalf("MapUser: %v", err)
	}

	host, err := pager.GuestVirtToHost(guestVirt)
	if err != nil {
		t.Fatalf("GuestVirtToHost: %v", err)
	}
	if host != unsafe.Pointer(r.HostBase) {
		t.Fatalf("GuestVirtToHost = %p, want %p", host, unsafe.Pointer(r.HostBase))
	}

	// A byte written through the host pointer is visible through the
	// mapping's resolved address too (same physical page).
	*(*byte)(host) = 0x42
	again, _ := pager.GuestVirtToHost(guestVirt)
	if *(*byte)(again) != 0x42 {
		t.Fatalf("byte written through host pointer not visible via second translation")
	}
}

func TestPagerGuestVirtToHostUnmapped(t *testing.T) {
	_, pager, _ := newTestPager(t)
	host, err := pager.GuestVirtToHost(0x0000_5000_0000_0000)
	if err != nil {
		t.Fatalf("GuestVirtToHost: %v", err)
	}
	if host != nil {
		t.Fatalf("GuestVirtToHost(unmapped) = %p, want nil", host)
	}
}

func TestPagerMapUserRejectsConflictingRemap(t *testing.T) {
	_, pager, regions := newTestPager(t)
	r1, _ := regions.Allocate(pageSize)
	r2, _ := regions.Allocate(pageSize)

	const guestVirt = 0x0000_4000_0000_1000
	if err := pager.MapUser(unsafe.Pointer(r1.HostBase), guestVirt, MapOptions{}); err != nil {
		t.Fatalf("first MapUser: %v", err)
	}
	if err := pager.MapUser(unsafe.Pointer(r2.HostBase), guestVirt, MapOptions{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("remapping to a different page: err = %v, want ErrInvalidArgument", err)
	}
	// Re-mapping the identical (host, guest) pair is a no-op, not an error.
	if err := pager.MapUser(unsafe.Pointer(r1.HostBase), guestVirt, MapOptions{}); err != nil {
		t.Fatalf("idempotent MapUser: %v", err)
	}
}

func TestPagerMapUserRejectsUnalignedGuestVirt(t *testing.T) {
	_, pager, regions := newTestPager(t)
	r, _ := regions.Allocate(pageSize)
	if err := pager.MapUser(unsafe.Pointer(r.HostBase), 0x1001, MapOptions{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("MapUser(unaligned) err = %v, want ErrInvalidArgument", err)
	}
}

func TestPagerSetProtectionNarrowsWithoutChangingTarget(t *testing.T) {
	_, pager, regions := newTestPager(t)
	r, _ := regions.Allocate(pageSize)
	const guestVirt = 0x0000_4000_0000_2000
	if err := pager.MapUser(unsafe.Pointer(r.HostBase), guestVirt, MapOptions{Writable: true}); err != nil {
		t.Fatalf("MapUser: %v", err)
	}

	if err := pager.SetProtection(guestVirt, MapOptions{Writable: false}); err != nil {
		t.Fatalf("SetProtection: %v", err)
	}
	host, err := pager.GuestVirtToHost(guestVirt)
	if err != nil || host != unsafe.Pointer(r.HostBase) {
		t.Fatalf("SetProtection changed the mapped page: host=%p err=%v", host, err)
	}
}

func TestPagerSetProtectionRequiresExistingMapping(t *testing.T) {
	_, pager, _ := newTestPager(t)
	if err := pager.SetProtection(0x0000_4000_0000_3000, MapOptions{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("SetProtection(unmapped) err = %v, want ErrInvalidArgument", err)
	}
}

func TestPagerUnmapClearsTranslation(t *testing.T) {
	_, pager, regions := newTestPager(t)
	r, _ := regions.Allocate(pageSize)
	const guestVirt = 0x0000_4000_0000_4000
	if err := pager.MapUser(unsafe.Pointer(r.HostBase), guestVirt, MapOptions{}); err != nil {
		t.Fatalf("MapUser: %v", err)
	}
	if err := pager.Unmap(guestVirt); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	host, err := pager.GuestVirtToHost(guestVirt)
	if err != nil {
		t.Fatalf("GuestVirtToHost after Unmap: %v", err)
	}
	if host != nil {
		t.Fatalf("GuestVirtToHost after Unmap = %p, want nil", host)
	}
}

func TestPagerMapKernelAssignsDistinctAddresses(t *testing.T) {
	_, pager, regions := newTestPager(t)
	r1, _ := regions.Allocate(pageSize)
	r2, _ := regions.Allocate(pageSize)

	a1, err := pager.MapKernel(unsafe.Pointer(r1.HostBase), MapOptions{Writable: true})
	if err != nil {
		t.Fatalf("MapKernel: %v", err)
	}
	a2, err := pager.MapKernel(unsafe.Pointer(r2.HostBase), MapOptions{Writable: true})
	if err != nil {
		t.Fatalf("MapKernel: %v", err)
	}
	if a1 == a2 {
		t.Fatalf("MapKernel returned the same guest address twice: %#x", a1)
	}
	if a1 < kernelSpaceBottom || a2 < kernelSpaceBottom {
		t.Fatalf("MapKernel addresses below kernelSpaceBottom: %#x, %#x", a1, a2)
	}
}

func TestHandlePageFaultStackGrowTakesPriority(t *testing.T) {
	_, pager, _ := newTestPager(t)
	grown := false
	result, err := pager.HandlePageFault(0x1000, 0x2, /* write fault */
		func(addr uint64) (bool, error) { grown = true; return true, nil },
		func(addr uint64) (bool, error) { t.Fatalf("lazyFill should not run when stackGrow handles it"); return false, nil },
	)
	if err != nil {
		t.Fatalf("HandlePageFault: %v", err)
	}
	if !grown || !result.Handled || result.Fatal {
		t.Fatalf("result = %+v, grown=%v, want Handled with stackGrow invoked", result, grown)
	}
}

func TestHandlePageFaultFallsBackToLazyFill(t *testing.T) {
	_, pager, _ := newTestPager(t)
	result, err := pager.HandlePageFault(0x1000, 0x2,
		func(addr uint64) (bool, error) { return false, nil },
		func(addr uint64) (bool, error) { return true, nil },
	)
	if err != nil {
		t.Fatalf("HandlePageFault: %v", err)
	}
	if !result.Handled || result.Fatal {
		t.Fatalf("result = %+v, want Handled via lazyFill", result)
	}
}

func TestHandlePageFaultFatalWhenUnresolved(t *testing.T) {
	_, pager, _ := newTestPager(t)
	result, err := pager.HandlePageFault(0x1000, 0x0, nil, nil)
	if err != nil {
		t.Fatalf("HandlePageFault: %v", err)
	}
	if !result.Fatal || result.Handled {
		t.Fatalf("result = %+v, want Fatal", result)
	}
}

func TestHandlePageFaultReadFaultSkipsStackGrow(t *testing.T) {
	_, pager, _ := newTestPager(t)
	result, err := pager.HandlePageFault(0x1000, 0x0, /* read fault: errCode bit 1 clear */
		func(addr uint64) (bool, error) { t.Fatalf("stackGrow should not run on a read fault"); return false, nil },
		func(addr uint64) (bool, error) { return true, nil },
	)
	if err != nil {
		t.Fatalf("HandlePageFault: %v", err)
	}
	if !result.Handled {
		t.Fatalf("result = %+v, want Handled via lazyFill", result)
	}
}
