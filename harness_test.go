package elkvm

import (
	"testing"
)

// requireKVM skips t unless /dev/kvm is present and usable, gating the
// tests that actually issue ioctls against a real vcpu/vm file descriptor.
func requireKVM(t *testing.T) {
	t.Helper()
	f, err := OpenDevice()
	if err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}
	f.Close()
}

// newTestPager builds a chunk table with one system chunk, sized just
// over the page-table reserve, and a pager over it - enough to exercise
// every page-table and region-allocator path without a real vcpu.
func newTestPager(t *testing.T) (*ChunkTable, *Pager, *RegionAllocator) {
	t.Helper()
	chunks := NewChunkTable(nil)
	sysChunk, err := chunks.Add(pageTableAreaSize + 4*pageSize)
	if err != nil {
		t.Fatalf("adding system chunk: %v", err)
	}
	pager, err := NewPager(chunks, sysChunk, nil)
	if err != nil {
		t.Fatalf("NewPager: %v", err)
	}
	regions := NewRegionAllocator(chunks)
	regions.AdoptChunk(sysChunk, pageTableAreaSize)
	return chunks, pager, regions
}
