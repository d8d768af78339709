package elkvm

import "testing"

func TestSizeClass(t *testing.T) {
	cases := []struct {
		size uint64
		want int
	}{
		{pageSize, 0},
		{pageSize * 2, 1},
		{pageSize * 3, 2},
		{pageSize * 4, 2},
		{pageSize * 5, 3},
		{pageSize * 1 << 20, numSizeClasses - 1}, // clamps at the top class
	}
	for _, c := range cases {
		if got := sizeClass(c.size); got != c.want {
			t.Errorf("sizeClass(%d pages) = %d, want %d", c.size/pageSize, got, c.want)
		}
	}
}

func TestRegionAllocatorAllocateExactFit(t *testing.T) {
	chunks := NewChunkTable(nil)
	regions := NewRegionAllocator(chunks)
	c, err := chunks.Add(pageSize * 4)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	regions.AdoptChunk(c, 0)

	r, err := regions.Allocate(pageSize * 4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if r.Size != pageSize*4 || r.HostBase != c.HostBase {
		t.Fatalf("Allocate exact fit = {Size:%d HostBase:%#x}, want {%d %#x}", r.Size, r.HostBase, pageSize*4, c.HostBase)
	}
}

func TestRegionAllocatorSlicesLargerRegion(t *testing.T) {
	chunks := NewChunkTable(nil)
	regions := NewRegionAllocator(chunks)
	c, err := chunks.Add(pageSize * 4)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	regions.AdoptChunk(c, 0)

	r, err := regions.Allocate(pageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if r.Size != pageSize {
		t.Fatalf("Allocate(1 page).Size = %d, want %d", r.Size, pageSize)
	}

	r2, err := regions.Allocate(pageSize)
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if r2.HostBase == r.HostBase {
		t.Fatalf("second allocation reused the first region's host base")
	}
}

func TestRegionAllocatorGrowsChunkWhenExhausted(t *testing.T) {
	chunks := NewChunkTable(nil)
	regions := NewRegionAllocator(chunks)
	c, err := chunks.Add(pageSize)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	regions.AdoptChunk(c, 0)

	if _, err := regions.Allocate(pageSize); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if chunks.Count() != 1 {
		t.Fatalf("Count() = %d before growth, want 1", chunks.Count())
	}

	if _, err := regions.Allocate(pageSize); err != nil {
		t.Fatalf("second Allocate (should grow a new chunk): %v", err)
	}
	if chunks.Count() != 2 {
		t.Fatalf("Count() = %d after growth, want 2", chunks.Count())
	}
}

func TestRegionAllocatorFreeAndReuse(t *testing.T) {
	chunks := NewChunkTable(nil)
	regions := NewRegionAllocator(chunks)
	c, err := chunks.Add(pageSize * 2)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	regions.AdoptChunk(c, 0)

	r, err := regions.Allocate(pageSize * 2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	base := r.HostBase
	regions.Free(r)

	r2, err := regions.Allocate(pageSize * 2)
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if r2.HostBase != base {
		t.Fatalf("Allocate after Free reused a different region: got %#x, want %#x", r2.HostBase, base)
	}
}

func TestSliceBeginShrinksOriginalInPlace(t *testing.T) {
	chunks := NewChunkTable(nil)
	regions := NewRegionAllocator(chunks)
	c, err := chunks.Add(pageSize * 4)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	regions.AdoptChunk(c, 0)
	r, err := regions.Allocate(pageSize * 4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	originalBase := r.HostBase

	head, err := regions.SliceBegin(r, pageSize)
	if err != nil {
		t.Fatalf("SliceBegin: %v", err)
	}
	if head.HostBase != originalBase || head.Size != pageSize {
		t.Fatalf("head = {HostBase:%#x Size:%d}, want {%#x %d}", head.HostBase, head.Size, originalBase, pageSize)
	}
	if r.HostBase != originalBase+pageSize || r.Size != pageSize*3 {
		t.Fatalf("remainder = {HostBase:%#x Size:%d}, want {%#x %d}", r.HostBase, r.Size, originalBase+pageSize, pageSize*3)
	}
}

func TestSliceBeginRejectsOutOfRangeLength(t *testing.T) {
	chunks := NewChunkTable(nil)
	regions := NewRegionAllocator(chunks)
	c, err := chunks.Add(pageSize * 2)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	regions.AdoptChunk(c, 0)
	r, err := regions.Allocate(pageSize * 2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := regions.SliceBegin(r, r.Size); err == nil {
		t.Fatalf("SliceBegin(whole region) should error")
	}
	if _, err := regions.SliceBegin(r, 0); err == nil {
		t.Fatalf("SliceBegin(0) should error")
	}
}

func TestSliceCenterSplitsThreeWays(t *testing.T) {
	chunks := NewChunkTable(nil)
	regions := NewRegionAllocator(chunks)
	c, err := chunks.Add(pageSize * 4)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	regions.AdoptChunk(c, 0)
	r, err := regions.Allocate(pageSize * 4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	originalBase := r.HostBase

	prefix, center, suffix, err := regions.SliceCenter(r, pageSize, pageSize*2)
	if err != nil {
		t.Fatalf("SliceCenter: %v", err)
	}
	if prefix == nil || prefix.Size != pageSize || prefix.HostBase != originalBase {
		t.Fatalf("prefix = %+v, want Size=%d HostBase=%#x", prefix, pageSize, originalBase)
	}
	if center.Size != pageSize*2 || center.HostBase != originalBase+pageSize {
		t.Fatalf("center = %+v, want Size=%d HostBase=%#x", center, pageSize*2, originalBase+pageSize)
	}
	if suffix == nil || suffix.Size != pageSize || suffix.HostBase != originalBase+pageSize*3 {
		t.Fatalf("suffix = %+v, want Size=%d HostBase=%#x", suffix, pageSize, originalBase+pageSize*3)
	}
	if r.Size != 0 {
		t.Fatalf("original region not consumed: Size=%d", r.Size)
	}
}

func TestSliceCenterNoPrefixOrSuffixAtEdges(t *testing.T) {
	chunks := NewChunkTable(nil)
	regions := NewRegionAllocator(chunks)
	c, err := chunks.Add(pageSize * 2)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	regions.AdoptChunk(c, 0)
	r, err := regions.Allocate(pageSize * 2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	prefix, center, suffix, err := regions.SliceCenter(r, 0, pageSize*2)
	if err != nil {
		t.Fatalf("SliceCenter: %v", err)
	}
	if prefix != nil {
		t.Fatalf("prefix = %+v, want nil", prefix)
	}
	if suffix != nil {
		t.Fatalf("suffix = %+v, want nil", suffix)
	}
	if center.Size != pageSize*2 {
		t.Fatalf("center.Size = %d, want %d", center.Size, pageSize*2)
	}
}

func TestFindByGuestIgnoresFreeRegions(t *testing.T) {
	chunks := NewChunkTable(nil)
	regions := NewRegionAllocator(chunks)
	c, err := chunks.Add(pageSize * 2)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	regions.AdoptChunk(c, 0)

	r, err := regions.Allocate(pageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	r.GuestVirt = 0x1000
	if got := regions.FindByGuest(0x1000); got != r {
		t.Fatalf("FindByGuest(live) = %v, want %v", got, r)
	}

	regions.Free(r)
	if got := regions.FindByGuest(0x1000); got != nil {
		t.Fatalf("FindByGuest(freed) = %v, want nil", got)
	}
}
