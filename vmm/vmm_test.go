package vmm

import (
	"testing"

	"vmkernel/kerr"
	"vmkernel/mem"
	"vmkernel/pmm"
)

func newTestArena(t *testing.T) *Arena {
	t.Helper()
	pm := pmm.NewManager()
	pm.AddRegion("normal", pmm.Normal, 0x200000, 1024)
	mapKernel := func(phys mem.Pa_t, virt mem.Va_t, npages int) kerr.Err_t { return 0 }
	return NewArena(0x1000000, 256*mem.PageSize, pm, mapKernel)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestArena(t)

	// The first tag refill permanently carves a metadata page out of the
	// arena (see TestRefillCarvesMetadataPageOutOfFreeSpace); prime it so
	// the baseline covers only the round trip itself.
	if err := a.ensureTags(1); err != 0 {
		t.Fatalf("prime spare tags: %v", err)
	}
	before := a.Stats()

	v, err := a.Alloc(4, InstantFit)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if v == 0 {
		t.Fatalf("expected nonzero virtual address")
	}

	if err := a.Free(v, 4); err != 0 {
		t.Fatalf("free: %v", err)
	}

	after := a.Stats()
	if after.FreeBytes != before.FreeBytes {
		t.Fatalf("expected free bytes to return to baseline: before=%d after=%d", before.FreeBytes, after.FreeBytes)
	}
	if !a.SegmentOrdered() {
		t.Fatalf("expected segment list to be ordered and gap-free after round trip")
	}
}

func TestAllocAlignedSplitsThreeWays(t *testing.T) {
	a := newTestArena(t)

	v, err := a.AllocAligned(2, 16, InstantFit) // 64 KiB alignment
	if err != 0 {
		t.Fatalf("alloc aligned: %v", err)
	}
	if uintptr(v)&((1<<16)-1) != 0 {
		t.Fatalf("expected 64KiB-aligned address, got %#x", v)
	}
	if !a.SegmentOrdered() {
		t.Fatalf("expected segment list ordered after aligned split")
	}
}

func TestFreeMismatchSizeRejected(t *testing.T) {
	a := newTestArena(t)

	v, err := a.Alloc(2, InstantFit)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if err := a.Free(v, 3); err == 0 {
		t.Fatalf("expected a size mismatch to be rejected")
	}
}

func TestOverflowTopBucketRejected(t *testing.T) {
	a := newTestArena(t)
	if _, err := a.Alloc(1<<31, InstantFit); err == 0 {
		t.Fatalf("expected OutOfMemory for a request overflowing the top bucket")
	}
}

// TestRefillCarvesMetadataPageOutOfFreeSpace exercises spec §8's "VMM
// refill under pressure" scenario: the spare tag pool starts empty, so
// the very first Alloc forces ensureTags to carve a page out of the
// arena for its own metadata. That carved page must leave the free
// lists for good, not just get mapped and left behind as still-free —
// otherwise a later Alloc could hand the same virtual range back out
// while it's already claimed by the refill's physical mapping.
func TestRefillCarvesMetadataPageOutOfFreeSpace(t *testing.T) {
	a := newTestArena(t)
	before := a.Stats()

	v1, err := a.Alloc(1, InstantFit)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}

	after := a.Stats()
	wantFreed := uintptr(2) * mem.PageSize // v1's own page, plus the refill's carved metadata page
	gotFreed := before.FreeBytes - after.FreeBytes
	if gotFreed != wantFreed {
		t.Fatalf("expected the refill's metadata page to leave the free lists alongside the %#x allocation: free bytes dropped by %d, want %d",
			v1, gotFreed, wantFreed)
	}
	if !a.SegmentOrdered() {
		t.Fatalf("expected segment list ordered and gap-free after refill")
	}
}

// TestRefillUnderPressureAvoidsAliasing forces a second refill
// (draining the spare tag pool between allocations, as spec §8's
// scenario does by hand) and checks the two allocations are distinct,
// never overlap, and leave the segment list ordered and gap-free.
func TestRefillUnderPressureAvoidsAliasing(t *testing.T) {
	a := newTestArena(t)

	a.spareTags = nil
	v1, err := a.Alloc(1, InstantFit)
	if err != 0 {
		t.Fatalf("alloc 1: %v", err)
	}

	a.spareTags = nil
	v2, err := a.Alloc(1, InstantFit)
	if err != 0 {
		t.Fatalf("alloc 2: %v", err)
	}

	if v1 == v2 {
		t.Fatalf("expected independent allocations across repeated refills, got %#x twice", v1)
	}
	if v1 < v2 && v2 < v1+mem.Va_t(mem.PageSize) {
		t.Fatalf("allocations overlap: v1=%#x v2=%#x", v1, v2)
	}
	if v2 < v1 && v1 < v2+mem.Va_t(mem.PageSize) {
		t.Fatalf("allocations overlap: v1=%#x v2=%#x", v1, v2)
	}
	if !a.SegmentOrdered() {
		t.Fatalf("expected segment list ordered and gap-free after repeated refill")
	}
}
