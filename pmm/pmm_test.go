package pmm

import (
	"testing"

	"vmkernel/mem"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	m := NewManager()
	m.AddRegion("normal", Normal, 0x100000, 64)

	p, err := m.AllocPages(4, Normal)
	if err != 0 {
		t.Fatalf("alloc failed: %v", err)
	}
	if p.State() != AllocatedPending {
		t.Fatalf("expected AllocatedPending, got %v", p.State())
	}
	if p.SizePages() != 4 {
		t.Fatalf("expected size 4, got %d", p.SizePages())
	}

	if err := m.FreePage(p); err != 0 {
		t.Fatalf("free failed: %v", err)
	}

	r := m.regions[Normal]
	r.mu.Lock()
	if !r.nonEmpty.Has(6) { // log2(64) == 6: the whole region re-coalesced
		t.Fatalf("expected order-6 free list to be non-empty after full coalesce")
	}
	r.mu.Unlock()
}

func TestCrossRegionNoCoalesce(t *testing.T) {
	m := NewManager()
	// Two disjoint ranges; AddRegion brackets each with Reserved sentinels
	// so their free runs can never merge (spec §8 scenario 4).
	m.AddRegion("low", Below4GB, 0x0000, 4)   // [0, 0x4000)
	m.AddRegion("high", Below4GB, 0x10000, 16) // [0x10000, 0x20000)

	p1, err := m.AllocPages(1, Below4GB)
	if err != 0 {
		t.Fatalf("alloc1: %v", err)
	}
	p2, err := m.AllocPages(1, Below4GB)
	if err != 0 {
		t.Fatalf("alloc2: %v", err)
	}

	if err := m.FreePage(p1); err != 0 {
		t.Fatalf("free1: %v", err)
	}
	if err := m.FreePage(p2); err != 0 {
		t.Fatalf("free2: %v", err)
	}

	r := m.regions[Below4GB]
	if len(r.arrays) != 2 {
		t.Fatalf("expected 2 descriptor arrays, got %d", len(r.arrays))
	}

	// Each range re-coalesces only within itself: the low range back into
	// its own 4-page run, the untouched high range still one 16-page run.
	if p1.State() != Free || p1.SizePages() != 4 {
		t.Fatalf("expected low range to re-coalesce into one 4-page run, got %v/%d", p1.State(), p1.SizePages())
	}
	high, err := m.FindPage(0x10000)
	if err != 0 {
		t.Fatalf("find high head: %v", err)
	}
	if high.State() != Free || high.SizePages() != 16 {
		t.Fatalf("expected high range to stay one 16-page run, got %v/%d", high.State(), high.SizePages())
	}
}

func TestFindPage(t *testing.T) {
	m := NewManager()
	m.AddRegion("normal", Normal, 0x100000, 32)

	p, err := m.FindPage(0x100000)
	if err != 0 {
		t.Fatalf("find failed: %v", err)
	}
	if p.PhysAddr() != mem.Pa_t(0x100000) {
		t.Fatalf("expected phys 0x100000, got %#x", p.PhysAddr())
	}

	if _, err := m.FindPage(0x500000); err == 0 {
		t.Fatalf("expected NotFound for out-of-range address")
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	m := NewManager()
	m.AddRegion("normal", Normal, 0x100000, 4)

	if _, err := m.AllocPages(1<<30, Normal); err == 0 {
		t.Fatalf("expected OutOfMemory for an impossibly large request")
	}
}

func TestRefcountReleaseEnqueuesPendingFree(t *testing.T) {
	m := NewManager()
	m.AddRegion("normal", Normal, 0x100000, 8)

	p, err := m.AllocAnonPage(Normal, nil)
	if err != 0 {
		t.Fatalf("alloc anon: %v", err)
	}
	if p.Refcount() != 1 {
		t.Fatalf("expected refcount 1, got %d", p.Refcount())
	}

	toFree, freed := m.ReleasePage(p)
	if !freed {
		t.Fatalf("expected release to free at refcount 0")
	}
	if toFree.State() != PendingFree {
		t.Fatalf("expected PendingFree, got %v", toFree.State())
	}
}
