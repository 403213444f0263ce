package pagetable

import (
	"sync"
	"testing"

	"vmkernel/arch"
	"vmkernel/mem"
	"vmkernel/memobject"
	"vmkernel/pmm"
	"vmkernel/rcu"
)

// fakeBackend is an in-memory arch.PageTableBackend for tests: it
// ignores the root argument entirely and keeps one global mapping
// table, which is enough to exercise HandleFault's pre-check and
// ObjectRef's fault resolution without real hardware.
type fakeBackend struct {
	mu   sync.Mutex
	maps map[mem.Va_t]struct {
		phys mem.Pa_t
		args mem.PageTableArgs
	}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{maps: make(map[mem.Va_t]struct {
		phys mem.Pa_t
		args mem.PageTableArgs
	})}
}

func (f *fakeBackend) MapPage(root mem.Pa_t, virt mem.Va_t, phys mem.Pa_t, args mem.PageTableArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maps[virt] = struct {
		phys mem.Pa_t
		args mem.PageTableArgs
	}{phys, args}
	return nil
}

func (f *fakeBackend) UnmapPage(root mem.Pa_t, virt mem.Va_t) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.maps, virt)
	return nil
}

func (f *fakeBackend) Translate(root mem.Pa_t, virt mem.Va_t) (mem.Pa_t, mem.PageTableArgs, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.maps[virt]
	return e.phys, e.args, ok
}

func (f *fakeBackend) NewRoot() (mem.Pa_t, error) { return 0, nil }

type fakeInvalidator struct{ count int }

func (f *fakeInvalidator) InvalidatePage(mem.Va_t)          { f.count++ }
func (f *fakeInvalidator) InvalidateRange(mem.Va_t, int)    { f.count++ }
func (f *fakeInvalidator) InvalidateAll()                   { f.count++ }

func newTestPT(t *testing.T) (*PageTable, *pmm.Manager) {
	t.Helper()
	pm := pmm.NewManager()
	pm.AddRegion("normal", pmm.Normal, 0x800000, 1024)
	backend := newFakeBackend()
	col := arch.Collaborators{TLB: &fakeInvalidator{}}
	pt := New(1, 0, backend, col, pm, nil)
	return pt, pm
}

func TestAnonymousCOWForkIndependentWrites(t *testing.T) {
	pt1, pm := newTestPT(t)
	r1, err := pt1.CreateNormalRegion(0x10000000, 4*mem.PageSize, AccessRead|AccessWrite, "anon", true)
	if err != 0 {
		t.Fatalf("create region: %v", err)
	}

	if out := pt1.HandleFault(r1.StartAddr+2*mem.PageSize, AccessWrite); out != FaultOK {
		t.Fatalf("expected FaultOK on write to page 2, got %v", out)
	}

	backend2 := newFakeBackend()
	col := arch.Collaborators{TLB: &fakeInvalidator{}}
	pt2 := New(2, 0, backend2, col, pm, nil)

	nr, cerr := r1.Variant.CloneTo(r1, pt2, r1.StartAddr, r1.AccessBits)
	if cerr != 0 {
		t.Fatalf("clone: %v", cerr)
	}
	pt2.mu.Lock()
	pt2.insertRegionLocked(nr)
	oref := nr.Variant.(*ObjectRef)
	pt2.registerObjectRegionLocked(oref.Object, nr)
	pt2.mu.Unlock()

	if out := pt2.HandleFault(nr.StartAddr+2*mem.PageSize, AccessWrite); out != FaultOK {
		t.Fatalf("expected FaultOK on pt2 write to page 2, got %v", out)
	}

	phys1, ok1, _ := pt1backendLookup(t, r1)
	_ = ok1
	phys2, _, ok2 := backend2.Translate(0, (nr.StartAddr + 2*mem.PageSize).PGN())
	if !ok2 {
		t.Fatalf("expected page 2 mapped in pt2 after its own write")
	}
	if phys1 == phys2 {
		t.Fatalf("expected pt1 and pt2 to diverge to independent physical frames on page 2, both got %#x", phys1)
	}
}

func pt1backendLookup(t *testing.T, r *Region) (mem.Pa_t, bool, mem.PageTableArgs) {
	t.Helper()
	pt := r.Owner
	phys, args, ok := pt.backend.(*fakeBackend).Translate(0, (r.StartAddr + 2*mem.PageSize).PGN())
	return phys, ok, args
}

func TestReleaseInRangePunchesHole(t *testing.T) {
	pt, _ := newTestPT(t)
	r, err := pt.CreateNormalRegion(0x20000000, 8*mem.PageSize, AccessRead|AccessWrite, "anon", true)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}

	ctx := NewShootdownContext(pt)
	if rerr := pt.ReleaseInRange(ctx, r.StartAddr+2*mem.PageSize, 2*mem.PageSize); rerr != 0 {
		t.Fatalf("release in range: %v", rerr)
	}

	regions := pt.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions after punching a hole, got %d", len(regions))
	}
}

func TestCreateAndDeleteRegionRoundTrip(t *testing.T) {
	pt, _ := newTestPT(t)
	before := len(pt.Regions())

	r, err := pt.CreatePhysRegion(0x30000000, mem.PageSize, 0x900000, AccessRead, "phys", 0)
	if err != 0 {
		t.Fatalf("create phys region: %v", err)
	}
	pt.AtomicDeleteRegion(r)

	after := len(pt.Regions())
	if before != after {
		t.Fatalf("expected paging_regions unchanged, before=%d after=%d", before, after)
	}
}

func TestCloneToDuplicatesEveryRegion(t *testing.T) {
	pt1, pm := newTestPT(t)
	if _, err := pt1.CreateNormalRegion(0x10000000, 2*mem.PageSize, AccessRead|AccessWrite, "anon", true); err != 0 {
		t.Fatalf("create region 1: %v", err)
	}
	if _, err := pt1.CreatePhysRegion(0x20000000, mem.PageSize, 0x900000, AccessRead, "phys", 0); err != 0 {
		t.Fatalf("create region 2: %v", err)
	}

	backend2 := newFakeBackend()
	col := arch.Collaborators{TLB: &fakeInvalidator{}}
	pt2 := New(2, 0, backend2, col, pm, nil)

	if err := pt1.CloneTo(pt2); err != 0 {
		t.Fatalf("clone to: %v", err)
	}

	if len(pt2.Regions()) != len(pt1.Regions()) {
		t.Fatalf("expected %d cloned regions, got %d", len(pt1.Regions()), len(pt2.Regions()))
	}
}

func TestShrinkWithActiveMap(t *testing.T) {
	pt, pm := newTestPT(t)
	obj := memobject.Create(pm, mem.PageShift, 8, memobject.FlagAnonymous)
	r, err := pt.CreateMemObjectRegion(0x40000000, 8*mem.PageSize, obj, 0, 0, 8*mem.PageSize, AccessRead|AccessWrite, "obj", false)
	if err != 0 {
		t.Fatalf("create mem object region: %v", err)
	}

	for i := 0; i < 8; i++ {
		if out := pt.HandleFault(r.StartAddr+mem.Va_t(i*mem.PageSize), AccessWrite); out != FaultOK {
			t.Fatalf("touch page %d: %v", i, out)
		}
	}

	var freed []*pmm.Page
	if err := obj.Resize(4, []memobject.ShrinkNotifier{pt}, func(p *pmm.Page) { freed = append(freed, p) }); err != 0 {
		t.Fatalf("resize: %v", err)
	}

	regions := pt.Regions()
	if len(regions) != 1 {
		t.Fatalf("expected region still present (trimmed), got %d regions", len(regions))
	}
	if regions[0].Size != 4*mem.PageSize {
		t.Fatalf("expected region trimmed to 4 pages, got size %d", regions[0].Size)
	}
}

// TestResizeObjectRoutesThroughRCU exercises spec §8's RCU property end
// to end: a page freed by a shrinking resize must not reappear in the
// free lists until every CPU that was running at the time of the free
// has quiesced (spec §8, scenario 2's "the 4 freed pages appear as Free
// after an RCU grace period").
func TestResizeObjectRoutesThroughRCU(t *testing.T) {
	pt, pm := newTestPT(t)
	state := rcu.New(1)
	pt.SetRCU(state)

	obj := memobject.Create(pm, mem.PageShift, 8, memobject.FlagAnonymous)
	r, err := pt.CreateMemObjectRegion(0x50000000, 8*mem.PageSize, obj, 0, 0, 8*mem.PageSize, AccessRead|AccessWrite, "obj", false)
	if err != 0 {
		t.Fatalf("create mem object region: %v", err)
	}
	for i := 0; i < 8; i++ {
		if out := pt.HandleFault(r.StartAddr+mem.Va_t(i*mem.PageSize), AccessWrite); out != FaultOK {
			t.Fatalf("touch page %d: %v", i, out)
		}
	}

	phys4, _, ok4 := pt1backendLookup8(t, r, 4)
	if !ok4 {
		t.Fatalf("expected page 4 mapped before resize")
	}
	freedPage, ferr := pm.FindPage(phys4)
	if ferr != 0 {
		t.Fatalf("find page 4: %v", ferr)
	}

	if err := ResizeObject(obj, 4); err != 0 {
		t.Fatalf("resize object: %v", err)
	}

	if got := freedPage.State(); got != pmm.PendingFree {
		t.Fatalf("expected the excised page to be PendingFree before any CPU quiesces, got %v", got)
	}

	pt.Quiet(0)
	if got := freedPage.State(); got != pmm.Free {
		t.Fatalf("expected the excised page Free after its CPU quiesced, got %v", got)
	}
}

func pt1backendLookup8(t *testing.T, r *Region, page int) (mem.Pa_t, mem.PageTableArgs, bool) {
	t.Helper()
	pt := r.Owner
	phys, args, ok := pt.backend.(*fakeBackend).Translate(0, (r.StartAddr + mem.Va_t(page*mem.PageSize)).PGN())
	return phys, args, ok
}
