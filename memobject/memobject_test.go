package memobject

import (
	"context"
	"errors"
	"testing"

	"vmkernel/kerr"
	"vmkernel/mem"
	"vmkernel/pmm"
)

func newTestPMM() *pmm.Manager {
	pm := pmm.NewManager()
	pm.AddRegion("normal", pmm.Normal, 0x400000, 256)
	return pm
}

func TestAnonymousRequestPageAllocatesOnceThenReuses(t *testing.T) {
	pm := newTestPMM()
	o := Create(pm, mem.PageShift, 4, FlagAnonymous)

	p, res, err := o.RequestPage(context.Background(), 0, false)
	if err != 0 || res != Immediate {
		t.Fatalf("expected immediate page, got res=%v err=%v", res, err)
	}
	if p.Refcount() < 1 {
		t.Fatalf("expected refcount >= 1, got %d", p.Refcount())
	}

	// second request to the same offset must return the same page,
	// duplicating the handle rather than allocating a new one (spec §8:
	// "at most one page with offset == o is attached").
	p2, res2, err2 := o.RequestPage(context.Background(), 0, false)
	if err2 != 0 || res2 != Immediate {
		t.Fatalf("expected immediate page on second request: %v %v", res2, err2)
	}
	if p2 != p {
		t.Fatalf("expected the same page on repeated request to the same offset")
	}
}

func TestResizeNoopOnSecondCall(t *testing.T) {
	pm := newTestPMM()
	o := Create(pm, mem.PageShift, 8, 0)

	if err := o.Resize(4, nil, nil); err != 0 {
		t.Fatalf("first resize: %v", err)
	}
	if o.SizePages() != 4 {
		t.Fatalf("expected size 4, got %d", o.SizePages())
	}
	if err := o.Resize(4, nil, nil); err != 0 {
		t.Fatalf("second resize (no-op): %v", err)
	}
	if o.SizePages() != 4 {
		t.Fatalf("expected size still 4, got %d", o.SizePages())
	}
}

func TestResizeEnqueuesShrunkPagesForFree(t *testing.T) {
	pm := newTestPMM()
	o := Create(pm, mem.PageShift, 8, FlagAnonymous)

	for i := uint64(0); i < 8; i++ {
		if _, res, err := o.RequestPage(context.Background(), i*mem.PageSize, true); res != Immediate || err != 0 {
			t.Fatalf("priming page %d: res=%v err=%v", i, res, err)
		}
	}

	var freed []*pmm.Page
	if err := o.Resize(4, nil, func(p *pmm.Page) { freed = append(freed, p) }); err != 0 {
		t.Fatalf("resize: %v", err)
	}
	if len(freed) != 4 {
		t.Fatalf("expected 4 pages enqueued for free, got %d", len(freed))
	}
}

type fakePager struct{ sent []uint64 }

func (f *fakePager) SendPagerRequest(objID ID, offsetBytes uint64) error {
	f.sent = append(f.sent, offsetBytes)
	return nil
}

func TestPagerBackedFaultDefersThenResolves(t *testing.T) {
	pm := newTestPMM()
	o := Create(pm, mem.PageShift, 16, 0)
	pager := &fakePager{}
	o.SetPager(pager)

	_, res, err := o.RequestPage(context.Background(), 7*mem.PageSize, false)
	if err != 0 || res != Deferred {
		t.Fatalf("expected deferred on first pager-backed fault, got res=%v err=%v", res, err)
	}
	if len(pager.sent) != 1 || pager.sent[0] != 7*mem.PageSize {
		t.Fatalf("expected exactly one PagerRequest at offset 7*PAGE, got %v", pager.sent)
	}

	// A second fault on the same still-placeholder offset must also defer,
	// not send a second PagerRequest.
	_, res2, err2 := o.RequestPage(context.Background(), 7*mem.PageSize, false)
	if err2 != 0 || res2 != Deferred {
		t.Fatalf("expected deferred on repeat fault, got res=%v err=%v", res2, err2)
	}
	if len(pager.sent) != 1 {
		t.Fatalf("expected no additional PagerRequest, got %d sends", len(pager.sent))
	}

	p, err3 := pm.AllocAnonPage(pmm.Normal, nil)
	if err3 != 0 {
		t.Fatalf("alloc backing page: %v", err3)
	}
	if err := o.ResolvePagerReply(7*mem.PageSize, p); err != 0 {
		t.Fatalf("resolve pager reply: %v", err)
	}

	p2, res3, err4 := o.RequestPage(context.Background(), 7*mem.PageSize, false)
	if err4 != 0 || res3 != Immediate {
		t.Fatalf("expected immediate after resolve, got res=%v err=%v", res3, err4)
	}
	if p2 != p {
		t.Fatalf("expected the resolved page to be returned")
	}
}

func TestCreateFromPhysPhysAddrMatches(t *testing.T) {
	pm := newTestPMM()
	base := mem.Pa_t(0x400000)
	o, err := CreateFromPhys(pm, base, 3*mem.PageSize, false, mem.PageTableArgs{Readable: true})
	if err != 0 {
		t.Fatalf("create from phys: %v", err)
	}
	p, res, rerr := o.RequestPage(context.Background(), mem.PageSize, false)
	if rerr != 0 || res != Immediate {
		t.Fatalf("request page 1: res=%v err=%v", res, rerr)
	}
	want := base + mem.PageSize
	if p.PhysAddr() != want {
		t.Fatalf("expected phys %#x, got %#x", want, p.PhysAddr())
	}
}

var errSend = errors.New("send failed")

type failingPager struct{}

func (failingPager) SendPagerRequest(ID, uint64) error { return errSend }

func TestPagerSendFailureReturnsFault(t *testing.T) {
	pm := newTestPMM()
	o := Create(pm, mem.PageShift, 4, 0)
	o.SetPager(failingPager{})

	_, res, err := o.RequestPage(context.Background(), 0, false)
	if res != ReqError || err != kerr.Fault {
		t.Fatalf("expected ReqError/Fault, got res=%v err=%v", res, err)
	}
}
