package tempmap

import (
	"testing"

	"vmkernel/kerr"
	"vmkernel/mem"
)

func TestDirectMapperAddsOffset(t *testing.T) {
	d := &DirectMapper{HHDMOffset: 0x1000000}
	virt, err := d.Map(0x2000)
	if err != 0 {
		t.Fatalf("map: %v", err)
	}
	if virt != 0x1002000 {
		t.Fatalf("got %#x want %#x", virt, 0x1002000)
	}
	d.Release(virt) // no-op, must not panic
}

func TestArchTempMapperSlotReuseAfterRelease(t *testing.T) {
	var mapped, unmapped []mem.Va_t
	a := NewArchTempMapper(0x500000, 16,
		func(virt mem.Va_t, phys mem.Pa_t, args mem.PageTableArgs) kerr.Err_t {
			mapped = append(mapped, virt)
			return 0
		},
		func(virt mem.Va_t) kerr.Err_t {
			unmapped = append(unmapped, virt)
			return 0
		},
		nil,
	)

	virt, err := a.Map(0x8000)
	if err != 0 {
		t.Fatalf("map: %v", err)
	}
	a.Release(virt)
	if len(unmapped) != 1 || unmapped[0] != virt {
		t.Fatalf("expected release to unmap %#x, got %v", virt, unmapped)
	}

	// The released slot must be available for reuse.
	virt2, err := a.Map(0x9000)
	if err != 0 {
		t.Fatalf("map after release: %v", err)
	}
	if virt2 != virt {
		t.Fatalf("expected slot reuse at %#x, got %#x", virt, virt2)
	}
}

func TestArchTempMapperExhaustionReturnsBusy(t *testing.T) {
	a := NewArchTempMapper(0x600000, 16, nil, nil, nil)
	for i := 0; i < 16; i++ {
		if _, err := a.Map(mem.Pa_t(i * mem.PageSize)); err != 0 {
			t.Fatalf("slot %d: %v", i, err)
		}
	}
	if _, err := a.Map(0xdead000); err != kerr.Busy {
		t.Fatalf("expected Busy on exhaustion, got %v", err)
	}
}

func TestHandleAcquireReleaseRoundTrip(t *testing.T) {
	SetMapper(&DirectMapper{HHDMOffset: 0x7000000})
	h, err := Acquire(0x3000)
	if err != 0 {
		t.Fatalf("acquire: %v", err)
	}
	if h.Virt() != 0x7003000 {
		t.Fatalf("got %#x", h.Virt())
	}
	h.Release()
	h.Release() // must be idempotent
}

func TestAcquireWithNoMapperInstalledFails(t *testing.T) {
	SetMapper(nil)
	if _, err := Acquire(0x1000); err != kerr.Invalid {
		t.Fatalf("expected Invalid with no mapper installed, got %v", err)
	}
}
