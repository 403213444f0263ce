//go:build linux

package loader

import "testing"

func TestHostSimHandoffRoundTrip(t *testing.T) {
	h, data, err := HostSimHandoff(4096 * 4)
	if err != nil {
		t.Fatalf("hostsim handoff: %v", err)
	}
	defer HostSimRelease(data)

	if len(h.MemMap) != 1 {
		t.Fatalf("expected exactly one usable entry, got %d", len(h.MemMap))
	}
	if h.MemMap[0].Type != Usable {
		t.Fatalf("expected Usable entry, got %v", h.MemMap[0].Type)
	}
	if h.MemMap[0].LengthBytes != 4096*4 {
		t.Fatalf("unexpected length: %d", h.MemMap[0].LengthBytes)
	}
	if h.HHDMOffset == 0 {
		t.Fatalf("expected non-zero simulated HHDM offset")
	}

	seen := 0
	h.VisitUsable(func(e MemMapEntry) { seen++ })
	if seen != 1 {
		t.Fatalf("expected VisitUsable to see 1 entry, got %d", seen)
	}
}
