package loader

import (
	"encoding/binary"
	"testing"

	"vmkernel/mem"
)

func TestVisitUsableSkipsOtherTypes(t *testing.T) {
	h := &Handoff{MemMap: []MemMapEntry{
		{BasePhys: 0, LengthBytes: 0x1000, Type: KernelAndModules},
		{BasePhys: 0x1000, LengthBytes: 0x2000, Type: Usable},
		{BasePhys: 0x3000, LengthBytes: 0x1000, Type: ACPIReclaim},
		{BasePhys: 0x4000, LengthBytes: 0x5000, Type: Usable},
	}}

	var got []MemMapEntry
	h.VisitUsable(func(e MemMapEntry) { got = append(got, e) })

	if len(got) != 2 {
		t.Fatalf("expected 2 usable entries, got %d", len(got))
	}
	if got[0].BasePhys != 0x1000 || got[1].BasePhys != 0x4000 {
		t.Fatalf("unexpected usable entries: %+v", got)
	}
}

func TestEncodeChainLinksOffsetsAndAligns(t *testing.T) {
	tags := []Tag{
		{ID: TagRSDP, Flags: 0, Payload: []byte{1, 2, 3}},
		{ID: TagFDT, Flags: 0, Payload: []byte{4, 5, 6, 7, 8}},
	}
	out := EncodeChain(tags)

	if len(out)%8 != 0 {
		t.Fatalf("chain not 8-byte aligned overall: %d bytes", len(out))
	}

	firstID := binary.LittleEndian.Uint32(out[0:4])
	if TagID(firstID) != TagRSDP {
		t.Fatalf("first tag id mismatch: got %d", firstID)
	}
	offsetToNext := binary.LittleEndian.Uint64(out[8:16])
	if offsetToNext == 0 {
		t.Fatalf("expected non-zero offset to next tag for a non-final entry")
	}
	if int(offsetToNext) >= len(out) {
		t.Fatalf("offset to next tag overruns the chain: %d >= %d", offsetToNext, len(out))
	}

	secondID := binary.LittleEndian.Uint32(out[offsetToNext : offsetToNext+4])
	if TagID(secondID) != TagFDT {
		t.Fatalf("second tag id mismatch at offset %d: got %d", offsetToNext, secondID)
	}
	lastOffset := binary.LittleEndian.Uint64(out[offsetToNext+8 : offsetToNext+16])
	if lastOffset != 0 {
		t.Fatalf("expected terminal tag's offset_to_next to be 0, got %d", lastOffset)
	}
}

func TestEncodeChainEmpty(t *testing.T) {
	out := EncodeChain(nil)
	if len(out) != 0 {
		t.Fatalf("expected empty chain for no tags, got %d bytes", len(out))
	}
}

func TestHandoffFieldsRoundTrip(t *testing.T) {
	h := &Handoff{
		HHDMOffset:     mem.Va_t(0xffff800000000000),
		KernelPhysBase: 0x200000,
		PagingModeHint: "4-level",
	}
	if h.HHDMOffset == 0 || h.KernelPhysBase == 0 || h.PagingModeHint == "" {
		t.Fatalf("expected fields to round-trip unchanged: %+v", h)
	}
}
