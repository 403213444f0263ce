// Package loader models the external hand-off protocol of spec §6: the
// firmware/bootloader's memory map, HHDM offset, kernel base, modules
// list, and optional framebuffer/RSDP/FDT/SMP descriptors, plus the
// published load-tag format the first user task receives. Grounded on
// original_source/kernel/generic/limine/limine.cc (the pmOS loader
// protocol spec.md's §6 is distilled from) since the teacher pack's
// biscuit fork has no equivalent file of its own (its loader glue is
// architecture-specific and was not retrieved); memory-map visitation
// style is grounded on other_examples' goos-e BootMemAllocator.
package loader

import "vmkernel/mem"

// MemType tags one memory-map entry's usability.
type MemType int

const (
	Usable MemType = iota
	BootloaderReclaim
	ACPIReclaim
	KernelAndModules
	Other
)

// MemMapEntry is one row of the loader-provided memory map.
type MemMapEntry struct {
	BasePhys    mem.Pa_t
	LengthBytes uint64
	Type        MemType
}

// Module describes one loader-provided module (an initrd entry, a
// bootstrap ELF, ...).
type Module struct {
	Path    string
	Cmdline string
	Phys    mem.Pa_t
	Size    uint64
}

// Framebuffer is the optional framebuffer descriptor.
type Framebuffer struct {
	Address                     mem.Pa_t
	Pitch, Width, Height        uint32
	BPP                         uint8
	RedMask, GreenMask, BlueMask uint32
}

// SMPCPU describes one secondary CPU the loader discovered.
type SMPCPU struct {
	HartOrLAPICID uint32
	GotoAddress   mem.Va_t // written by boot to start the AP; read by the loader's trampoline
	ExtraArgument uint64
}

// SMP is the optional SMP descriptor.
type SMP struct {
	CPUCount int
	BSPID    uint32
	CPUs     []SMPCPU
}

// Handoff is everything read once at boot (spec §6, "Loader hand-off").
type Handoff struct {
	MemMap         []MemMapEntry
	HHDMOffset     mem.Va_t
	KernelPhysBase mem.Pa_t
	KernelVirtBase mem.Va_t
	PagingModeHint string // e.g. "4-level", "5-level"
	Modules        []Module

	Framebuffer *Framebuffer
	RSDP        *mem.Pa_t
	FDT         *mem.Pa_t
	SMPInfo     *SMP
}

// VisitUsable calls f for every Usable memory-map entry, in the order
// the memory map lists them (no sorting is done), the shape
// boot.Bringup uses to seed pmm.Manager.AddRegion calls.
func (h *Handoff) VisitUsable(f func(MemMapEntry)) {
	for _, e := range h.MemMap {
		if e.Type == Usable {
			f(e)
		}
	}
}

// TagID identifies one published load tag for the first user task.
type TagID uint32

const (
	TagLoadModules TagID = iota + 1
	TagFramebuffer
	TagRSDP
	TagFDT
)

// Tag is spec §6's published load tag: {tag_id, flags, offset_to_next},
// binary, 8-byte-aligned, self-describing. Payload is the tag-specific
// body (already encoded); Encode lays out the whole chain.
type Tag struct {
	ID      TagID
	Flags   uint32
	Payload []byte
}

// LoadModuleEntry is one entry of a TagLoadModules payload.
type LoadModuleEntry struct {
	MemoryObjectID uint64
	Size           uint64
	PathOffset     uint32
	CmdlineOffset  uint32
}

// EncodeChain lays out tags back to back, 8-byte-aligned, filling in
// each tag's offset_to_next, matching spec §6's "self-describing" chain
// format the bootstrap user task walks.
func EncodeChain(tags []Tag) []byte {
	var out []byte
	for i, t := range tags {
		hdr := make([]byte, 16)
		putU32(hdr[0:4], uint32(t.ID))
		putU32(hdr[4:8], t.Flags)
		body := append(hdr, t.Payload...)
		for len(body)%8 != 0 {
			body = append(body, 0)
		}
		if i+1 < len(tags) {
			putU64(body[8:16], uint64(len(body)))
		} else {
			putU64(body[8:16], 0)
		}
		out = append(out, body...)
	}
	return out
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
