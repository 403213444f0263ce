// Package mem defines the fixed-size physical-address and page-table-entry
// primitives shared by every other package: PAGE_SIZE, Pa_t, the PTE flag
// bits, and the page-table argument tuple of the loader hand-off protocol.
// It plays the role biscuit's mem.go and dmap.go play for the rest of that
// kernel's vm tree.
package mem

import "unsafe"

const (
	// PageShift is log2(PAGE_SIZE).
	PageShift = 12
	// PageSize is the fixed frame size this subsystem manages.
	PageSize = 1 << PageShift
	// PageMask masks the in-page offset bits of a virtual or physical address.
	PageMask = PageSize - 1
)

// Pa_t is a physical address. Like the teacher's Pa_t, it is a distinct
// type from a bare uintptr so that physical and virtual addresses cannot
// be mixed up by the type checker.
type Pa_t uintptr

// Va_t is a kernel or user virtual address.
type Va_t uintptr

// PGN returns the page-aligned physical address.
func (p Pa_t) PGN() Pa_t { return p &^ PageMask }

// Off returns the in-page offset of p.
func (p Pa_t) Off() uintptr { return uintptr(p) & PageMask }

// PGN returns the page-aligned virtual address.
func (v Va_t) PGN() Va_t { return v &^ PageMask }

// Off returns the in-page offset of v.
func (v Va_t) Off() uintptr { return uintptr(v) & PageMask }

// Pg_t is one physical page's worth of bytes, used as the cast target for
// direct-mapped access to a frame's contents. Mirrors biscuit's Pg_t.
type Pg_t [PageSize / 8]uintptr

// Pmap_t is a single level of a hardware page table: 512 eight-byte PTEs,
// mirroring biscuit's Pmap_t (x86-64 PML4/PDPT/PD/PT layout).
type Pmap_t [512]Pa_t

// Pg2phys reinterprets a *Pg_t at its address as a Pa_t. Used only on
// direct-mapped (HHDM-backed) pointers, exactly as biscuit's dmap.go does.
func Pg2phys(pg *Pg_t) Pa_t {
	return Pa_t(uintptr(unsafe.Pointer(pg)))
}

// BytesAt reinterprets a mapped virtual address as an n-byte slice,
// generalizing biscuit/src/mem/dmap.go's Dmaplen (a fixed direct-map-base
// cast) to any mapped address, direct-mapped or temp-mapped. Every
// kernel<->physical byte copy in this module goes through this cast.
func BytesAt(v Va_t, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(v))), n)
}

// Page-table entry flag bits (x86-64-shaped, matching the teacher's
// mem.go constants; other architectures translate through the
// PageTableArgs tuple instead of these bits directly).
const (
	PTE_P    Pa_t = 1 << 0 // present
	PTE_W    Pa_t = 1 << 1 // writeable
	PTE_U    Pa_t = 1 << 2 // user-accessible
	PTE_PWT  Pa_t = 1 << 3
	PTE_PCD  Pa_t = 1 << 4 // cache-disable
	PTE_A    Pa_t = 1 << 5 // accessed
	PTE_D    Pa_t = 1 << 6 // dirty
	PTE_PS   Pa_t = 1 << 7 // page size (huge page)
	PTE_G    Pa_t = 1 << 8 // global
	PTE_COW  Pa_t = 1 << 9  // software: copy-on-write
	PTE_WASCOW Pa_t = 1 << 10 // software: was COW, now privately owned
	PTE_NX   Pa_t = 1 << 63 // execute-disable

	PTE_ADDR Pa_t = 0x000ffffffffff000 // frame address bits
)

// CachePolicy selects the caching behavior of a mapping, matching §6's
// page-table argument tuple.
type CachePolicy int

const (
	CacheNormal CachePolicy = iota
	CacheMemoryNoCache
	CacheIONoCache
)

// PageTableArgs is the architecture-neutral argument tuple passed at map
// time (spec §6); arch.PageTableBackend translates it to hardware bits.
type PageTableArgs struct {
	Readable         bool
	Writeable        bool
	UserAccess       bool
	Global           bool
	ExecutionDisable bool
	ExtraFlags       uint64
	Cache            CachePolicy
}

// PTEFlags renders args as the x86-64-shaped software/hardware bit
// convention of the PTE_* constants above; an arch.PageTableBackend is
// free to ignore it.
func (a PageTableArgs) PTEFlags() Pa_t {
	var f Pa_t = PTE_P
	if a.Writeable {
		f |= PTE_W
	}
	if a.UserAccess {
		f |= PTE_U
	}
	if a.Global {
		f |= PTE_G
	}
	if a.Cache == CacheMemoryNoCache || a.Cache == CacheIONoCache {
		f |= PTE_PCD
	}
	if a.ExecutionDisable {
		f |= PTE_NX
	}
	return f
}
