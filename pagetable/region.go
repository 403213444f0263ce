// Package pagetable implements spec §4.6 (Memory Region), §4.7 (Page
// Table) and §4.8 (TLB Shootdown) together, the way biscuit/src/vm/as.go
// keeps Vm_t, its region helpers, and Tlbshoot in one package. Fault
// resolution (Sys_pgfault), region installation (Vmadd_anon/Vmadd_file),
// and the kernel<->user copy helpers (userbuf.go's Userbuf_t) are all
// grounded there; region-tree/COW edge cases not covered by the
// retrieved as.go are cross-checked against original_source's
// mem_regions.cc/hh and paging.cc/hh.
package pagetable

import (
	"vmkernel/kerr"
	"vmkernel/mem"
	"vmkernel/memobject"
	"vmkernel/pmm"
	"vmkernel/tempmap"
)

// Access is the R/W/X access-bit set of spec §3's MemoryRegion.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExec
)

func (a Access) Subset(of Access) bool { return a&^of == 0 }

// FaultOutcome is the tagged result of alloc_page / handle_fault.
type FaultOutcome int

const (
	FaultOK FaultOutcome = iota
	FaultDeferred
	FaultFail
)

// Region is spec §3's polymorphic MemoryRegion: common fields plus one
// of the two variants. Go expresses the "tagged variant... better than
// deep virtual dispatch" note of spec §9 with an interface held in
// Variant rather than a closed sum type, since Go has no sum types; the
// five-operation contract is still a single small interface, not open
// subclassing.
type Region struct {
	StartAddr mem.Va_t
	Size      uintptr
	AccessBits Access
	Owner     *PageTable
	Name      string
	ID        uint64

	Variant Variant
}

// Variant is the per-kind behavior of spec §4.6's five operations.
type Variant interface {
	AllocPage(r *Region, pt *PageTable, faultAddr mem.Va_t, access Access) FaultOutcome
	CraftArguments(r *Region, access Access) mem.PageTableArgs
	CloneTo(r *Region, newPT *PageTable, base mem.Va_t, access Access) (*Region, kerr.Err_t)
	MoveTo(r *Region, ctx *ShootdownContext, newPT *PageTable, base mem.Va_t, access Access) (*Region, kerr.Err_t)
	Trim(r *Region, newStart mem.Va_t, newSize uintptr) kerr.Err_t
	PunchHole(r *Region, holeStart mem.Va_t, holeSize uintptr) (*Region, kerr.Err_t)
}

// End returns the exclusive end address of the region.
func (r *Region) End() mem.Va_t { return r.StartAddr + mem.Va_t(r.Size) }

// Contains reports whether virt falls within [StartAddr, End()).
func (r *Region) Contains(virt mem.Va_t) bool {
	return virt >= r.StartAddr && virt < r.End()
}

// ---- PhysMapped ----

// PhysMapped implements spec §4.6's PhysMapped{phys_base}: maps
// [phys_base, phys_base+size) one-to-one, with IONoCache caching, and
// never touches page structs.
type PhysMapped struct {
	PhysBase mem.Pa_t
}

func (p *PhysMapped) AllocPage(r *Region, pt *PageTable, faultAddr mem.Va_t, access Access) FaultOutcome {
	phys := p.PhysBase + mem.Pa_t(faultAddr-r.StartAddr)
	args := p.CraftArguments(r, access)
	if pt.backend == nil {
		return FaultFail
	}
	if err := pt.backend.MapPage(pt.archRoot, faultAddr.PGN(), phys.PGN(), args); err != nil {
		return FaultFail
	}
	return FaultOK
}

func (p *PhysMapped) CraftArguments(r *Region, access Access) mem.PageTableArgs {
	return mem.PageTableArgs{
		Readable:  r.AccessBits&AccessRead != 0,
		Writeable: r.AccessBits&AccessWrite != 0,
		UserAccess: true,
		Cache:     mem.CacheIONoCache,
		ExecutionDisable: r.AccessBits&AccessExec == 0,
	}
}

func (p *PhysMapped) CloneTo(r *Region, newPT *PageTable, base mem.Va_t, access Access) (*Region, kerr.Err_t) {
	nr := &Region{StartAddr: base, Size: r.Size, AccessBits: access, Owner: newPT, Name: r.Name,
		Variant: &PhysMapped{PhysBase: p.PhysBase}}
	return nr, 0
}

// MoveTo relocates a PhysMapped region: since no page structs or object
// backing are involved, this is a pure metadata move plus a shootdown of
// the old mapping, which spec §9 singles out as implementable (unlike
// ObjectRef.MoveTo, deliberately left NoSys).
func (p *PhysMapped) MoveTo(r *Region, ctx *ShootdownContext, newPT *PageTable, base mem.Va_t, access Access) (*Region, kerr.Err_t) {
	nr, err := p.CloneTo(r, newPT, base, access)
	if err != 0 {
		return nil, err
	}
	if ctx != nil {
		ctx.AddRange(r.StartAddr, r.Size)
	}
	return nr, 0
}

func (p *PhysMapped) Trim(r *Region, newStart mem.Va_t, newSize uintptr) kerr.Err_t {
	delta := newStart - r.StartAddr
	p.PhysBase += mem.Pa_t(delta)
	r.StartAddr = newStart
	r.Size = newSize
	return 0
}

func (p *PhysMapped) PunchHole(r *Region, holeStart mem.Va_t, holeSize uintptr) (*Region, kerr.Err_t) {
	if !r.Contains(holeStart) || !r.Contains(holeStart+mem.Va_t(holeSize)-1) {
		return nil, kerr.Invalid
	}
	upperStart := holeStart + mem.Va_t(holeSize)
	upperSize := uintptr(r.End() - upperStart)
	upper := &Region{
		StartAddr: upperStart, Size: upperSize, AccessBits: r.AccessBits, Owner: r.Owner, Name: r.Name,
		Variant: &PhysMapped{PhysBase: p.PhysBase + mem.Pa_t(upperStart-r.StartAddr)},
	}
	newSize := uintptr(holeStart - r.StartAddr)
	if err := p.Trim(r, r.StartAddr, newSize); err != 0 {
		return nil, err
	}
	return upper, 0
}

// ---- ObjectRef ----

// ObjectRef implements spec §4.6's ObjectRef{object, object_offset_bytes,
// start_offset_bytes, object_size_bytes, cow}: a window into a
// MemoryObject, the heart of COW and zero-padding fault resolution.
type ObjectRef struct {
	Object            *memobject.Object
	ObjectOffsetBytes uint64
	StartOffsetBytes  uint64
	ObjectSizeBytes   uint64
	COW               bool

	// private holds, per object offset, the page a write fault on this
	// particular region privately diverged to. The owning object's page
	// at that offset remains the shared, pre-fork copy every other
	// region referencing the same object still sees; this is what makes
	// scenario 1 of spec §8 (anonymous COW fork) actually independent
	// rather than a second handle to the same frame. Accessed only from
	// AllocPage, which always runs under the owning PageTable's lock.
	private map[uint64]*pmm.Page
}

func (o *ObjectRef) inWindow(relOffset uint64) bool {
	return relOffset >= o.StartOffsetBytes && relOffset < o.StartOffsetBytes+o.ObjectSizeBytes
}

// AllocPage implements spec §4.6's ObjectRef.alloc_page state machine
// verbatim against the five named cases.
func (o *ObjectRef) AllocPage(r *Region, pt *PageTable, faultAddr mem.Va_t, access Access) FaultOutcome {
	relOffset := uint64(faultAddr - r.StartAddr)

	// Pre-check: already mapped with adequate permissions.
	if phys, args, present := pt.backend.Translate(pt.archRoot, faultAddr.PGN()); present {
		have := Access(0)
		if args.Readable {
			have |= AccessRead
		}
		if args.Writeable {
			have |= AccessWrite
		}
		if access.Subset(have) {
			pt.invalidator.InvalidatePage(faultAddr.PGN())
			_ = phys
			return FaultOK
		}
	}

	outsideWindow := !o.inWindow(relOffset)
	if outsideWindow {
		if !o.COW {
			return FaultFail
		}
		// Allocate a private anonymous (zero) page; map writeable.
		p, aerr := pt.pmm.AllocAnonPage(pmm.Normal, nil)
		if aerr != 0 {
			return FaultFail
		}
		args := mem.PageTableArgs{Readable: true, Writeable: true, UserAccess: true}
		if e := pt.backend.MapPage(pt.archRoot, faultAddr.PGN(), p.PhysAddr(), args); e != nil {
			return FaultFail
		}
		return FaultOK
	}

	objOff := o.ObjectOffsetBytes + (relOffset - o.StartOffsetBytes)
	write := access&AccessWrite != 0

	if write && o.COW {
		if o.private == nil {
			o.private = make(map[uint64]*pmm.Page)
		}
		if priv, ok := o.private[objOff]; ok {
			// Already diverged by an earlier write on this region; just
			// (re)install the mapping.
			args := mem.PageTableArgs{Readable: true, Writeable: true, UserAccess: true}
			if e := pt.backend.MapPage(pt.archRoot, faultAddr.PGN(), priv.PhysAddr(), args); e != nil {
				return FaultFail
			}
			return FaultOK
		}

		// Request the shared page read-only first, to copy its current
		// contents, then allocate a private anonymous page that diverges
		// from the object's copy, then map writeable (spec §4.6's
		// COW-copy case). The whole page is copied; slack outside the
		// object window is not zeroed.
		shared, res, err := o.Object.RequestPage(nil, objOff, false)
		if res != memobject.Immediate {
			if err != 0 {
				return FaultFail
			}
			return FaultDeferred
		}
		priv, aerr := pt.pmm.AllocAnonPage(pmm.Normal, nil)
		if aerr != 0 {
			return FaultFail
		}
		copyPageContents(priv, shared)
		o.private[objOff] = priv

		args := mem.PageTableArgs{Readable: true, Writeable: true, UserAccess: true}
		if e := pt.backend.MapPage(pt.archRoot, faultAddr.PGN(), priv.PhysAddr(), args); e != nil {
			return FaultFail
		}
		return FaultOK
	}

	// Read fault inside the window, or non-COW write: request plainly.
	p, res, err := o.Object.RequestPage(nil, objOff, write)
	if res != memobject.Immediate {
		if err != 0 {
			return FaultFail
		}
		return FaultDeferred
	}
	args := mem.PageTableArgs{Readable: true, UserAccess: true}
	if !o.COW {
		args.Writeable = write
	} else {
		args.Writeable = false // COW region: every shared page is mapped read-only until a write diverges it
	}
	if e := pt.backend.MapPage(pt.archRoot, faultAddr.PGN(), p.PhysAddr(), args); e != nil {
		return FaultFail
	}
	return FaultOK
}

func (o *ObjectRef) CraftArguments(r *Region, access Access) mem.PageTableArgs {
	return mem.PageTableArgs{
		Readable:  r.AccessBits&AccessRead != 0,
		Writeable: !o.COW && r.AccessBits&AccessWrite != 0,
		UserAccess: true,
		ExecutionDisable: r.AccessBits&AccessExec == 0,
	}
}

func (o *ObjectRef) CloneTo(r *Region, newPT *PageTable, base mem.Va_t, access Access) (*Region, kerr.Err_t) {
	o.Object.AddHandle()
	nr := &Region{StartAddr: base, Size: r.Size, AccessBits: access, Owner: newPT, Name: r.Name,
		Variant: &ObjectRef{Object: o.Object, ObjectOffsetBytes: o.ObjectOffsetBytes,
			StartOffsetBytes: o.StartOffsetBytes, ObjectSizeBytes: o.ObjectSizeBytes, COW: o.COW}}
	return nr, 0
}

// MoveTo is spec §9's deliberately unimplemented variant: "ObjectRef.
// move_to is declared but intentionally returns NoSys in the source...
// the spec does not prescribe" implementing it.
func (o *ObjectRef) MoveTo(r *Region, ctx *ShootdownContext, newPT *PageTable, base mem.Va_t, access Access) (*Region, kerr.Err_t) {
	return nil, kerr.NoSys
}

func (o *ObjectRef) Trim(r *Region, newStart mem.Va_t, newSize uintptr) kerr.Err_t {
	if newStart < r.StartAddr {
		return kerr.Invalid
	}
	delta := uint64(newStart - r.StartAddr)
	// trim on the low edge adjusts both start_offset_bytes and
	// object_offset_bytes symmetrically (spec §4.6).
	o.StartOffsetBytes += delta
	o.ObjectOffsetBytes += delta
	r.StartAddr = newStart
	r.Size = newSize
	return 0
}

func (o *ObjectRef) PunchHole(r *Region, holeStart mem.Va_t, holeSize uintptr) (*Region, kerr.Err_t) {
	if !r.Contains(holeStart) || !r.Contains(holeStart+mem.Va_t(holeSize)-1) {
		return nil, kerr.Invalid
	}
	upperStart := holeStart + mem.Va_t(holeSize)
	upperDelta := uint64(upperStart - r.StartAddr)
	o.Object.AddHandle()
	upper := &Region{
		StartAddr: upperStart, Size: uintptr(r.End() - upperStart), AccessBits: r.AccessBits, Owner: r.Owner, Name: r.Name,
		Variant: &ObjectRef{
			Object:            o.Object,
			ObjectOffsetBytes: o.ObjectOffsetBytes + upperDelta,
			StartOffsetBytes:  o.StartOffsetBytes + upperDelta,
			ObjectSizeBytes:   o.ObjectSizeBytes - upperDelta,
			COW:               o.COW,
		},
	}
	// punch_hole creates a new region covering the upper piece, then
	// trims the original (spec §4.6 tie-break).
	newSize := uintptr(holeStart - r.StartAddr)
	if err := o.Trim(r, r.StartAddr, newSize); err != 0 {
		return nil, err
	}
	return upper, 0
}

// copyPageContents copies src's bytes into dst, the actual COW-copy step
// of ObjectRef.AllocPage: both frames are temp-mapped into kernel space
// one at a time (spec §4.1's scoped Temp Mapper handle) and the copy
// runs through mem.BytesAt, the same direct-mapped-cast idiom
// biscuit/src/mem/dmap.go's Dmaplen uses. A var rather than a plain
// function so tests can still stub it out without a real Temp Mapper
// installed.
var copyPageContents = func(dst, src *pmm.Page) {
	srcHandle, err := tempmap.Acquire(src.PhysAddr())
	if err != 0 {
		return
	}
	defer srcHandle.Release()

	dstHandle, err := tempmap.Acquire(dst.PhysAddr())
	if err != 0 {
		return
	}
	defer dstHandle.Release()

	copy(mem.BytesAt(dstHandle.Virt(), mem.PageSize), mem.BytesAt(srcHandle.Virt(), mem.PageSize))
}

var _ Variant = (*PhysMapped)(nil)
var _ Variant = (*ObjectRef)(nil)
