// Package pmm implements the physical memory manager of spec §4.2: a
// sorted array of page-array descriptors, per-order buddy free lists,
// and the RCU-deferred free path. Grounded on the teacher's
// biscuit/src/mem/mem.go (Physmem_t: refcounted pages, per-CPU free
// lists, _phys_new/_phys_insert/_phys_put) for the locking/refcount
// shape, generalized to the buddy-order, multi-region design of
// original_source/kernel/generic/memory/pmm.cc/hh and
// page_descriptor.cc/hh, which the teacher's single free-list PMM does
// not have.
package pmm

import (
	"vmkernel/mem"
)

// State is a Page's tagged variant (spec §3).
type State int

const (
	Free State = iota
	Allocated
	AllocatedPending
	PendingFree
	Reserved
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case AllocatedPending:
		return "allocated-pending"
	case PendingFree:
		return "pending-free"
	case Reserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// Page describes one PAGE_SIZE frame. Only the fields relevant to the
// current State are meaningful, mirroring the tagged-variant payload of
// spec §3 (Go has no sum types, so all fields are carried and the State
// tag disciplines which are live, the same compromise mem.go's
// Physpg_t makes with its single refcnt+flags word).
type Page struct {
	state State

	// Free / AllocatedPending / PendingFree payload: run length in pages.
	// The first and last page of a run both carry it (§3's invariant
	// "a run's first and last page agree on size_pages").
	sizePages int

	// Allocated payload.
	refcount int32
	owner    ObjectWeakRef // weak pointer to owning MemoryObject, if anonymous
	anon     bool
	next     *Page // links free-run heads within one order's free list

	// AllocatedPending payload.
	physAddr mem.Pa_t

	// PendingFree payload.
	rcuLink *Page // forms the RCU-enqueued run list

	desc *PageArrayDescriptor // owning array, for FindPage/DescriptorFor
	idx  int                  // index within desc.pages
}

// ObjectWeakRef is a non-owning reference to a memory object, held by
// anonymous pages so the PMM need not import memobject (which would
// create an import cycle: memobject allocates pages from pmm).
type ObjectWeakRef interface {
	// Alive reports whether the referenced object still exists.
	Alive() bool
}

// State returns the page's current tagged state.
func (p *Page) State() State { return p.state }

// SizePages returns the run length carried by a Free/AllocatedPending/
// PendingFree boundary page.
func (p *Page) SizePages() int { return p.sizePages }

// Refcount returns the current reference count of an Allocated page.
func (p *Page) Refcount() int32 { return p.refcount }

// PhysAddr returns the physical address of the frame this Page
// describes, computed from its owning descriptor and index.
func (p *Page) PhysAddr() mem.Pa_t {
	return p.desc.BasePhys + mem.Pa_t(p.idx*mem.PageSize)
}

// Owner returns the weak owning-object reference of an anonymous page.
func (p *Page) Owner() ObjectWeakRef { return p.owner }

// Anonymous reports whether the page is anonymous (not file/object
// backed with real persistent identity).
func (p *Page) Anonymous() bool { return p.anon }

// PageArrayDescriptor covers a contiguous physical range with one
// descriptor per PAGE_SIZE frame, per spec §3.
type PageArrayDescriptor struct {
	BasePhys     mem.Pa_t
	LengthPages  int
	Pages        []Page
	ParentRegion *Region
}
