// Package vmm implements the kernel virtual-address arena allocator of
// spec §4.3: a boundary-tag allocator over per-order free lists plus an
// address-ordered segment list, backed by pmm for its own tag-page
// metadata. Grounded on original_source/kernel/generic/memory/virtmem.cc
// and virtmem.hh (boundary-tag shape, segment list, refill-from-carved-
// page), since the teacher's biscuit fork lays its kernel virtual space
// out statically (mem/dmap.go's VREC/VDIRECT/VEND slots) rather than
// through a general arena allocator; the allocation index reuses
// hashtable.Table exactly as biscuit/src/hashtable does for biscuit's
// own lookup tables.
package vmm

import (
	"sync"

	"vmkernel/hashtable"
	"vmkernel/kerr"
	"vmkernel/mem"
	"vmkernel/pmm"
	"vmkernel/util"
)

// MaxOrder bounds the arena's order buckets the same way pmm.MaxOrder
// bounds PMM's, except that an arena order is log2 of a tag's size in
// bytes, not pages: tags up to 2^MaxOrder bytes are bucketed precisely
// (larger free tags share the top bucket), and requests whose rounded-up
// order exceeds MaxOrder are rejected with OutOfMemory per §4.3's
// "overflow from the top bucket" tie-break.
const MaxOrder = 32

type tagState int

const (
	tagFree tagState = iota
	tagAllocated
	tagListHead
)

// BoundaryTag is spec §3's VirtmemBoundaryTag.
type BoundaryTag struct {
	Base  mem.Va_t
	Size  uintptr
	state tagState

	llNext, llPrev             *BoundaryTag // per-order free list linkage
	segNext, segPrev           *BoundaryTag // address-ordered segment list linkage
}

// Policy selects the fit strategy for Alloc.
type Policy int

const (
	InstantFit Policy = iota
	BestFit
)

// Arena is the kernel virtual memory arena. A single Arena instance is
// shared globally by the whole kernel (spec §4.9: "kernel arena is
// single-locked globally"); per-process arenas are out of scope (user
// regions live in pagetable.PageTable instead).
type Arena struct {
	mu sync.Mutex

	freeLists [MaxOrder + 1]*BoundaryTag // doubly-linked, per order
	segHead   *BoundaryTag               // address-ordered segment list head

	allocated *hashtable.Table[mem.Va_t, *BoundaryTag] // base -> tag

	spareTags []*BoundaryTag // freshly carved, unattached tag records

	pmm         *pmm.Manager
	mapKernel   func(phys mem.Pa_t, virt mem.Va_t, npages int) kerr.Err_t
	tagPageSize int // PAGE_SIZE / sizeof(Tag), conceptually; here just a refill batch size
}

// ArenaStats supplements spec §4.3 with original_source's
// virtmem_stats reporting (get_virtmem_stats in virtmem.cc): total
// arena size, total free, and the largest single free run, used by
// this package's round-trip and refill tests.
type ArenaStats struct {
	TotalBytes       uintptr
	FreeBytes        uintptr
	LargestFreeBytes uintptr
}

// NewArena creates an arena covering [base, base+size) with no tags
// allocated yet; mapKernel installs a single PTE mapping a just-carved
// tag-metadata page into kernel space (the architecture-specific half
// of refill, injected rather than hard-coded, following the teacher's
// Cpumap-style collaborator-injection pattern).
func NewArena(base mem.Va_t, size uintptr, pm *pmm.Manager, mapKernel func(mem.Pa_t, mem.Va_t, int) kerr.Err_t) *Arena {
	a := &Arena{
		allocated:   hashtable.MkHash[mem.Va_t, *BoundaryTag](16, func(v mem.Va_t) uint64 { return uint64(v) }),
		pmm:         pm,
		mapKernel:   mapKernel,
		tagPageSize: mem.PageSize / 64, // sizeof(BoundaryTag) assumed <= 64 bytes
	}
	seg := &BoundaryTag{Base: base, Size: size, state: tagFree}
	a.segHead = seg
	a.pushFree(seg)
	return a
}

func order(size uintptr) int {
	return int(util.Log2Floor(uint(size)))
}

func (a *Arena) pushFree(t *BoundaryTag) {
	t.state = tagFree
	o := order(t.Size)
	if o > MaxOrder {
		o = MaxOrder
	}
	t.llNext = a.freeLists[o]
	t.llPrev = nil
	if t.llNext != nil {
		t.llNext.llPrev = t
	}
	a.freeLists[o] = t
}

func (a *Arena) unlinkFree(t *BoundaryTag) {
	o := order(t.Size)
	if o > MaxOrder {
		o = MaxOrder
	}
	if t.llPrev != nil {
		t.llPrev.llNext = t.llNext
	} else {
		a.freeLists[o] = t.llNext
	}
	if t.llNext != nil {
		t.llNext.llPrev = t.llPrev
	}
	t.llNext, t.llPrev = nil, nil
}

// smallestFreeAtLeastOnePage returns the smallest free tag (by order
// bucket, then first-fit within the bucket) whose size covers at least
// one page, or nil if none exists. Order-0 buckets can hold sub-page
// slivers left over from earlier carves, which ensureTags must skip:
// a slot smaller than a page can't host the metadata page it is asked
// to back.
func (a *Arena) smallestFreeAtLeastOnePage() *BoundaryTag {
	for o := 0; o <= MaxOrder; o++ {
		for t := a.freeLists[o]; t != nil; t = t.llNext {
			if t.Size >= mem.PageSize {
				return t
			}
		}
	}
	return nil
}

// ensureTags implements spec §4.3 step 1: if fewer than `need` spare
// tag records exist, refill by carving one page out of the smallest
// non-empty free list, mapping it via pmm.GetMemoryForKernel +
// mapKernel, and slicing it into fresh tag records. host is unlinked
// from the free lists and split into an Allocated tag describing
// exactly the carved page plus (if any run remains) a Free tag for the
// remainder, the same lead/chosen/trail carve AllocAligned performs for
// an ordinary caller allocation — host must never simply stay on the
// free list once its address range is handed to mapKernel, or the next
// Alloc call could return the same virtual range as still-free. The
// used/trail tags are allocated directly (not drawn from spareTags), so
// refill has no bootstrap dependency on a pre-seeded spare pool.
func (a *Arena) ensureTags(need int) kerr.Err_t {
	if len(a.spareTags) >= need {
		return 0
	}

	host := a.smallestFreeAtLeastOnePage()
	if host == nil {
		return kerr.OutOfMemory
	}

	phys, err := a.pmm.GetMemoryForKernel(1)
	if err != 0 {
		return err
	}

	virt := host.Base
	if a.mapKernel != nil {
		if err := a.mapKernel(phys, virt, 1); err != 0 {
			return err
		}
	}

	a.unlinkFree(host)

	used := &BoundaryTag{Base: virt, Size: mem.PageSize, state: tagAllocated}
	used.segPrev = host.segPrev
	used.segNext = host.segNext
	if used.segPrev != nil {
		used.segPrev.segNext = used
	}
	if used.segNext != nil {
		used.segNext.segPrev = used
	}
	if a.segHead == host {
		a.segHead = used
	}

	if host.Size > mem.PageSize {
		trail := &BoundaryTag{Base: virt + mem.Va_t(mem.PageSize), Size: host.Size - mem.PageSize}
		insertSegAfter(used, trail)
		a.pushFree(trail)
	}

	for i := 0; i < a.tagPageSize; i++ {
		a.spareTags = append(a.spareTags, &BoundaryTag{})
	}
	return 0
}

func (a *Arena) newTag() *BoundaryTag {
	n := len(a.spareTags)
	t := a.spareTags[n-1]
	a.spareTags = a.spareTags[:n-1]
	return t
}

// insertSegAfter splices nt into the address-ordered segment list
// immediately after prev.
func insertSegAfter(prev, nt *BoundaryTag) {
	nt.segPrev = prev
	nt.segNext = prev.segNext
	if prev.segNext != nil {
		prev.segNext.segPrev = nt
	}
	prev.segNext = nt
}

// Alloc implements spec §4.3's alloc(npages, policy).
func (a *Arena) Alloc(npages int, policy Policy) (mem.Va_t, kerr.Err_t) {
	return a.AllocAligned(npages, 0, policy)
}

// AllocAligned implements spec §4.3's alloc_aligned and the alignment
// variant of step "Alignment variant" in §4.3: scan free lists of
// orders >= ceil(log2(npages)), compute an aligned base within each
// candidate, and split into up to three pieces.
func (a *Arena) AllocAligned(npages int, log2Align uint, policy Policy) (mem.Va_t, kerr.Err_t) {
	if npages <= 0 {
		return 0, kerr.Invalid
	}
	size := uintptr(npages) * mem.PageSize
	reqOrder := order(size)
	if size > (1 << uint(reqOrder)) {
		reqOrder++
	}
	if reqOrder > MaxOrder {
		return 0, kerr.OutOfMemory
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	needSpare := 1
	if log2Align > 0 {
		needSpare = 2
	}
	if err := a.ensureTags(needSpare); err != 0 {
		return 0, err
	}

	mask := uintptr(1)<<log2Align - 1

	var chosen *BoundaryTag
	startOrder := reqOrder
	if policy == InstantFit {
		startOrder = reqOrder + 1
		if startOrder > MaxOrder {
			startOrder = MaxOrder
		}
	}

	for o := startOrder; o <= MaxOrder && chosen == nil; o++ {
		for t := a.freeLists[o]; t != nil; t = t.llNext {
			alignedBase := (uintptr(t.Base) + mask) &^ mask
			if alignedBase+size <= uintptr(t.Base)+t.Size {
				chosen = t
				break
			}
		}
		if policy == InstantFit && a.freeLists[o] != nil {
			break // InstantFit only looks at the first non-empty strictly-larger bucket
		}
	}
	if chosen == nil {
		return 0, kerr.OutOfMemory
	}
	a.unlinkFree(chosen)

	alignedBase := mem.Va_t((uintptr(chosen.Base) + mask) &^ mask)
	leadSize := uintptr(alignedBase) - uintptr(chosen.Base)
	trailSize := (uintptr(chosen.Base) + chosen.Size) - (uintptr(alignedBase) + size)

	if leadSize > 0 {
		lead := a.newTag()
		lead.Base = chosen.Base
		lead.Size = leadSize
		if chosen.segPrev != nil {
			insertSegAfter(chosen.segPrev, lead)
		} else {
			lead.segNext = chosen
			chosen.segPrev = lead
			a.segHead = lead
		}
		a.pushFree(lead)
	}

	chosen.Base = alignedBase
	chosen.Size = size
	chosen.state = tagAllocated

	if trailSize > 0 {
		trail := a.newTag()
		trail.Base = mem.Va_t(uintptr(alignedBase) + size)
		trail.Size = trailSize
		insertSegAfter(chosen, trail)
		a.pushFree(trail)
	}

	a.allocated.Set(chosen.Base, chosen)
	return chosen.Base, 0
}

// Free implements spec §4.3's free(virt, npages): look up by base in
// the allocation hash, verify npages as a sanity check (mismatch is a
// contract violation per §4.3), and coalesce with address-adjacent
// segment neighbors that are Free.
func (a *Arena) Free(virt mem.Va_t, npages int) kerr.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.allocated.Get(virt)
	if !ok {
		return kerr.NotFound
	}
	if t.Size != uintptr(npages)*mem.PageSize {
		return kerr.Invalid
	}
	a.allocated.Del(virt)

	if prev := t.segPrev; prev != nil && prev.state == tagFree {
		a.unlinkFree(prev)
		prev.Size += t.Size
		prev.segNext = t.segNext
		if t.segNext != nil {
			t.segNext.segPrev = prev
		}
		t = prev
	}
	if next := t.segNext; next != nil && next.state == tagFree {
		a.unlinkFree(next)
		t.Size += next.Size
		t.segNext = next.segNext
		if next.segNext != nil {
			next.segNext.segPrev = t
		}
	}

	a.pushFree(t)
	return 0
}

// Stats supplements spec §4.3 with original_source's virtmem_stats
// reporting (see ArenaStats).
func (a *Arena) Stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s ArenaStats
	for t := a.segHead; t != nil; t = t.segNext {
		s.TotalBytes += t.Size
		if t.state == tagFree {
			s.FreeBytes += t.Size
			if t.Size > s.LargestFreeBytes {
				s.LargestFreeBytes = t.Size
			}
		}
	}
	return s
}

// SegmentOrdered reports whether the segment list is address-ordered
// and gap-free, the round-trip invariant spec §8 and scenario 3 check.
func (a *Arena) SegmentOrdered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for t := a.segHead; t != nil && t.segNext != nil; t = t.segNext {
		if uintptr(t.Base)+t.Size != uintptr(t.segNext.Base) {
			return false
		}
		if t.state == tagFree && t.segNext.state == tagFree {
			return false // two adjacent Free tags must never coexist
		}
	}
	return true
}
