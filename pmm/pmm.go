package pmm

import (
	"sort"
	"sync"

	"golang.org/x/tools/container/intsets"

	"vmkernel/kerr"
	"vmkernel/mem"
	"vmkernel/tempmap"
	"vmkernel/util"
)

// MaxOrder bounds the buddy free-list order: a run of 2^MaxOrder pages
// (4 GiB at MaxOrder=20) is the largest bucket tracked; anything larger
// lands in the same top bucket and is found by first-fit scan, matching
// spec §4.2's "re-insert into the free-list bucket min(log2(size),
// MAX_ORDER)".
const MaxOrder = 20

// Policy selects which PMMRegion an allocation is drawn from.
type Policy int

const (
	Normal Policy = iota
	Below4GB
)

// Region is a PMMRegion (spec §3): a contiguous physical range with its
// own per-order free lists and a single spinlock, matching §4.9's "a
// single global spinlock around free-list manipulation" (scoped per
// region here so Normal/Below4GB allocation does not contend).
type Region struct {
	name string

	mu        sync.Mutex
	arrays    []*PageArrayDescriptor // sorted by BasePhys
	freeLists [MaxOrder + 1]*Page    // head of each order's free list, linked via Page.next
	nonEmpty  intsets.Sparse         // bitmap of non-empty orders, for O(1) bucket selection
}

// Manager owns every PMMRegion and the global sorted descriptor index
// used by FindPage's binary search.
type Manager struct {
	mu      sync.Mutex // guards regions/allDescs slice identity, not free-list contents
	regions map[Policy]*Region
	allDesc []*PageArrayDescriptor // sorted by BasePhys across all regions, for FindPage
}

// NewManager creates an empty Manager; call AddRegion to register
// physical ranges before any allocation.
func NewManager() *Manager {
	return &Manager{regions: make(map[Policy]*Region)}
}

// AddRegion registers a contiguous physical range as belonging to
// policy, split into one PageArrayDescriptor with a Reserved sentinel
// page before and after (spec §3: "one sentinel Reserved page exists
// before and after every array to simplify coalescing across array
// boundaries"), and seeds the free lists with the whole range as one
// run (or several, if it exceeds 2^MaxOrder pages).
func (m *Manager) AddRegion(name string, policy Policy, basePhys mem.Pa_t, lengthPages int) {
	m.mu.Lock()
	r, ok := m.regions[policy]
	if !ok {
		r = &Region{name: name}
		m.regions[policy] = r
	}
	m.mu.Unlock()

	// +2 for the Reserved sentinels bracketing the array.
	desc := &PageArrayDescriptor{
		BasePhys:    basePhys - mem.PageSize,
		LengthPages: lengthPages + 2,
		Pages:       make([]Page, lengthPages+2),
	}
	desc.Pages[0].state = Reserved
	desc.Pages[len(desc.Pages)-1].state = Reserved
	for i := range desc.Pages {
		desc.Pages[i].desc = desc
		desc.Pages[i].idx = i
	}
	desc.ParentRegion = r

	r.mu.Lock()
	r.arrays = append(r.arrays, desc)
	sort.Slice(r.arrays, func(i, j int) bool { return r.arrays[i].BasePhys < r.arrays[j].BasePhys })
	r.seedFreeRuns(desc, lengthPages)
	r.mu.Unlock()

	m.mu.Lock()
	m.allDesc = append(m.allDesc, desc)
	sort.Slice(m.allDesc, func(i, j int) bool { return m.allDesc[i].BasePhys < m.allDesc[j].BasePhys })
	m.mu.Unlock()
}

// seedFreeRuns carves the usable interior of desc (excluding the two
// Reserved sentinels) into maximal power-of-two runs and inserts each
// into its order's free list. Caller holds r.mu.
func (r *Region) seedFreeRuns(desc *PageArrayDescriptor, usablePages int) {
	off := 1 // skip leading sentinel
	remaining := usablePages
	for remaining > 0 {
		order := int(util.Log2Floor(uint(remaining)))
		if order > MaxOrder {
			order = MaxOrder
		}
		runLen := 1 << order
		head := &desc.Pages[off]
		tail := &desc.Pages[off+runLen-1]
		head.state = Free
		head.sizePages = runLen
		tail.state = Free
		tail.sizePages = runLen
		r.pushFree(order, head)
		off += runLen
		remaining -= runLen
	}
}

func (r *Region) pushFree(order int, head *Page) {
	head.next = r.freeLists[order]
	r.freeLists[order] = head
	r.nonEmpty.Insert(order)
}

func (r *Region) popFree(order int) *Page {
	head := r.freeLists[order]
	if head == nil {
		return nil
	}
	r.freeLists[order] = head.next
	head.next = nil
	if r.freeLists[order] == nil {
		r.nonEmpty.Remove(order)
	}
	return head
}

func (r *Region) removeFree(order int, target *Page) bool {
	var prev *Page
	for e := r.freeLists[order]; e != nil; e = e.next {
		if e == target {
			if prev == nil {
				r.freeLists[order] = e.next
			} else {
				prev.next = e.next
			}
			e.next = nil
			if r.freeLists[order] == nil {
				r.nonEmpty.Remove(order)
			}
			return true
		}
		prev = e
	}
	return false
}

// smallestNonEmptyAtLeast returns the smallest non-empty order >= min,
// or -1. Mirrors §4.3's bitmap-over-non-empty-orders bucket selection,
// applied here to PMM's buddy orders instead of VMM's boundary tags.
func (r *Region) smallestNonEmptyAtLeast(min int) int {
	for o := min; o <= MaxOrder; o++ {
		if r.nonEmpty.Has(o) {
			return o
		}
	}
	return -1
}

// AllocPages implements spec §4.2's alloc_pages: find the smallest
// non-empty bucket with order >= ceil(log2(count)); split the head if
// larger than needed and reinsert the remainder. Never blocks; returns
// OutOfMemory on failure. Normal policy tries Above4GB (i.e. any
// registered non-Below4GB region) first, then falls back to Below4GB;
// Below4GB never escalates.
func (m *Manager) AllocPages(count int, policy Policy) (*Page, kerr.Err_t) {
	if count <= 0 {
		return nil, kerr.Invalid
	}
	order := int(util.Log2Ceil(uint(count)))
	if order > MaxOrder {
		return nil, kerr.OutOfMemory
	}

	if policy == Normal {
		if r, ok := m.regions[Normal]; ok {
			if p, err := r.allocOrder(order, count); err == 0 {
				return p, 0
			}
		}
	}
	if r, ok := m.regions[Below4GB]; ok {
		if p, err := r.allocOrder(order, count); err == 0 {
			return p, 0
		}
	}
	return nil, kerr.OutOfMemory
}

func (r *Region) allocOrder(order, count int) (*Page, kerr.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.smallestNonEmptyAtLeast(order)
	if bucket < 0 {
		return nil, kerr.OutOfMemory
	}
	head := r.popFree(bucket)
	runLen := head.sizePages

	// Split if strictly larger than requested.
	if runLen > count {
		tailLen := runLen - count
		tailOff := head.idx + count
		tailHead := &head.desc.Pages[tailOff]
		tailTail := &head.desc.Pages[tailOff+tailLen-1]
		tailHead.state = Free
		tailHead.sizePages = tailLen
		tailTail.state = Free
		tailTail.sizePages = tailLen
		tailOrder := util.Min(int(util.Log2Floor(uint(tailLen))), MaxOrder)
		r.pushFree(tailOrder, tailHead)

		// Re-mark only the portion we are keeping.
		last := &head.desc.Pages[head.idx+count-1]
		head.sizePages = count
		last.state = Free
		last.sizePages = count
	}

	head.state = AllocatedPending
	head.sizePages = count
	head.physAddr = head.PhysAddr()
	last := &head.desc.Pages[head.idx+count-1]
	last.state = AllocatedPending
	last.sizePages = count
	return head, 0
}

// FreePage implements spec §4.2's free_page: accepts an
// AllocatedPending head (newly carved, never handed out) or a
// PendingFree head (released through RCU), walks the run, coalesces
// with Free neighbors found via their boundary length fields, and
// re-inserts into the appropriate free-list bucket. Every run lies
// inside one page array (each AddRegion call builds its own descriptor),
// so no run crosses an array boundary and no split is performed.
func (m *Manager) FreePage(head *Page) kerr.Err_t {
	if head.state != AllocatedPending && head.state != PendingFree {
		return kerr.Invalid
	}
	desc := head.desc
	r := desc.ParentRegion
	r.mu.Lock()
	defer r.mu.Unlock()

	n := head.sizePages
	start := head.idx
	end := start + n // exclusive, may cross desc boundary logically but never does
	// since AddRegion never spans two descriptors in the current design;
	// cross-array runs therefore cannot occur and no split is needed here.
	_ = end

	for i := start; i < start+n; i++ {
		desc.Pages[i].state = Free
	}

	newStart := start
	newLen := n

	// Absorb predecessor if Free (and not the leading Reserved sentinel).
	if newStart > 0 {
		pred := &desc.Pages[newStart-1]
		if pred.state == Free {
			predLen := pred.sizePages
			predHead := &desc.Pages[newStart-predLen]
			if predHead.state == Free {
				r.removeFree(util.Min(int(util.Log2Floor(uint(predLen))), MaxOrder), predHead)
				newStart -= predLen
				newLen += predLen
			}
		}
	}

	// Absorb successor if Free (and not the trailing Reserved sentinel).
	if newStart+newLen < len(desc.Pages) {
		succ := &desc.Pages[newStart+newLen]
		if succ.state == Free {
			succLen := succ.sizePages
			r.removeFree(util.Min(int(util.Log2Floor(uint(succLen))), MaxOrder), succ)
			newLen += succLen
		}
	}

	newHead := &desc.Pages[newStart]
	newTail := &desc.Pages[newStart+newLen-1]
	newHead.state = Free
	newHead.sizePages = newLen
	newHead.refcount = 0
	newHead.owner = nil
	newHead.anon = false
	newHead.next = nil
	newTail.state = Free
	newTail.sizePages = newLen

	order := int(util.Log2Floor(uint(newLen)))
	if order > MaxOrder {
		order = MaxOrder
	}
	r.pushFree(order, newHead)
	return 0
}

// FindPage performs the binary search of the sorted page-array
// descriptor vector named in spec §4.2, O(log n). m.mu is held only to
// snapshot the descriptor slice (which is only ever appended to under
// m.mu and never mutated in place after AddRegion returns); the search
// itself runs without a lock.
func (m *Manager) FindPage(phys mem.Pa_t) (*Page, kerr.Err_t) {
	m.mu.Lock()
	descs := m.allDesc
	m.mu.Unlock()

	i := sort.Search(len(descs), func(i int) bool {
		return descs[i].BasePhys+mem.Pa_t(descs[i].LengthPages*mem.PageSize) > phys
	})
	if i >= len(descs) || phys < descs[i].BasePhys {
		return nil, kerr.NotFound
	}
	idx := int((phys - descs[i].BasePhys) / mem.PageSize)
	return &descs[i].Pages[idx], 0
}

// DescriptorFor supplements FindPage with the reverse lookup pmOS's
// page_descriptor.cc provides via a pointer-keyed tree: given a *Page,
// return its owning array. Here it is simply the field the Page already
// carries, since Go pages are slice elements rather than heap-identity
// objects addressed through a separate index.
func (m *Manager) DescriptorFor(p *Page) *PageArrayDescriptor {
	return p.desc
}

// ReleasePage implements spec §4.2's release_page: reference-count
// driven release of an Allocated page. Decrements refcount; at zero,
// transitions the page to PendingFree and returns it for the caller to
// hand to rcu.State.Enqueue on the current CPU (pmm does not import rcu
// directly to avoid a dependency cycle with memobject, which enqueues
// through rcu itself).
func (m *Manager) ReleasePage(p *Page) (toFree *Page, freed bool) {
	desc := p.desc
	r := desc.ParentRegion
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.state != Allocated {
		return nil, false
	}
	p.refcount--
	if p.refcount > 0 {
		return nil, false
	}
	p.state = PendingFree
	p.sizePages = 1
	return p, true
}

// Refup bumps an Allocated page's refcount, mirroring mem.go's Refup.
func (m *Manager) Refup(p *Page) {
	desc := p.desc
	r := desc.ParentRegion
	r.mu.Lock()
	p.refcount++
	r.mu.Unlock()
}

// AllocAnonPage carves a single Allocated page for use as an anonymous
// region page, bumping its refcount to 1, and zero-fills it through the
// current temp mapper; with no temp mapper installed the frame's
// contents are left as they are. This is the allocation path
// memobject.request_page's "not found and no pager" case (spec §4.5)
// uses.
func (m *Manager) AllocAnonPage(policy Policy, owner ObjectWeakRef) (*Page, kerr.Err_t) {
	p, err := m.AllocPages(1, policy)
	if err != 0 {
		return nil, err
	}
	desc := p.desc
	r := desc.ParentRegion
	r.mu.Lock()
	p.state = Allocated
	p.refcount = 1
	p.anon = true
	p.owner = owner
	r.mu.Unlock()
	if h, herr := tempmap.Acquire(p.PhysAddr()); herr == 0 {
		clear(mem.BytesAt(h.Virt(), mem.PageSize))
		h.Release()
	}
	return p, 0
}

// GetMemoryForKernel is the kernel-only allocation path of spec §4.2,
// for contiguous kernel-owned allocations that are never attached to a
// MemoryObject. It draws from the buddy free lists through AllocPages
// (Normal policy), so it has no separate early-boot source and returns
// OutOfMemory until AddRegion has registered memory.
func (m *Manager) GetMemoryForKernel(n int) (mem.Pa_t, kerr.Err_t) {
	p, err := m.AllocPages(n, Normal)
	if err != 0 {
		return 0, err
	}
	return p.physAddr, 0
}

// FreeMemoryForKernel returns n pages obtained from
// GetMemoryForKernel back to the free lists.
func (m *Manager) FreeMemoryForKernel(phys mem.Pa_t, n int) kerr.Err_t {
	p, err := m.FindPage(phys)
	if err != 0 {
		return err
	}
	return m.FreePage(p)
}
