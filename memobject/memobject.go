// Package memobject implements spec §4.5's Memory Object: an identity-
// carrying, resizable collection of pages, optionally backed by a user
// pager port. Grounded on original_source/kernel/generic/memory/
// mem_object.cc and mem_object.hh for the two-phase resize and
// request_page state machine (the teacher pack's biscuit fork has no
// object-identity abstraction of its own — biscuit's Vmregion_t
// addresses pages directly); refcount/lock idiom grounded on
// biscuit/src/mem/mem.go's Refup/Refdown. The in-flight pager-request
// admission control generalizes biscuit/src/vm/as.go and userbuf.go's
// res.Resadd_noblock calls into a single weighted semaphore per object.
package memobject

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"vmkernel/hashtable"
	"vmkernel/kerr"
	"vmkernel/mem"
	"vmkernel/pmm"
	"vmkernel/rcu"
	"vmkernel/tempmap"
)

// ID is a monotonic, global MemoryObject identifier.
type ID uint64

// Flags on a MemoryObject.
type Flags uint32

const (
	FlagAnonymous Flags = 1 << iota
	FlagDMA
)

// Port is the pager callback interface: Object sends a PagerRequest and
// the pager eventually calls back into the owning PageTable's
// unblock-tasks path with the resolved page (outside this package's
// scope; the port here is an opaque send target).
type Port interface {
	SendPagerRequest(objID ID, offsetBytes uint64) error
}

type pageEntry struct {
	offsetBytes uint64
	page        *pmm.Page
	placeholder bool // requested from pager, backing not yet arrived
}

// Object is spec §4.5's MemoryObject.
type Object struct {
	id           ID
	pageSizeLog  uint
	mu           sync.Mutex // guards sizePages and the page list
	sizePages    int64      // atomic-ish under mu; resize phase (a) writes this first
	pages        map[uint64]*pageEntry
	pager        Port
	flags        Flags
	maxUserPerm  mem.PageTableArgs
	handleRefcnt int32

	pinnedMu  sync.Mutex
	pinnedBy  map[PinnerRef]struct{} // weak references to pinning page tables
	pinCount  int32                  // supplements pinned_by with an O(1) counter (pmOS mem_object.hh)

	releaseMu   sync.Mutex
	rcuState    *rcu.State // set by a pinning page table via SetRCU; nil before any pin wires one up
	rcuCPU      func() int

	resizeMu sync.Mutex // serializes resize operations against each other

	pagerInflight *semaphore.Weighted

	pmm *pmm.Manager
}

// PinnerRef is a weak, comparable handle identifying a pinning page
// table without this package importing pagetable (which would create
// an import cycle: pagetable pins memobject.Object).
type PinnerRef interface {
	PinnerID() uint64
}

var (
	globalMu    sync.Mutex
	globalNext  ID = 1
	globalTable = hashtable.MkHash[ID, *Object](64, func(id ID) uint64 { return uint64(id) })
)

// Create implements spec §4.5's create: allocates the object, assigns a
// monotonic id, inserts into the global id->object table.
func Create(pm *pmm.Manager, pageSizeLog uint, sizePages int64, flags Flags) *Object {
	globalMu.Lock()
	id := globalNext
	globalNext++
	globalMu.Unlock()

	o := &Object{
		id:            id,
		pageSizeLog:   pageSizeLog,
		sizePages:     sizePages,
		pages:         make(map[uint64]*pageEntry),
		flags:         flags,
		pinnedBy:      make(map[PinnerRef]struct{}),
		pagerInflight: semaphore.NewWeighted(16),
		pmm:           pm,
	}
	globalTable.Set(id, o)
	return o
}

// CreateFromPhys implements spec §4.5's create_from_phys: wraps a
// physical range (e.g. a loader-provided module) whose pages are
// preallocated and attached with offset set.
func CreateFromPhys(pm *pmm.Manager, phys mem.Pa_t, sizeBytes uint64, takeOwnership bool, maxPerm mem.PageTableArgs) (*Object, kerr.Err_t) {
	sizePages := int64((sizeBytes + mem.PageSize - 1) / mem.PageSize)
	o := Create(pm, mem.PageShift, sizePages, FlagDMA)
	o.maxUserPerm = maxPerm

	for i := int64(0); i < sizePages; i++ {
		p, err := pm.FindPage(phys + mem.Pa_t(i*mem.PageSize))
		if err != 0 {
			return nil, err
		}
		o.pages[uint64(i)*mem.PageSize] = &pageEntry{offsetBytes: uint64(i) * mem.PageSize, page: p}
	}
	_ = takeOwnership // accepted but not recorded: flags stay FlagDMA and nothing else depends on it
	return o, 0
}

// ID returns the object's monotonic identifier.
func (o *Object) ID() ID { return o.id }

// SizePages returns the current page count.
func (o *Object) SizePages() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sizePages
}

// PinCount supplements the spec's textual pinned_by set with pmOS's
// atomic_pin_count, an O(1) counter callers can read without sizing the
// weak-reference set (original_source/mem_object.hh).
func (o *Object) PinCount() int32 {
	return atomic.LoadInt32(&o.pinCount)
}

// Pin registers pt as pinning this object, keeping it alive
// independently of explicit handles (spec §4.5, Glossary "Pinning").
func (o *Object) Pin(pt PinnerRef) {
	o.pinnedMu.Lock()
	if _, ok := o.pinnedBy[pt]; !ok {
		o.pinnedBy[pt] = struct{}{}
		atomic.AddInt32(&o.pinCount, 1)
	}
	o.pinnedMu.Unlock()
}

// Unpin removes pt's pin, happening under the object's pinned_lock per
// spec §4.5's invariant.
func (o *Object) Unpin(pt PinnerRef) {
	o.pinnedMu.Lock()
	if _, ok := o.pinnedBy[pt]; ok {
		delete(o.pinnedBy, pt)
		atomic.AddInt32(&o.pinCount, -1)
	}
	o.pinnedMu.Unlock()
}

// Pinners returns a snapshot of the page tables currently pinning o, for
// a caller (e.g. pagetable.ResizeObject) that must walk every pinning
// page table per spec §4.5's resize step (b), not just the one it
// happens to be called from.
func (o *Object) Pinners() []PinnerRef {
	o.pinnedMu.Lock()
	defer o.pinnedMu.Unlock()
	out := make([]PinnerRef, 0, len(o.pinnedBy))
	for pt := range o.pinnedBy {
		out = append(out, pt)
	}
	return out
}

// SetRCU wires o's own page-disposal path (used when the last handle
// drops with no pins remaining, see DropHandle) through the kernel's RCU
// state instead of freeing synchronously. A pinning page table calls
// this once it has its own rcu.State; harmless to call more than once
// since every page table in a given kernel shares the same pmm.Manager
// and rcu.State.
func (o *Object) SetRCU(s *rcu.State, cpu func() int) {
	o.releaseMu.Lock()
	o.rcuState = s
	o.rcuCPU = cpu
	o.releaseMu.Unlock()
}

// releasePage drops one reference on p; if that was the last one, the
// freed page is routed through RCU when wired (spec §3: "transitioning
// Allocated -> PendingFree is the only way to release a page and must
// go through RCU") or freed immediately as a bare-synchronous fallback
// before any page table has called SetRCU (matching the early-boot
// direct-invalidate fallback tempmap and the shootdown protocol use
// before other CPUs are online).
func (o *Object) releasePage(p *pmm.Page) {
	toFree, freed := o.pmm.ReleasePage(p)
	if !freed {
		return
	}
	o.releaseMu.Lock()
	state, cpuFn := o.rcuState, o.rcuCPU
	o.releaseMu.Unlock()
	if state == nil {
		o.pmm.FreePage(toFree)
		return
	}
	cpu := 0
	if cpuFn != nil {
		cpu = cpuFn()
	}
	state.Enqueue(cpu, &rcu.Callback{
		Func:    func(payload any, chained bool) { o.pmm.FreePage(payload.(*pmm.Page)) },
		Payload: toFree,
	})
}

// RequestResult is the tagged outcome of RequestPage.
type RequestResult int

const (
	Immediate RequestResult = iota
	Deferred
	ReqError
)

// RequestPage implements spec §4.5's request_page(offset, write), the
// fault-resolution primitive.
func (o *Object) RequestPage(ctx context.Context, offsetBytes uint64, write bool) (*pmm.Page, RequestResult, kerr.Err_t) {
	o.mu.Lock()
	if int64(offsetBytes/mem.PageSize) >= o.sizePages {
		o.mu.Unlock()
		return nil, ReqError, kerr.Invalid
	}
	entry, found := o.pages[offsetBytes]
	if found && !entry.placeholder {
		// 2. Found with real backing: return a duplicated handle.
		o.pmm.Refup(entry.page)
		o.mu.Unlock()
		return entry.page, Immediate, 0
	}
	if found && entry.placeholder {
		// 3. Found without backing: deferred, caller blocks on pager reply.
		o.mu.Unlock()
		return nil, Deferred, 0
	}
	if o.pager == nil {
		// 4. Not found, no pager: allocate a zero-filled page and attach it.
		o.mu.Unlock()
		p, err := o.pmm.AllocAnonPage(pmm.Normal, objectWeak{o})
		if err != 0 {
			return nil, ReqError, err
		}
		o.mu.Lock()
		o.pages[offsetBytes] = &pageEntry{offsetBytes: offsetBytes, page: p}
		o.mu.Unlock()
		return p, Immediate, 0
	}

	// 5. Not found, pager present: create a placeholder, send a
	// PagerRequest, return deferred.
	if !o.pagerInflight.TryAcquire(1) {
		o.mu.Unlock()
		return nil, ReqError, kerr.Again
	}
	o.pages[offsetBytes] = &pageEntry{offsetBytes: offsetBytes, placeholder: true}
	o.mu.Unlock()

	if err := o.pager.SendPagerRequest(o.id, offsetBytes); err != nil {
		o.pagerInflight.Release(1)
		return nil, ReqError, kerr.Fault
	}
	return nil, Deferred, 0
}

// ResolvePagerReply is called once a pager's reply for offsetBytes
// arrives with a physical page, completing the placeholder entry
// request_page created in case 5 and releasing the admission slot the
// request held.
func (o *Object) ResolvePagerReply(offsetBytes uint64, p *pmm.Page) kerr.Err_t {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.pages[offsetBytes]
	if !ok || !entry.placeholder {
		return kerr.Invalid
	}
	entry.placeholder = false
	entry.page = p
	o.pagerInflight.Release(1)
	return 0
}

// SetPager installs the object's pager port. Must be called before any
// fault reaches request_page's case 5.
func (o *Object) SetPager(p Port) {
	o.mu.Lock()
	o.pager = p
	o.mu.Unlock()
}

// ShrinkNotifier is implemented by a pinning page table so
// atomic_shrink_regions (spec §4.7) can be driven from Resize's phase (b).
type ShrinkNotifier interface {
	ShrinkRegions(obj *Object, newSizeBytes uint64)
}

// Resize implements spec §4.5's two-phase resize, load-bearing per
// spec §9: "update size first, then shrink mappings... prevents a
// concurrent fault from installing a mapping the resize would
// otherwise miss." Growing is phase (a) only.
func (o *Object) Resize(newSizePages int64, pinned []ShrinkNotifier, enqueueFree func(*pmm.Page)) kerr.Err_t {
	if newSizePages < 0 {
		return kerr.Invalid
	}
	o.resizeMu.Lock()
	defer o.resizeMu.Unlock()

	o.mu.Lock()
	oldSize := o.sizePages
	if newSizePages == oldSize {
		o.mu.Unlock()
		return 0 // resize(k); resize(k) is a no-op on the second call
	}
	growing := newSizePages > oldSize
	o.sizePages = newSizePages // phase (a): update size immediately
	o.mu.Unlock()

	if growing {
		return 0
	}

	newSizeBytes := uint64(newSizePages) * mem.PageSize
	for _, pt := range pinned {
		pt.ShrinkRegions(o, newSizeBytes)
	}

	o.mu.Lock()
	for off, entry := range o.pages {
		if off >= newSizeBytes {
			if !entry.placeholder {
				if enqueueFree != nil {
					enqueueFree(entry.page)
				} else {
					o.releasePage(entry.page)
				}
			}
			delete(o.pages, off)
		}
	}
	o.mu.Unlock()
	return 0
}

// ReadToKernel implements spec §4.5's read_to_kernel: fault in the
// backing page, then copy size bytes starting at offset into buf.
func (o *Object) ReadToKernel(ctx context.Context, offsetBytes uint64, buf []byte) (int, kerr.Err_t) {
	n := 0
	for n < len(buf) {
		pageOff := (offsetBytes + uint64(n)) &^ (mem.PageSize - 1)
		inPage := (offsetBytes + uint64(n)) & (mem.PageSize - 1)
		p, res, err := o.RequestPage(ctx, pageOff, false)
		if res != Immediate {
			if err != 0 {
				return n, err
			}
			return n, kerr.Again
		}
		remain := mem.PageSize - int(inPage)
		want := len(buf) - n
		if want > remain {
			want = remain
		}
		h, herr := mapPageRead(p)
		if herr != 0 {
			return n, herr
		}
		copy(buf[n:n+want], h[inPage:int(inPage)+want])
		n += want
	}
	return n, 0
}

// mapPageRead is the kernel-visible read of a physical page's bytes: it
// temp-maps p for the duration of the read and copies out of the mapped
// frame via mem.BytesAt, the same direct-mapped-cast idiom
// biscuit/src/mem/dmap.go's Dmaplen uses. A var rather than a plain
// function so tests can override it via package-level indirection when
// no temp mapper is wired.
var mapPageRead = func(p *pmm.Page) ([]byte, kerr.Err_t) {
	h, err := tempmap.Acquire(p.PhysAddr())
	if err != 0 {
		return nil, err
	}
	defer h.Release()
	out := make([]byte, mem.PageSize)
	copy(out, mem.BytesAt(h.Virt(), mem.PageSize))
	return out, 0
}

// MapToKernelArgs carries the arguments map_to_kernel needs to install a
// window in the kernel arena (spec §4.5's map_to_kernel(offset, size, args)).
type MapToKernelArgs struct {
	Args mem.PageTableArgs
}

// MapToKernel implements spec §4.5's map_to_kernel: fault in every page
// covering [offsetBytes, offsetBytes+size) and return their physical
// addresses for the caller to install into the kernel arena via
// arch.PageTableBackend.
func (o *Object) MapToKernel(ctx context.Context, offsetBytes, size uint64, _ MapToKernelArgs) ([]mem.Pa_t, kerr.Err_t) {
	var out []mem.Pa_t
	for off := offsetBytes &^ (mem.PageSize - 1); off < offsetBytes+size; off += mem.PageSize {
		p, res, err := o.RequestPage(ctx, off, true)
		if res != Immediate {
			if err != 0 {
				return nil, err
			}
			return nil, kerr.Again
		}
		out = append(out, p.PhysAddr())
	}
	return out, 0
}

// NotifyIdle is a no-op pager-initiated eviction hook, kept from
// original_source/paging.cc's idle_page_out even though swap-to-disk is
// out of scope: the extension point survives, the eviction behavior
// does not.
func (o *Object) NotifyIdle() {}

// objectWeak implements pmm.ObjectWeakRef for an Object without pmm
// importing memobject.
type objectWeak struct{ o *Object }

func (w objectWeak) Alive() bool {
	_, ok := globalTable.Get(w.o.id)
	return ok
}

// Lookup returns the object registered under id, if any.
func Lookup(id ID) (*Object, bool) {
	return globalTable.Get(id)
}

// AddHandle/DropHandle implement the handle refcounting of spec §4.5's
// lifecycle: the object is destroyed when the last handle drops and no
// page table pins it.
func (o *Object) AddHandle() {
	atomic.AddInt32(&o.handleRefcnt, 1)
}

// DropHandle releases a handle; if no handles and no pins remain, the
// object is removed from the global table and every page it still holds
// a real (non-placeholder) reference to is released through
// releasePage, matching the Non-goal's carve-out ("no GC of
// unreferenced memory objects while any handle survives" implies the
// converse once none do).
func (o *Object) DropHandle() {
	if atomic.AddInt32(&o.handleRefcnt, -1) != 0 || o.PinCount() != 0 {
		return
	}
	globalTable.Del(o.id)

	o.mu.Lock()
	entries := o.pages
	o.pages = make(map[uint64]*pageEntry)
	o.mu.Unlock()

	for _, entry := range entries {
		if !entry.placeholder {
			o.releasePage(entry.page)
		}
	}
}
