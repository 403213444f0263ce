package pagetable

import (
	"sync/atomic"

	"vmkernel/mem"
)

// MaxShootdownPages and MaxShootdownRanges match spec §4.8: "accumulates
// up to MAX_PAGES=16 individual pages and MAX_RANGES=4 ranges. On
// overflow, flush_all() is set." The cap is a locality heuristic per
// spec §9, not a correctness constraint.
const (
	MaxShootdownPages  = 16
	MaxShootdownRanges = 4
)

type vaRange struct {
	base mem.Va_t
	size uintptr
}

// ShootdownContext is spec §3's TLBShootdownContext: a scoped,
// stack-allocated record built while holding the target's lock and
// finalized once before scope exit.
type ShootdownContext struct {
	target    *PageTable
	pages     []mem.Va_t
	ranges    []vaRange
	flushAll  bool
	finalized bool
}

// NewShootdownContext begins a shootdown against target. Caller must
// already hold target.mu, matching spec §4.8 step 1.
func NewShootdownContext(target *PageTable) *ShootdownContext {
	return &ShootdownContext{target: target}
}

// AddPage records a single page invalidation, overflowing into
// flush_all past MaxShootdownPages.
func (c *ShootdownContext) AddPage(virt mem.Va_t) {
	if c.flushAll {
		return
	}
	if len(c.pages) >= MaxShootdownPages {
		c.flushAll = true
		c.pages = nil
		return
	}
	c.pages = append(c.pages, virt.PGN())
}

// AddRange records a range invalidation, overflowing into flush_all
// past MaxShootdownRanges.
func (c *ShootdownContext) AddRange(base mem.Va_t, size uintptr) {
	if c.flushAll {
		return
	}
	if len(c.ranges) >= MaxShootdownRanges {
		c.flushAll = true
		c.ranges = nil
		return
	}
	c.ranges = append(c.ranges, vaRange{base: base.PGN(), size: size})
}

// SetFlushAll forces a whole-table flush regardless of accumulated
// pages/ranges.
func (c *ShootdownContext) SetFlushAll() { c.flushAll = true }

// Finalize implements spec §4.8 steps 2-4: flip paging_generation,
// publish the descriptor, IPI every CPU on the old generation's active
// list, and busy-wait until they have all acknowledged. Caller must
// already hold target.mu (as NewShootdownContext requires) and must
// release it only after Finalize returns, so that no CPU can apply
// itself to the table mid-flip. This is simply an exported alias of
// finalizeLocked: every caller in this package already holds pt.mu
// while building a ShootdownContext.
func (c *ShootdownContext) Finalize() {
	c.finalizeLocked()
}

func (c *ShootdownContext) finalizeLocked() {
	if c.finalized {
		return
	}
	c.finalized = true
	pt := c.target

	old := atomic.LoadUint32(&pt.pagingGeneration)
	newGen := old ^ 1

	pt.shootdownMu.Lock()
	pt.shootdown = c
	pt.shootdownMu.Unlock()

	atomic.StoreUint32(&pt.pagingGeneration, newGen)

	pt.activeCPUsMu.Lock()
	victims := make([]int, 0, len(pt.activeCPUs[old]))
	self := -1
	if pt.cpuid != nil {
		self = pt.cpuid.CurrentCPU()
	}
	for cpu := range pt.activeCPUs[old] {
		if cpu != self {
			victims = append(victims, cpu)
		}
	}
	if pt.activeCPUs[old][self] {
		// The issuer moves itself to the new generation here; only the
		// CPUs it signals acknowledge through TriggerShootdown.
		delete(pt.activeCPUs[old], self)
		pt.activeCPUs[newGen][self] = true
		atomic.AddInt32(&pt.activeCount[newGen], 1)
		atomic.AddInt32(&pt.activeCount[old], -1)
	}
	pt.activeCPUsMu.Unlock()

	if len(victims) == 0 {
		// Early boot, before other CPUs are online: finalize is a
		// direct local invalidate (spec §4.8's cancellation note).
		c.localInvalidate()
		return
	}

	for _, cpu := range victims {
		if pt.ipi != nil {
			pt.ipi.SendShootdown(cpu)
		}
	}
	for atomic.LoadInt32(&pt.activeCount[old]) != 0 {
		// Busy-wait: shootdown waits are bounded by IPI service time,
		// per spec §4.8's cancellation note ("none; shootdown waits are
		// bounded by IPI service time").
	}
}

func (c *ShootdownContext) localInvalidate() {
	inv := c.target.invalidator
	if inv == nil {
		return
	}
	if c.flushAll {
		inv.InvalidateAll()
		return
	}
	for _, p := range c.pages {
		inv.InvalidatePage(p)
	}
	for _, r := range c.ranges {
		inv.InvalidateRange(r.base, int(r.size/mem.PageSize))
	}
}

// TriggerShootdown is called on a victim CPU when it receives the IPI:
// reads the descriptor, invalidates the listed pages/ranges (or all),
// removes itself from the old-generation list, inserts itself into the
// new-generation list, and atomically decrements active_cpus_count[old]
// — spec §4.8 step 3. The full memory barrier spec §4.8 step 4 requires
// between invalidation and the counter decrement is the atomic
// decrement itself: Go's sync/atomic operations carry acquire/release
// semantics sufficient for this ordering.
func (pt *PageTable) TriggerShootdown(cpu int) {
	pt.shootdownMu.Lock()
	ctx := pt.shootdown
	pt.shootdownMu.Unlock()
	if ctx == nil {
		return
	}

	if ctx.flushAll {
		pt.invalidator.InvalidateAll()
	} else {
		for _, p := range ctx.pages {
			pt.invalidator.InvalidatePage(p)
		}
		for _, r := range ctx.ranges {
			pt.invalidator.InvalidateRange(r.base, int(r.size/mem.PageSize))
		}
	}

	old := atomic.LoadUint32(&pt.pagingGeneration) ^ 1
	newGen := old ^ 1

	pt.activeCPUsMu.Lock()
	delete(pt.activeCPUs[old], cpu)
	pt.activeCPUs[newGen][cpu] = true
	atomic.AddInt32(&pt.activeCount[newGen], 1)
	pt.activeCPUsMu.Unlock()

	atomic.AddInt32(&pt.activeCount[old], -1)
}

// ApplyCPU implements spec §4.8's apply_cpu: atomically adds the
// current CPU to the active list at the current generation, called on
// a context switch into this table.
func (pt *PageTable) ApplyCPU(cpu int) {
	gen := atomic.LoadUint32(&pt.pagingGeneration)
	pt.activeCPUsMu.Lock()
	if !pt.activeCPUs[gen][cpu] {
		pt.activeCPUs[gen][cpu] = true
		atomic.AddInt32(&pt.activeCount[gen], 1)
	}
	pt.activeCPUsMu.Unlock()
}

// UnapplyCPU implements spec §4.8's unapply_cpu, called on context
// switch away from this table.
func (pt *PageTable) UnapplyCPU(cpu int) {
	gen := atomic.LoadUint32(&pt.pagingGeneration)
	pt.activeCPUsMu.Lock()
	if pt.activeCPUs[gen][cpu] {
		delete(pt.activeCPUs[gen], cpu)
		atomic.AddInt32(&pt.activeCount[gen], -1)
	}
	pt.activeCPUsMu.Unlock()
}

// ActiveCount returns the active-CPU count for the given generation
// (0 or 1), for tests asserting scenario 5 of spec §8.
func (pt *PageTable) ActiveCount(gen int) int32 {
	return atomic.LoadInt32(&pt.activeCount[gen])
}
