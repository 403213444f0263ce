// Package tempmap implements the Temp Mapper of spec §4.1: a per-CPU
// scratch window that maps an arbitrary physical page into kernel
// virtual space for the duration of a scoped handle. Grounded on the
// teacher's biscuit/src/mem/dmap.go, whose Dmap/Dmap_init install
// exactly the DirectMapper back-end described here (the HHDM window),
// and on original_source/kernel/generic/memory/temp_mapper.cc/hh for
// the post-HHDM per-CPU ArchTempMapper the teacher never needs (biscuit
// never reclaims its HHDM).
package tempmap

import (
	"sync"
	"sync/atomic"

	"vmkernel/kerr"
	"vmkernel/mem"
)

// Mapper is the Temp Mapper contract: map installs phys into a scratch
// slot and returns a kernel virtual pointer; release undoes it and
// invalidates the local TLB entry for that slot.
type Mapper interface {
	Map(phys mem.Pa_t) (mem.Va_t, kerr.Err_t)
	Release(virt mem.Va_t)
}

// DirectMapper returns hhdm_offset + phys while the loader-provided
// HHDM is still live, matching dmap.go's Dmap helper exactly.
type DirectMapper struct {
	HHDMOffset mem.Va_t
}

func (d *DirectMapper) Map(phys mem.Pa_t) (mem.Va_t, kerr.Err_t) {
	return d.HHDMOffset + mem.Va_t(phys), 0
}

// Release is a no-op for DirectMapper: the HHDM mapping is permanent
// until the whole window is reclaimed at boot bring-up's handoff.
func (d *DirectMapper) Release(virt mem.Va_t) {}

// invalidator is injected by the architecture layer to invalidate a
// released slot's local TLB entry.
type invalidator interface {
	InvalidatePage(virt mem.Va_t)
}

// ArchTempMapper owns a contiguous run of >=16 VA pages mapped into a
// dedicated page-directory entry of the kernel page table; each page is
// one slot, and slot selection is lock-free per CPU (one instance per
// CPU, matching spec §4.1 exactly).
type ArchTempMapper struct {
	base   mem.Va_t
	nslots int
	inUse  []uint32 // atomic 0/1 per slot
	phys   []mem.Pa_t

	mapPage   func(virt mem.Va_t, phys mem.Pa_t, flags mem.PageTableArgs) kerr.Err_t
	unmapPage func(virt mem.Va_t) kerr.Err_t
	inval     invalidator
}

// NewArchTempMapper creates a per-CPU mapper with nslots (>=16 per
// spec §4.1) scratch VA pages starting at base.
func NewArchTempMapper(base mem.Va_t, nslots int,
	mapPage func(mem.Va_t, mem.Pa_t, mem.PageTableArgs) kerr.Err_t,
	unmapPage func(mem.Va_t) kerr.Err_t,
	inval invalidator) *ArchTempMapper {
	if nslots < 16 {
		nslots = 16
	}
	return &ArchTempMapper{
		base:      base,
		nslots:    nslots,
		inUse:     make([]uint32, nslots),
		phys:      make([]mem.Pa_t, nslots),
		mapPage:   mapPage,
		unmapPage: unmapPage,
		inval:     inval,
	}
}

func (a *ArchTempMapper) Map(phys mem.Pa_t) (mem.Va_t, kerr.Err_t) {
	for i := 0; i < a.nslots; i++ {
		if atomic.CompareAndSwapUint32(&a.inUse[i], 0, 1) {
			virt := a.base + mem.Va_t(i*mem.PageSize)
			args := mem.PageTableArgs{Readable: true, Writeable: true}
			if a.mapPage != nil {
				if err := a.mapPage(virt, phys, args); err != 0 {
					atomic.StoreUint32(&a.inUse[i], 0)
					return 0, err
				}
			}
			a.phys[i] = phys
			return virt, 0
		}
	}
	return 0, kerr.Busy
}

func (a *ArchTempMapper) Release(virt mem.Va_t) {
	if virt < a.base {
		return
	}
	i := int((virt - a.base) / mem.PageSize)
	if i < 0 || i >= a.nslots {
		return
	}
	if a.unmapPage != nil {
		a.unmapPage(virt)
	}
	if a.inval != nil {
		a.inval.InvalidatePage(virt)
	}
	a.phys[i] = 0
	atomic.StoreUint32(&a.inUse[i], 0)
}

var (
	currentMu     sync.Mutex
	currentMapper Mapper
)

// SetMapper installs the process-wide current_mapper. Boot bring-up
// calls this twice: once with a DirectMapper very early, and exactly
// once more with the per-CPU ArchTempMapper right after the kernel page
// table is installed and the HHDM is about to be reclaimed (spec §4.1).
func SetMapper(m Mapper) {
	currentMu.Lock()
	currentMapper = m
	currentMu.Unlock()
}

func Current() Mapper {
	currentMu.Lock()
	defer currentMu.Unlock()
	return currentMapper
}

// Handle is the scoped handle of spec §4.1: it acquires a slot on
// construction and releases it on all exit paths.
type Handle struct {
	m    Mapper
	virt mem.Va_t
}

// Acquire maps phys through the current mapper and returns a handle
// that must be released (typically via defer h.Release()).
func Acquire(phys mem.Pa_t) (*Handle, kerr.Err_t) {
	m := Current()
	if m == nil {
		return nil, kerr.Invalid
	}
	virt, err := m.Map(phys)
	if err != 0 {
		return nil, err
	}
	return &Handle{m: m, virt: virt}, 0
}

// Virt returns the kernel virtual address of the mapped page.
func (h *Handle) Virt() mem.Va_t { return h.virt }

// Release undoes the mapping. Safe to call multiple times.
func (h *Handle) Release() {
	if h == nil || h.m == nil {
		return
	}
	h.m.Release(h.virt)
	h.m = nil
}
