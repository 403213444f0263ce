// Package boot implements spec §2 component 8, Boot Bring-Up: the
// one-shot subsystem that converts loader data into a kernel page table
// object and initialized PMM/VMM, and returns them to its caller.
// Grounded on biscuit/src/mem/dmap.go's Dmap_init (GB-page vs 2MB-page
// detection, Kents bookkeeping, the one-time Dmapinit flip from HHDM to
// a per-CPU mapper) and the old biscuit main()/phys_init()/cpus_start()
// sequence retrieved as other_examples'
// justanotherdot-biscuit/biscuit/src/kernel-main.go.
package boot

import (
	"fmt"

	"github.com/google/pprof/profile"

	"vmkernel/arch"
	"vmkernel/kerr"
	"vmkernel/loader"
	"vmkernel/mem"
	"vmkernel/pagetable"
	"vmkernel/pmm"
	"vmkernel/rcu"
	"vmkernel/tempmap"
	"vmkernel/vmm"
)

// Config mirrors the shape of the loader's hand-off response; there is
// no process environment this early for flags or env vars to come from
// (spec's ambient "Configuration" concern, see SPEC_FULL.md).
type Config struct {
	Handoff         *loader.Handoff
	KernelArenaBase mem.Va_t
	KernelArenaSize uintptr
}

// Kernel is the live subsystem state boot bring-up produces: an
// initialized PMM, a kernel virtual arena, and the kernel page table.
type Kernel struct {
	PMM   *pmm.Manager
	Arena *vmm.Arena
	PT    *pagetable.PageTable
	RCU   *rcu.State

	col arch.Collaborators
}

// Bringup runs the boot sequence: install the DirectMapper, build PMM
// from the loader's usable memory-map entries, build the kernel arena,
// create the kernel page table (a fresh root from backend.NewRoot) with
// its RCU state, and flip the temp mapper from DirectMapper to
// archMapper when one is given. It maps none of the kernel image
// sections (it only logs their R-X / R / RW / R policy), does not load
// the new root into the CPU, and does not unmap the HHDM.
func Bringup(cfg Config, backend arch.PageTableBackend, col arch.Collaborators, archMapper *tempmap.ArchTempMapper) (*Kernel, kerr.Err_t) {
	h := cfg.Handoff
	if h == nil {
		return nil, kerr.Invalid
	}

	// 1. Install the DirectMapper while HHDM is still live (spec §4.1).
	tempmap.SetMapper(&tempmap.DirectMapper{HHDMOffset: h.HHDMOffset})

	// 2. Build PMM from every Usable memory-map entry.
	pm := pmm.NewManager()
	h.VisitUsable(func(e loader.MemMapEntry) {
		pages := int(e.LengthBytes / mem.PageSize)
		if pages == 0 {
			return
		}
		policy := pmm.Normal
		if e.BasePhys+mem.Pa_t(e.LengthBytes) <= mem.Pa_t(4)<<30 {
			policy = pmm.Below4GB
		}
		fmt.Printf("pmm: reserving %v pages at %#x\n", pages, e.BasePhys)
		pm.AddRegion("usable", policy, e.BasePhys, pages)
	})

	// 3. Build the kernel virtual arena, backed by PMM for its own
	// tag-page metadata (spec §2's dataflow: "Boot ... builds VMM").
	mapKernelPage := func(phys mem.Pa_t, virt mem.Va_t, npages int) kerr.Err_t {
		args := mem.PageTableArgs{Readable: true, Writeable: true}
		for i := 0; i < npages; i++ {
			off := mem.Va_t(i * mem.PageSize)
			if err := backend.MapPage(0, virt+off, phys+mem.Pa_t(i*mem.PageSize), args); err != nil {
				return kerr.Fault
			}
		}
		return 0
	}
	arena := vmm.NewArena(cfg.KernelArenaBase, cfg.KernelArenaSize, pm, mapKernelPage)

	// 4. Build the kernel page table; its root is not loaded into the CPU here.
	root, err := backend.NewRoot()
	if err != nil {
		return nil, kerr.Fault
	}
	kpt := pagetable.New(0, root, backend, col, pm, arena)

	// RCU state is sized from the platform's reported CPU count (spec
	// §3's per-cpu bitmap of CPUs still to quiet); a single CPU is
	// assumed until the SMP descriptor's application-processor bring-up
	// (out of scope per spec §1) brings the rest online.
	ncpu := 1
	if col.CPUID != nil {
		if n := col.CPUID.NumCPUs(); n > 0 {
			ncpu = n
		}
	}
	rcuState := rcu.New(ncpu)
	kpt.SetRCU(rcuState)

	// Kernel image section policy (R-X/R/RW/R). Nothing is mapped or
	// reserved for these sections here; the policy table is only logged.
	sections := []struct {
		name   string
		access pagetable.Access
	}{
		{"text", pagetable.AccessRead | pagetable.AccessExec},
		{"rodata", pagetable.AccessRead},
		{"data+bss", pagetable.AccessRead | pagetable.AccessWrite},
		{"eh_frame+gcc_except_table", pagetable.AccessRead},
	}
	for _, s := range sections {
		fmt.Printf("boot: kernel section %v\n", s.name)
	}

	// 5. Flip the temp mapper from DirectMapper to the per-CPU
	// ArchTempMapper exactly once, after the kernel page table has been
	// built (spec §4.1).
	if archMapper != nil {
		tempmap.SetMapper(archMapper)
	}

	return &Kernel{PMM: pm, Arena: arena, PT: kpt, RCU: rcuState, col: col}, 0
}

// Quiet implements spec §4.4's per-CPU quiet(my_id), called by the task
// scheduler (out of scope per spec §1) whenever cpu passes a quiescent
// point such as a context switch. Drained callbacks run outside any RCU
// lock, as §4.4 requires, since a callback may itself enqueue further
// RCU work (e.g. a chained memobject page free).
func (k *Kernel) Quiet(cpu int) {
	for _, cb := range k.RCU.Quiet(cpu) {
		cb.Func(cb.Payload, cb.Chained())
	}
}

// DumpHeapProfile produces a pprof profile.Profile giving each region's
// size in pages (the whole region, whether or not its pages have been
// faulted in), generalizing the teacher's commented-out
// pprof.WriteHeapProfile / bprof_t hexdump hook
// (justanotherdot-biscuit/biscuit/src/kernel-main.go's profhw/bprof_t):
// where the teacher hexdumps a raw heap profile to the serial console
// for offline xxd -r reconstruction, this builds a structured
// profile.Profile and leaves serialization to the caller.
func (k *Kernel) DumpHeapProfile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "resident_pages", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     mem.PageSize,
	}

	regions := k.PT.Regions()
	functions := make(map[string]*profile.Function)
	var locs []*profile.Location
	var samples []*profile.Sample

	for i, r := range regions {
		fn, ok := functions[r.Name]
		if !ok {
			fn = &profile.Function{ID: uint64(i + 1), Name: r.Name}
			functions[r.Name] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{ID: uint64(i + 1), Line: []profile.Line{{Function: fn}}}
		locs = append(locs, loc)
		samples = append(samples, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(r.Size / mem.PageSize)},
		})
	}
	p.Location = locs
	p.Sample = samples
	return p
}

// ProfileResidentSet is an alias kept for call sites that want the
// per-region page-count report without the Kernel wrapper (e.g. a test
// harness building a PageTable directly).
func ProfileResidentSet(pt *pagetable.PageTable) *profile.Profile {
	k := &Kernel{PT: pt}
	return k.DumpHeapProfile()
}
