// Package arch defines the architecture-specific collaborators spec §1
// places out of scope ("architecture-specific page-table walking, TLB
// instructions, and temp-mapper back-ends... only their interfaces
// appear here"). It generalizes the single injected callback the
// teacher uses for this purpose — biscuit/src/vm/as.go's
// Cpumap(f func(int) uint32), which lets Vm_t's shootdown code look up
// an APIC id without the vm package depending on the APIC driver
// directly — into the handful of seams pagetable, tempmap, and boot
// need. No implementation lives here: a real kernel supplies one per
// target architecture; tests supply fakes.
package arch

import "vmkernel/mem"

// TLBInvalidator invalidates translations cached by the local CPU,
// mirroring runtime.Condflush/Tlbshoot's per-CPU invalidation step in
// the teacher's Vm_t.Tlbshoot.
type TLBInvalidator interface {
	InvalidatePage(virt mem.Va_t)
	InvalidateRange(virt mem.Va_t, npages int)
	InvalidateAll()
}

// IPISender fans out an inter-processor signal to a set of CPUs,
// generalizing the teacher's Cpumap(f func(int) uint32) APIC-id lookup
// into the send operation itself (spec §4.8 step 2: "send an
// inter-processor signal to each CPU other than self").
type IPISender interface {
	// SendShootdown signals cpu to invalidate pages described by the
	// published shootdown descriptor (opaque to arch) and returns once
	// the IPI has been posted (not once it has been serviced).
	SendShootdown(cpu int) error
}

// PageTableBackend walks and mutates the hardware page table, the
// architecture-specific half of pagetable.PageTable. It translates
// mem.PageTableArgs into hardware PTE bits (x86-64, riscv, aarch64, ...).
type PageTableBackend interface {
	// MapPage installs virt -> phys with the given argument tuple.
	MapPage(root mem.Pa_t, virt mem.Va_t, phys mem.Pa_t, args mem.PageTableArgs) error
	// UnmapPage removes any mapping for virt. Not finding one is not an error.
	UnmapPage(root mem.Pa_t, virt mem.Va_t) error
	// Translate returns the current mapping for virt, if present.
	Translate(root mem.Pa_t, virt mem.Va_t) (phys mem.Pa_t, args mem.PageTableArgs, present bool)
	// NewRoot allocates and zeroes a fresh top-level page-table page.
	NewRoot() (mem.Pa_t, error)
}

// CPUIDSource reports identity of the currently-running CPU, the
// architecture-specific half of the active-CPU bookkeeping in spec
// §4.8 (apply_cpu/unapply_cpu).
type CPUIDSource interface {
	CurrentCPU() int
	NumCPUs() int
}

// Collaborators bundles the architecture seams a pagetable.PageTable or
// boot.Bringup needs; a platform package constructs one concrete value
// satisfying all four interfaces and passes it down.
type Collaborators struct {
	TLB   TLBInvalidator
	IPI   IPISender
	PT    PageTableBackend
	CPUID CPUIDSource
}
