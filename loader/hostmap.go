//go:build linux

// Host-simulation loader: lets the test suite and a development CLI
// exercise the memory-map/HHDM/module plumbing against real mmap'd
// anonymous memory on a Linux host instead of requiring firmware
// hand-off. The teacher has no equivalent (biscuit only ever runs on
// bare metal); usbarmory-tamago and goos-e in the retrieval pack both
// gate bare-metal-only files behind build tags and keep a hosted path
// for development, which this follows.
package loader

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"vmkernel/mem"
)

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// HostSimHandoff builds a Handoff describing a single mmap'd anonymous
// region of totalBytes, standing in for a real firmware memory map. The
// "HHDM" is simulated by recording the mmap's own virtual address as
// the offset, since on a hosted simulation there is no separate
// physical address space to direct-map.
func HostSimHandoff(totalBytes int) (*Handoff, []byte, error) {
	data, err := unix.Mmap(-1, 0, totalBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("hostsim mmap: %w", err)
	}

	base := mem.Pa_t(0) // simulated physical base: the region starts at "physical" 0
	h := &Handoff{
		MemMap: []MemMapEntry{
			{BasePhys: base, LengthBytes: uint64(totalBytes), Type: Usable},
		},
		HHDMOffset:     mem.Va_t(uintptrOf(data)),
		KernelPhysBase: base,
		PagingModeHint: "4-level",
	}
	return h, data, nil
}

// HostSimRelease releases memory obtained from HostSimHandoff.
func HostSimRelease(data []byte) error {
	return unix.Munmap(data)
}
