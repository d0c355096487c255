//go:build windows

package cpuprim

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/eptguard/eptguard/internal/hverr"
)

// On Windows there is no userspace syscall that pins memory and hands
// back its physical address; that is exactly what MmProbeAndLockPages
// / MmGetPhysicalAddress do in kernel mode. allocatePages reserves the
// virtual range with VirtualAlloc and relies on lockAndResolve (a
// thin wrapper the driver half of this module exposes) to do the
// privileged part; the two are split so this file only ever touches
// APIs golang.org/x/sys/windows already wraps.
func allocatePages(count int) (*Page, error) {
	size := uintptr(count * PageSize)
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("%w: VirtualAlloc: %v", hverr.ErrAllocationFailed, err)
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	pa, err := VirtToPhys(VirtAddr(addr))
	if err != nil {
		windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		return nil, err
	}
	return &Page{PA: pa, buf: buf}, nil
}

func freePages(p *Page) error {
	return windows.VirtualFree(uintptr(ptrOf(p.buf)), 0, windows.MEM_RELEASE)
}

// VirtToPhys resolves a virtual address to its physical backing
// through the VAD-walk IOCTL the module's own kernel-mode half
// exposes (EPTGUARD always ships a small signed driver alongside this
// binary on Windows, mirroring how the teacher's Windows backend
// needs WHPX/Hyper-V rather than a raw ioctl surface). queryPhysical
// is implemented in driverio_windows.go.
func VirtToPhys(va VirtAddr) (PhysAddr, error) {
	return queryPhysical(va)
}

// ReadPhysical reads len(out) bytes starting at pa through the same
// driver channel.
func ReadPhysical(pa PhysAddr, out []byte) error {
	return driverReadPhysical(pa, out)
}
