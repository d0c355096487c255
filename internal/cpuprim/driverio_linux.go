//go:build linux

package cpuprim

import (
	"sync"

	"github.com/ebitengine/purego"
)

// On hardened kernels /dev/mem is either absent or restricted by
// CONFIG_STRICT_DEVMEM to the first megabyte, and /proc/self/pagemap
// can be locked down by kernel.perf_event_paranoid-style sysctls.
// EPTGUARD's optional companion shared library
// (libeptguard_kmod.so, built from the same kernel-module source tree
// that backs the Windows driver in driverio_windows.go) exports two C
// functions that talk to that module's /dev/eptguard ioctl interface
// directly. purego resolves and calls them without cgo, the same way
// it resolves dynamic library exports on any other platform; this
// package only ever uses it as a fallback when the module is
// actually installed.
var (
	kmodOnce    sync.Once
	kmodHandle  uintptr
	kmodPresent bool

	kmodQueryPhysical func(va uint64) uint64
	kmodReadPhysical  func(pa uint64, out *byte, length uint64) int32
)

func loadKernelModuleShim() {
	kmodOnce.Do(func() {
		handle, err := purego.Dlopen("libeptguard_kmod.so", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			return
		}
		kmodHandle = handle
		purego.RegisterLibFunc(&kmodQueryPhysical, handle, "eptguard_query_physical")
		purego.RegisterLibFunc(&kmodReadPhysical, handle, "eptguard_read_physical")
		kmodPresent = true
	})
}

// kmodVirtToPhys is VirtToPhys's fallback path, used only when the
// pagemap-based lookup in alloc_linux.go fails and the companion
// shared library is present on this host.
func kmodVirtToPhys(va VirtAddr) (PhysAddr, bool) {
	loadKernelModuleShim()
	if !kmodPresent {
		return 0, false
	}
	return PhysAddr(kmodQueryPhysical(uint64(va))), true
}

// kmodReadPhys is ReadPhysical's fallback path.
func kmodReadPhys(pa PhysAddr, out []byte) bool {
	loadKernelModuleShim()
	if !kmodPresent || len(out) == 0 {
		return false
	}
	rc := kmodReadPhysical(uint64(pa), &out[0], uint64(len(out)))
	return rc == 0
}
