//go:build linux

package cpuprim

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/eptguard/eptguard/internal/hverr"
)

// pagemapEntryShift and friends decode /proc/self/pagemap's 8-byte
// entries as documented in the kernel's
// Documentation/admin-guide/mm/pagemap.rst: bits 0-54 are the PFN
// when bit 63 ("page present") is set.
const (
	pagemapPresentBit = uint64(1) << 63
	pagemapPFNMask    = (uint64(1) << 55) - 1
)

func allocatePages(count int) (*Page, error) {
	size := count * PageSize
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", hverr.ErrAllocationFailed, err)
	}
	if err := unix.Mlock(buf); err != nil {
		unix.Munmap(buf)
		return nil, fmt.Errorf("%w: mlock: %v", hverr.ErrAllocationFailed, err)
	}
	pa, err := VirtToPhys(VirtAddr(uintptr(ptrOf(buf))))
	if err != nil {
		unix.Munlock(buf)
		unix.Munmap(buf)
		return nil, err
	}
	return &Page{PA: pa, buf: buf}, nil
}

func freePages(p *Page) error {
	unix.Munlock(p.buf)
	return unix.Munmap(p.buf)
}

// VirtToPhys resolves a kernel/process-virtual address to its current
// physical backing via /proc/self/pagemap. The page must already be
// resident (AllocatePage's Mlock guarantees this for pages it
// returns); callers must not use this on addresses whose page frame
// can be reclaimed or swapped between lookup and use.
func VirtToPhys(va VirtAddr) (PhysAddr, error) {
	f, err := os.OpenFile("/proc/self/pagemap", os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: open pagemap: %v", hverr.ErrAddressTranslationFail, err)
	}
	defer f.Close()

	pageIndex := uintptr(va) / PageSize
	offset := int64(pageIndex * 8)

	var entry [8]byte
	if _, err := f.ReadAt(entry[:], offset); err != nil {
		return 0, fmt.Errorf("%w: read pagemap: %v", hverr.ErrAddressTranslationFail, err)
	}
	raw := binary.LittleEndian.Uint64(entry[:])
	if raw&pagemapPresentBit == 0 {
		if pa, ok := kmodVirtToPhys(va); ok {
			return pa, nil
		}
		return 0, fmt.Errorf("%w: page not present", hverr.ErrAddressTranslationFail)
	}
	pfn := raw & pagemapPFNMask
	return PhysAddr(pfn*PageSize + uint64(va)%PageSize), nil
}

// PhysToVirt is intentionally absent on Linux: without a kernel
// module there is no general syscall that maps an arbitrary physical
// frame back into this process's address space. Components that need
// it only ever do so for frames this package itself allocated, so
// they keep the *Page around instead of calling PhysToVirt.

// ReadPhysical reads len(out) bytes starting at pa via /dev/mem. This
// requires CAP_SYS_RAWIO and a kernel built without
// CONFIG_STRICT_DEVMEM restricting the range; when /dev/mem cannot be
// opened or read, the optional companion library's read is tried, and
// if that also fails the error is returned to the caller.
func ReadPhysical(pa PhysAddr, out []byte) error {
	f, err := os.OpenFile("/dev/mem", os.O_RDONLY, 0)
	if err != nil {
		if kmodReadPhys(pa, out) {
			return nil
		}
		return fmt.Errorf("%w: open /dev/mem: %v", hverr.ErrAddressTranslationFail, err)
	}
	defer f.Close()
	_, err = f.ReadAt(out, int64(pa))
	if err != nil {
		if kmodReadPhys(pa, out) {
			return nil
		}
		return fmt.Errorf("%w: read /dev/mem: %v", hverr.ErrAddressTranslationFail, err)
	}
	return nil
}
