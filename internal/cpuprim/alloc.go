package cpuprim

// Contiguous, page-aligned physical memory is the one resource every
// layer above this package needs and cannot get from the Go runtime's
// ordinary allocator: VMXON regions, VMCS regions, MSR bitmaps, EPT
// page-table pages, and per-CPU host stacks all require a stable,
// known physical address. The teacher never needs this (its VMs are
// themselves the memory owner, via KVM's guest-memory ioctls), so
// this has no direct analogue in hv/kvm; it is grounded on the
// mmap+pagemap idiom golang.org/x/sys/unix exists to support, applied
// the way a userspace VMM locks and pins guest pages.

import "github.com/eptguard/eptguard/internal/hverr"

// Page is one page-aligned, page-locked allocation, along with the
// physical address the platform-specific allocator resolved for it.
type Page struct {
	PA  PhysAddr
	buf []byte
}

// Bytes returns the backing slice for this page (always PageSize
// long).
func (p *Page) Bytes() []byte { return p.buf }

// Zero clears the page.
func (p *Page) Zero() {
	for i := range p.buf {
		p.buf[i] = 0
	}
}

// AllocatePage allocates and locks one page-aligned 4 KiB page and
// resolves its physical address.
func AllocatePage() (*Page, error) {
	return allocatePages(1)
}

// AllocateContiguous allocates count page-aligned 4 KiB pages as one
// virtually contiguous, locked block; Page.PA is the physical address
// of the first page only. Physical contiguity of the pages after the
// first is not checked or guaranteed. vmxstate uses it for the MSR
// bitmap and the host stack; EPT tables come from AllocatePage.
func AllocateContiguous(count int) (*Page, error) {
	if count <= 0 {
		return nil, hverr.ErrInvalidRequest
	}
	return allocatePages(count)
}

// Free releases a page obtained from AllocatePage/AllocateContiguous.
func (p *Page) Free() error {
	return freePages(p)
}

// NewPageForTesting builds a Page backed by an ordinary Go byte slice
// at a caller-chosen fake physical address, rather than locked
// physical memory. ept and hook's tests exercise paging-structure
// logic this way without needing mmap/mlock privileges or real
// hardware.
func NewPageForTesting(pa PhysAddr) *Page {
	return &Page{PA: pa, buf: make([]byte, PageSize)}
}
