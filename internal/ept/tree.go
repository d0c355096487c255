package ept

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/eptguard/eptguard/internal/cpuprim"
	"github.com/eptguard/eptguard/internal/hverr"
)

const entriesPerTable = 512

// table overlays one 4 KiB EPT paging-structure page as 512 entries,
// the same unsafe.Pointer-over-raw-memory idiom the teacher's ABI
// structs (kvmRegs, kvmSegment, ...) use to overlay kernel memory.
type table struct {
	page    *cpuprim.Page
	entries *[entriesPerTable]Entry
}

func newTable(page *cpuprim.Page) *table {
	return &table{
		page:    page,
		entries: (*[entriesPerTable]Entry)(unsafe.Pointer(&page.Bytes()[0])),
	}
}

// Allocator abstracts physical page allocation so Tree can be built
// and unit-tested without real mmap/mlock — production callers pass
// cpuprim.AllocatePage, tests pass an in-memory fake.
type Allocator func() (*cpuprim.Page, error)

// Tree is one process's EPT paging structure: a PML4 root plus
// whatever PDPT/PD/PT pages have been allocated on demand as pages
// were mapped or split.
type Tree struct {
	mu    sync.Mutex
	alloc Allocator

	root      *table
	rootPage  *cpuprim.Page
	resolver  MemTypeResolver

	// pages tracks every table page this tree owns so Close can free
	// them; PML4/PDPT/PD/PT pages are otherwise unreachable once
	// de-referenced from their parent entry.
	pages []*cpuprim.Page
}

// MemTypeResolver resolves the EPT memory type a guest-physical page
// should carry, mirroring how the host's own MTRRs classify that
// physical range (spec's memory-type precedence: UC > WT > WB).
type MemTypeResolver interface {
	Resolve(pa cpuprim.PhysAddr) MemType
}

// NewTree allocates a fresh, empty EPT tree (a zeroed PML4 with no
// mappings) using alloc for every paging-structure page it needs.
func NewTree(alloc Allocator, resolver MemTypeResolver) (*Tree, error) {
	rootPage, err := alloc()
	if err != nil {
		return nil, fmt.Errorf("ept: allocate PML4: %w", err)
	}
	rootPage.Zero()
	t := &Tree{
		alloc:    alloc,
		root:     newTable(rootPage),
		rootPage: rootPage,
		resolver: resolver,
		pages:    []*cpuprim.Page{rootPage},
	}
	return t, nil
}

// EPTP returns the value to load into the VMCS's EPT-pointer field:
// the PML4's physical address with an EPT page-walk length of 4 and
// memory type write-back, dirty/accessed tracking left disabled (the
// conservative default; spec makes no claim on dirty tracking).
func (t *Tree) EPTP() uint64 {
	const (
		eptMemTypeWB   = uint64(MemTypeWriteBack)
		eptWalkLength4 = uint64(3) << 3 // encoded as (N-1)
	)
	return uint64(t.rootPage.PA) | eptMemTypeWB | eptWalkLength4
}

// indices splits a guest-physical address into its PML4/PDPT/PD/PT
// indices, SDM-standard 9/9/9/9/12 bit slicing.
func indices(gpa uint64) (pml4, pdpt, pd, pt int) {
	return int((gpa >> 39) & 0x1FF),
		int((gpa >> 30) & 0x1FF),
		int((gpa >> 21) & 0x1FF),
		int((gpa >> 12) & 0x1FF)
}

// ensureChild returns the child table of parent[idx], allocating and
// installing it as a 2 MiB large-page leaf's replacement-in-waiting if
// absent. Grounded on kvm_amd64.go's SetLongModeWithSelectors, which
// does the same allocate-if-missing walk one level at a time while
// building identity-mapped page tables.
func (t *Tree) ensureChild(parent *table, idx int) (*table, error) {
	e := parent.entries[idx]
	if e.Present() && !e.LargePage() {
		childPage := t.pageByPA(e.Address())
		if childPage == nil {
			return nil, fmt.Errorf("ept: child table at %s not tracked by this tree", e.Address())
		}
		return newTable(childPage), nil
	}
	childPage, err := t.alloc()
	if err != nil {
		return nil, fmt.Errorf("ept: allocate child table: %w", err)
	}
	childPage.Zero()
	t.pages = append(t.pages, childPage)
	child := newTable(childPage)
	parent.entries[idx] = NewTableEntry(childPage.PA)
	return child, nil
}

func (t *Tree) pageByPA(pa cpuprim.PhysAddr) *cpuprim.Page {
	base := pa.Page()
	for _, p := range t.pages {
		if p.PA == base {
			return p
		}
	}
	return nil
}

// MapLargePage installs a 2 MiB identity-style mapping: guest-physical
// gpa (2 MiB aligned) mapped to host-physical hpa with the given
// permissions, memory type taken from the tree's resolver.
func (t *Tree) MapLargePage(gpa, hpa cpuprim.PhysAddr, read, write, execute bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if uint64(gpa)&(cpuprim.LargePageSize-1) != 0 {
		return fmt.Errorf("%w: gpa %s is not 2 MiB aligned", hverr.ErrInvalidRequest, gpa)
	}
	i4, i3, i2, _ := indices(uint64(gpa))
	pdpt, err := t.ensureChild(t.root, i4)
	if err != nil {
		return err
	}
	pd, err := t.ensureChild(pdpt, i3)
	if err != nil {
		return err
	}
	memType := t.resolver.Resolve(hpa)
	pd.entries[i2] = NewLeafEntry(hpa, read, write, execute, memType, true)
	return nil
}

// Translate walks the tree for gpa, returning the leaf entry governing
// it (either a 2 MiB PD leaf or a 4 KiB PT leaf) along with the table
// and index it lives at, so callers (SplitLargePage, the hook
// registry's permission swap) can rewrite it in place.
func (t *Tree) Translate(gpa cpuprim.PhysAddr) (entry Entry, owner *table, index int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.translateLocked(gpa)
}

func (t *Tree) translateLocked(gpa cpuprim.PhysAddr) (Entry, *table, int, error) {
	i4, i3, i2, i1 := indices(uint64(gpa))
	pdptE := t.root.entries[i4]
	if !pdptE.Present() {
		return 0, nil, 0, fmt.Errorf("%w: no PDPT entry for %s", hverr.ErrUnknownHook, gpa)
	}
	pdpt := newTable(t.pageByPA(pdptE.Address()))

	pdE := pdpt.entries[i3]
	if !pdE.Present() {
		return 0, nil, 0, fmt.Errorf("%w: no PD entry for %s", hverr.ErrUnknownHook, gpa)
	}
	pd := newTable(t.pageByPA(pdE.Address()))

	if pd.entries[i2].LargePage() {
		return pd.entries[i2], pd, i2, nil
	}

	pt := newTable(t.pageByPA(pd.entries[i2].Address()))
	return pt.entries[i1], pt, i1, nil
}

// SplitLargePage replaces the 2 MiB leaf covering gpa with a newly
// allocated 512-entry PT expressing the identical mapping at 4 KiB
// granularity — the one-shot split a hook install performs the first
// time it touches a page inside a large mapping, never reversed once
// taken (spec's split-is-permanent invariant).
func (t *Tree) SplitLargePage(gpa cpuprim.PhysAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i4, i3, i2, _ := indices(uint64(gpa))
	pdptE := t.root.entries[i4]
	if !pdptE.Present() {
		return fmt.Errorf("%w: no PDPT entry for %s", hverr.ErrUnknownHook, gpa)
	}
	pdpt := newTable(t.pageByPA(pdptE.Address()))

	pdE := pdpt.entries[i3]
	if !pdE.Present() {
		return fmt.Errorf("%w: no PD entry for %s", hverr.ErrUnknownHook, gpa)
	}
	pd := newTable(t.pageByPA(pdE.Address()))

	leaf := pd.entries[i2]
	if !leaf.Present() {
		return fmt.Errorf("%w: no PD leaf for %s", hverr.ErrUnknownHook, gpa)
	}
	if !leaf.LargePage() {
		return nil // already split
	}

	ptPage, err := t.alloc()
	if err != nil {
		return fmt.Errorf("ept: allocate split PT: %w", err)
	}
	t.pages = append(t.pages, ptPage)
	pt := newTable(ptPage)

	basePA := leaf.Address()
	read, write, execute := leaf.Readable(), leaf.Writable(), leaf.Executable()
	memType := leaf.MemType()
	for i := 0; i < entriesPerTable; i++ {
		childPA := cpuprim.PhysAddr(uint64(basePA) + uint64(i)*cpuprim.PageSize)
		pt.entries[i] = NewLeafEntry(childPA, read, write, execute, memType, false)
	}
	pd.entries[i2] = NewTableEntry(ptPage.PA)
	return nil
}

// SetLeafPermissions rewrites the R/W/X bits of the 4 KiB leaf
// governing gpa, which must already have been split via
// SplitLargePage. Watchpoints use it: hvcore narrows the leaf to
// execute-only at install and restores full permissions on removal,
// and exitdispatch lifts and re-narrows it around a single-step.
// Hooks repoint their leaf with SetLeafMapping instead.
func (t *Tree) SetLeafPermissions(gpa cpuprim.PhysAddr, read, write, execute bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, owner, idx, err := t.translateLocked(gpa)
	if err != nil {
		return err
	}
	if entry.LargePage() {
		return fmt.Errorf("%w: %s still backed by a 2 MiB leaf; split it first", hverr.ErrInvalidRequest, gpa)
	}
	owner.entries[idx] = entry.WithPermissions(read, write, execute)
	return nil
}

// SetLeafMapping rewrites both the physical address and the R/W/X
// bits of the 4 KiB leaf governing gpa, which must already have been
// split via SplitLargePage. This is what realizes a hook's split
// view: the leaf is repointed at the hook's own exec or data frame
// instead of merely narrowing the permissions of the original frame,
// so an instruction fetch and a data read of the same guest address
// can return genuinely different bytes.
func (t *Tree) SetLeafMapping(gpa cpuprim.PhysAddr, pa cpuprim.PhysAddr, read, write, execute bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, owner, idx, err := t.translateLocked(gpa)
	if err != nil {
		return err
	}
	if entry.LargePage() {
		return fmt.Errorf("%w: %s still backed by a 2 MiB leaf; split it first", hverr.ErrInvalidRequest, gpa)
	}
	owner.entries[idx] = entry.WithAddress(pa).WithPermissions(read, write, execute)
	return nil
}

// Close releases every table page this tree owns.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, p := range t.pages {
		if err := p.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.pages = nil
	return firstErr
}
