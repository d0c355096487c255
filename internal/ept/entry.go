// Package ept implements the extended page table tree: the
// per-process 4-level guest-physical-to-host-physical mapping VT-x
// walks on every memory access once a CPU is executing that process,
// plus the MTRR-derived memory-type resolution the tree's leaves need
// to stay cacheable in exactly the way the host's own page tables
// are.
//
// There is no teacher analogue for any of this — hv/kvm never builds
// EPT directly, it hands KVM_SET_USER_MEMORY_REGION a flat GPA range
// and the kernel's own EPT/NPT support does the rest. The one place
// the teacher does hand-build a multi-level paging structure is
// kvm_amd64.go's SetLongModeWithSelectors, which walks
// PML4/PDPT/PD exactly the way this package does, just for regular
// paging instead of EPT; its loop-and-allocate-on-demand shape is
// what Tree.walk/ensureNext below are grounded on.
package ept

import "github.com/eptguard/eptguard/internal/cpuprim"

// Entry is one 8-byte EPT paging-structure entry — a PML4E, PDPTE, PDE,
// or PTE, all of which share the permission/memtype bit layout defined
// by the SDM's EPT chapter; only the address-field width and the
// presence of the "page size" bit differ by level, both handled by
// the accessors below rather than by separate types.
type Entry uint64

const (
	entryReadBit  = 1 << 0
	entryWriteBit = 1 << 1
	entryExecBit  = 1 << 2 // supervisor-mode execute; user-mode execute is bit 10
	entryMemTypeShift = 3
	entryMemTypeMask  = 0x7 << entryMemTypeShift
	entryIgnorePAT    = 1 << 6
	entryLargePage    = 1 << 7 // "page size" — leaf at PDPT/PD level
	entryAccessed     = 1 << 8
	entryDirty        = 1 << 9
	entryUserExecute  = 1 << 10
	entrySuppressVE   = 1 << 63

	entryAddrMask = uint64(0x000F_FFFF_FFFF_F000) // bits 12-51
)

// MemType is an EPT/MTRR memory type (SDM Vol 3A §11.11.1): the
// subset of the PAT/MTRR type space EPT leaves can express.
type MemType uint8

const (
	MemTypeUncacheable     MemType = 0
	MemTypeWriteCombining  MemType = 1
	MemTypeWriteThrough    MemType = 4
	MemTypeWriteProtected  MemType = 5
	MemTypeWriteBack       MemType = 6
)

func (m MemType) String() string {
	switch m {
	case MemTypeUncacheable:
		return "UC"
	case MemTypeWriteCombining:
		return "WC"
	case MemTypeWriteThrough:
		return "WT"
	case MemTypeWriteProtected:
		return "WP"
	case MemTypeWriteBack:
		return "WB"
	default:
		return "reserved"
	}
}

// NewLeafEntry builds a present PTE/large-page entry pointing at pa
// with the given permissions and memory type.
func NewLeafEntry(pa cpuprim.PhysAddr, read, write, execute bool, memType MemType, largePage bool) Entry {
	var e Entry
	if read {
		e |= entryReadBit
	}
	if write {
		e |= entryWriteBit
	}
	if execute {
		e |= entryExecBit | entryUserExecute
	}
	e |= Entry(memType) << entryMemTypeShift
	if largePage {
		e |= entryLargePage
	}
	e |= Entry(uint64(pa) & entryAddrMask)
	return e
}

// NewTableEntry builds a present, fully-permissive non-leaf entry
// pointing at a child table. Non-leaf entries gate nothing themselves
// in EPT (the effective permission is the AND of every level, but the
// convention this package follows — matching every production EPT
// hook implementation — is to leave parent levels fully open and
// enforce restriction only at the leaf, so the hook logic has exactly
// one place to reason about).
func NewTableEntry(childPA cpuprim.PhysAddr) Entry {
	return Entry(entryReadBit|entryWriteBit|entryExecBit|entryUserExecute) |
		Entry(uint64(childPA)&entryAddrMask)
}

func (e Entry) Present() bool   { return e&(entryReadBit|entryWriteBit|entryExecBit) != 0 }
func (e Entry) Readable() bool  { return e&entryReadBit != 0 }
func (e Entry) Writable() bool  { return e&entryWriteBit != 0 }
func (e Entry) Executable() bool { return e&entryExecBit != 0 }
func (e Entry) LargePage() bool { return e&entryLargePage != 0 }
func (e Entry) MemType() MemType { return MemType((e & entryMemTypeMask) >> entryMemTypeShift) }

func (e Entry) Address() cpuprim.PhysAddr {
	return cpuprim.PhysAddr(uint64(e) & entryAddrMask)
}

// WithPermissions returns a copy of e with only its R/W/X bits
// replaced — the primitive the hook package's execute/data view swap
// is built on.
func (e Entry) WithPermissions(read, write, execute bool) Entry {
	e &^= entryReadBit | entryWriteBit | entryExecBit | entryUserExecute
	if read {
		e |= entryReadBit
	}
	if write {
		e |= entryWriteBit
	}
	if execute {
		e |= entryExecBit | entryUserExecute
	}
	return e
}

// WithAddress returns a copy of e with only its physical-address bits
// replaced, permissions and memory type untouched — the primitive the
// split-view hook swap needs to point a leaf at the exec or data frame
// instead of merely narrowing the original frame's permissions.
func (e Entry) WithAddress(pa cpuprim.PhysAddr) Entry {
	e &^= Entry(entryAddrMask)
	e |= Entry(uint64(pa) & entryAddrMask)
	return e
}
