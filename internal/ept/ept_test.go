package ept

import (
	"testing"

	"github.com/eptguard/eptguard/internal/cpuprim"
)

// fakeAllocator hands out sequential fake physical pages so tree
// logic can be exercised without real memory allocation privileges.
func fakeAllocator() Allocator {
	next := cpuprim.PhysAddr(0x1000_0000)
	return func() (*cpuprim.Page, error) {
		p := cpuprim.NewPageForTesting(next)
		next += cpuprim.PageSize
		return p, nil
	}
}

// fixedResolver always returns the same memory type, for tests that
// don't care about MTRR precedence.
type fixedResolver MemType

func (f fixedResolver) Resolve(cpuprim.PhysAddr) MemType { return MemType(f) }

func TestEntryPermissionRoundTrip(t *testing.T) {
	e := NewLeafEntry(0x2000, true, false, true, MemTypeWriteBack, false)
	if !e.Readable() || e.Writable() || !e.Executable() {
		t.Fatalf("unexpected permissions on %#x", uint64(e))
	}
	if e.MemType() != MemTypeWriteBack {
		t.Fatalf("MemType() = %s, want WB", e.MemType())
	}
	e2 := e.WithPermissions(true, true, false)
	if !e2.Readable() || !e2.Writable() || e2.Executable() {
		t.Fatalf("WithPermissions did not apply: %#x", uint64(e2))
	}
	if e2.MemType() != MemTypeWriteBack {
		t.Fatalf("WithPermissions must not disturb memory type, got %s", e2.MemType())
	}
}

func TestTreeMapAndTranslateLargePage(t *testing.T) {
	tree, err := NewTree(fakeAllocator(), fixedResolver(MemTypeWriteBack))
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	gpa := cpuprim.PhysAddr(4 * cpuprim.LargePageSize)
	hpa := cpuprim.PhysAddr(0x9_0000_0000)
	if err := tree.MapLargePage(gpa, hpa, true, true, true); err != nil {
		t.Fatalf("MapLargePage: %v", err)
	}
	entry, _, _, err := tree.Translate(gpa)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if !entry.LargePage() {
		t.Fatalf("expected a large-page leaf before split")
	}
	if entry.Address() != hpa {
		t.Fatalf("Address() = %s, want %s", entry.Address(), hpa)
	}
}

func TestTreeMapLargePageRejectsMisalignedGPA(t *testing.T) {
	tree, err := NewTree(fakeAllocator(), fixedResolver(MemTypeWriteBack))
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	err = tree.MapLargePage(cpuprim.PhysAddr(cpuprim.LargePageSize+cpuprim.PageSize), 0x1000, true, true, true)
	if err == nil {
		t.Fatal("expected an error for a non-2MiB-aligned gpa")
	}
}

func TestSplitLargePagePreservesPermissionsAndIsIdempotent(t *testing.T) {
	tree, err := NewTree(fakeAllocator(), fixedResolver(MemTypeWriteBack))
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	gpa := cpuprim.PhysAddr(2 * cpuprim.LargePageSize)
	hpa := cpuprim.PhysAddr(0x7_0000_0000)
	if err := tree.MapLargePage(gpa, hpa, true, false, true); err != nil {
		t.Fatalf("MapLargePage: %v", err)
	}

	if err := tree.SplitLargePage(gpa); err != nil {
		t.Fatalf("SplitLargePage: %v", err)
	}
	entry, _, _, err := tree.Translate(gpa)
	if err != nil {
		t.Fatalf("Translate after split: %v", err)
	}
	if entry.LargePage() {
		t.Fatalf("leaf at %s still reports as a large page after split", gpa)
	}
	if !entry.Readable() || entry.Writable() || !entry.Executable() {
		t.Fatalf("split changed permissions unexpectedly: %#x", uint64(entry))
	}
	if entry.Address() != hpa {
		t.Fatalf("split changed the backing address: got %s want %s", entry.Address(), hpa)
	}

	// Splitting again must be a no-op, not an error or a second PT.
	if err := tree.SplitLargePage(gpa); err != nil {
		t.Fatalf("second SplitLargePage returned an error: %v", err)
	}

	// A neighboring 4 KiB page within the same 2 MiB region should
	// translate to the contiguous host address.
	neighbor := gpa + cpuprim.PageSize
	entry2, _, _, err := tree.Translate(neighbor)
	if err != nil {
		t.Fatalf("Translate neighbor: %v", err)
	}
	if entry2.Address() != hpa+cpuprim.PageSize {
		t.Fatalf("neighbor Address() = %s, want %s", entry2.Address(), hpa+cpuprim.PageSize)
	}
}

func TestSetLeafPermissionsRequiresSplit(t *testing.T) {
	tree, err := NewTree(fakeAllocator(), fixedResolver(MemTypeWriteBack))
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	gpa := cpuprim.PhysAddr(cpuprim.LargePageSize)
	if err := tree.MapLargePage(gpa, 0x8_0000_0000, true, true, true); err != nil {
		t.Fatalf("MapLargePage: %v", err)
	}
	if err := tree.SetLeafPermissions(gpa, true, false, true); err == nil {
		t.Fatal("expected SetLeafPermissions to reject an unsplit large-page leaf")
	}
	if err := tree.SplitLargePage(gpa); err != nil {
		t.Fatalf("SplitLargePage: %v", err)
	}
	if err := tree.SetLeafPermissions(gpa, true, false, true); err != nil {
		t.Fatalf("SetLeafPermissions after split: %v", err)
	}
	entry, _, _, err := tree.Translate(gpa)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if entry.Writable() {
		t.Fatalf("SetLeafPermissions did not clear the write bit: %#x", uint64(entry))
	}
}

func TestSetLeafMappingRepointsAddressAndPermissions(t *testing.T) {
	tree, err := NewTree(fakeAllocator(), fixedResolver(MemTypeWriteBack))
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	gpa := cpuprim.PhysAddr(3 * cpuprim.LargePageSize)
	original := cpuprim.PhysAddr(0x9_0000_0000)
	if err := tree.MapLargePage(gpa, original, true, true, true); err != nil {
		t.Fatalf("MapLargePage: %v", err)
	}
	if err := tree.SetLeafMapping(gpa, original, true, true, false); err == nil {
		t.Fatal("expected SetLeafMapping to reject an unsplit large-page leaf")
	}
	if err := tree.SplitLargePage(gpa); err != nil {
		t.Fatalf("SplitLargePage: %v", err)
	}

	execFrame := cpuprim.PhysAddr(0xA_0000_1000)
	if err := tree.SetLeafMapping(gpa, execFrame, false, false, true); err != nil {
		t.Fatalf("SetLeafMapping to exec view: %v", err)
	}
	entry, _, _, err := tree.Translate(gpa)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if entry.Address() != execFrame {
		t.Fatalf("leaf address = %s, want exec frame %s", entry.Address(), execFrame)
	}
	if !entry.Executable() || entry.Readable() || entry.Writable() {
		t.Fatalf("exec view has wrong permissions: %#x", uint64(entry))
	}

	dataFrame := cpuprim.PhysAddr(0xB_0000_2000)
	if err := tree.SetLeafMapping(gpa, dataFrame, true, true, false); err != nil {
		t.Fatalf("SetLeafMapping to data view: %v", err)
	}
	entry, _, _, err = tree.Translate(gpa)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if entry.Address() != dataFrame {
		t.Fatalf("leaf address = %s, want data frame %s", entry.Address(), dataFrame)
	}
	if entry.Executable() || !entry.Readable() || !entry.Writable() {
		t.Fatalf("data view has wrong permissions: %#x", uint64(entry))
	}
}

func TestMemTypePrecedence(t *testing.T) {
	cases := []struct {
		a, b, want MemType
	}{
		{MemTypeWriteBack, MemTypeWriteBack, MemTypeWriteBack},
		{MemTypeUncacheable, MemTypeWriteBack, MemTypeUncacheable},
		{MemTypeWriteBack, MemTypeUncacheable, MemTypeUncacheable},
		{MemTypeWriteThrough, MemTypeWriteBack, MemTypeWriteThrough},
		{MemTypeWriteBack, MemTypeWriteThrough, MemTypeWriteThrough},
	}
	for _, c := range cases {
		if got := precedence(c.a, c.b); got != c.want {
			t.Errorf("precedence(%s, %s) = %s, want %s", c.a, c.b, got, c.want)
		}
	}
}
