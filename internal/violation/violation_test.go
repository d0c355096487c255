package violation

import (
	"testing"

	"github.com/eptguard/eptguard/internal/cpuprim"
	"github.com/eptguard/eptguard/internal/ept"
	"github.com/eptguard/eptguard/internal/hook"
)

type fixedResolver ept.MemType

func (f fixedResolver) Resolve(cpuprim.PhysAddr) ept.MemType { return ept.MemType(f) }

func fakeAllocator() ept.Allocator {
	next := cpuprim.PhysAddr(0x5000_0000)
	return func() (*cpuprim.Page, error) {
		p := cpuprim.NewPageForTesting(next)
		next += cpuprim.PageSize
		return p, nil
	}
}

func newSplitTree(t *testing.T, gpa, execPA, dataPA cpuprim.PhysAddr) *ept.Tree {
	t.Helper()
	tree, err := ept.NewTree(fakeAllocator(), fixedResolver(ept.MemTypeWriteBack))
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	largeBase := gpa.LargePage()
	if err := tree.MapLargePage(largeBase, dataPA.LargePage(), true, true, true); err != nil {
		t.Fatalf("MapLargePage: %v", err)
	}
	if err := tree.SplitLargePage(largeBase); err != nil {
		t.Fatalf("SplitLargePage: %v", err)
	}
	return tree
}

func TestHandleExecuteFaultSwapsToExecuteView(t *testing.T) {
	gpa := cpuprim.PhysAddr(3 * cpuprim.LargePageSize)
	tree := newSplitTree(t, gpa, 0, 0)

	registry := hook.NewRegistry()
	h := &hook.Hook{GuestPA: gpa, ProcessTag: 1}
	if err := registry.Install(h); err != nil {
		t.Fatalf("Install: %v", err)
	}

	dec, err := Handle(tree, registry, 1, Access{GuestPA: gpa, Execute: true})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if dec.Outcome != OutcomeResume || dec.Hook != h {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	if h.HitCount() != 1 {
		t.Fatalf("HitCount() = %d, want 1", h.HitCount())
	}
	entry, _, _, err := tree.Translate(gpa)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if !entry.Executable() || entry.Readable() || entry.Writable() {
		t.Fatalf("expected execute-only view, got %#x", uint64(entry))
	}
}

func TestHandleDataFaultSwapsToDataView(t *testing.T) {
	gpa := cpuprim.PhysAddr(5 * cpuprim.LargePageSize)
	tree := newSplitTree(t, gpa, 0, 0)

	registry := hook.NewRegistry()
	h := &hook.Hook{GuestPA: gpa, ProcessTag: 2}
	if err := registry.Install(h); err != nil {
		t.Fatalf("Install: %v", err)
	}

	dec, err := Handle(tree, registry, 2, Access{GuestPA: gpa, Write: true})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if dec.Outcome != OutcomeResume {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	entry, _, _, err := tree.Translate(gpa)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if entry.Executable() || !entry.Readable() || !entry.Writable() {
		t.Fatalf("expected read/write data view, got %#x", uint64(entry))
	}
}

func TestHandleWatchpointRecordsMatchingAccessOnly(t *testing.T) {
	gpa := cpuprim.PhysAddr(7 * cpuprim.LargePageSize)
	registry := hook.NewRegistry()
	w := &hook.Watchpoint{GuestPA: gpa, ProcessTag: 3, TrapWrites: true}
	if err := registry.InstallWatchpoint(w); err != nil {
		t.Fatalf("InstallWatchpoint: %v", err)
	}

	// A read should not match a write-only watchpoint.
	dec, err := Handle(nil, registry, 3, Access{GuestPA: gpa, Read: true, GuestRIP: 0x1000})
	if err != nil {
		t.Fatalf("Handle(read): %v", err)
	}
	if dec.Outcome != OutcomeUnhandled {
		t.Fatalf("read against a write-only watchpoint should be unhandled, got %+v", dec)
	}

	dec, err = Handle(nil, registry, 3, Access{GuestPA: gpa, Write: true, GuestRIP: 0x2000})
	if err != nil {
		t.Fatalf("Handle(write): %v", err)
	}
	if dec.Outcome != OutcomeResume || dec.Watchpoint != w {
		t.Fatalf("write against a write-trapping watchpoint should resume, got %+v", dec)
	}
	records := w.AccessRecords()
	if len(records) != 1 || records[0].GuestRIP != 0x2000 {
		t.Fatalf("unexpected access records: %+v", records)
	}
}

func TestHandleUnrecognizedPageIsUnhandled(t *testing.T) {
	registry := hook.NewRegistry()
	dec, err := Handle(nil, registry, 1, Access{GuestPA: 0x9999_000, Read: true})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if dec.Outcome != OutcomeUnhandled {
		t.Fatalf("expected OutcomeUnhandled, got %+v", dec)
	}
}
