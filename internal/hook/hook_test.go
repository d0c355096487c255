package hook

import (
	"sync"
	"testing"

	"github.com/eptguard/eptguard/internal/cpuprim"
)

func TestInstallLookupRemove(t *testing.T) {
	r := NewRegistry()
	h := &Hook{GuestPA: 0x1000, ExecPA: 0x2000, DataPA: 0x1000, ProcessTag: 7}
	if err := r.Install(h); err != nil {
		t.Fatalf("Install: %v", err)
	}

	got, ok := r.Lookup(7, 0x1000)
	if !ok || got != h {
		t.Fatalf("Lookup did not find the installed hook")
	}
	if _, ok := r.Lookup(8, 0x1000); ok {
		t.Fatalf("Lookup found a hook under the wrong process tag")
	}

	if err := r.Remove(h.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := r.Lookup(7, 0x1000); ok {
		t.Fatalf("hook still visible after Remove")
	}
}

func TestInstallRejectsDuplicatePage(t *testing.T) {
	r := NewRegistry()
	h1 := &Hook{GuestPA: 0x4000, ProcessTag: 1}
	if err := r.Install(h1); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	h2 := &Hook{GuestPA: 0x4000, ProcessTag: 1}
	if err := r.Install(h2); err == nil {
		t.Fatal("expected a duplicate-page install to fail")
	}
}

func TestRemoveUnknownID(t *testing.T) {
	r := NewRegistry()
	if err := r.Remove(ID{Sequence: 999}); err == nil {
		t.Fatal("expected Remove of an unknown ID to fail")
	}
}

func TestCleanupProcessOnlyRemovesItsOwnHooks(t *testing.T) {
	r := NewRegistry()
	a := &Hook{GuestPA: 0x1000, ProcessTag: 1}
	b := &Hook{GuestPA: 0x2000, ProcessTag: 2}
	if err := r.Install(a); err != nil {
		t.Fatalf("Install a: %v", err)
	}
	if err := r.Install(b); err != nil {
		t.Fatalf("Install b: %v", err)
	}

	removed, _ := r.CleanupProcess(1)
	if len(removed) != 1 || removed[0] != a {
		t.Fatalf("CleanupProcess(1) removed %v, want [a]", removed)
	}
	if _, ok := r.Lookup(1, 0x1000); ok {
		t.Fatal("process 1's hook still installed after cleanup")
	}
	if _, ok := r.Lookup(2, 0x2000); !ok {
		t.Fatal("process 2's hook was wrongly removed")
	}
}

func TestDisableAllHooksClearsEverything(t *testing.T) {
	r := NewRegistry()
	r.Install(&Hook{GuestPA: 0x1000, ProcessTag: 1})
	r.InstallWatchpoint(&Watchpoint{GuestPA: 0x2000, ProcessTag: 1, TrapWrites: true})

	hooks, watch := r.DisableAllHooks()
	if len(hooks) != 1 || len(watch) != 1 {
		t.Fatalf("DisableAllHooks returned %d hooks, %d watchpoints; want 1, 1", len(hooks), len(watch))
	}
	if len(r.All()) != 0 || len(r.AllWatchpoints()) != 0 {
		t.Fatal("registry not empty after DisableAllHooks")
	}
}

func TestWatchpointAccessRing(t *testing.T) {
	w := &Watchpoint{GuestPA: 0x3000}
	w.records = newAccessRing(4)
	for i := 0; i < 6; i++ {
		w.Record(AccessRecord{GuestRIP: uint64(i)})
	}
	got := w.AccessRecords()
	if len(got) != 4 {
		t.Fatalf("AccessRecords() returned %d records, want 4 (ring capacity)", len(got))
	}
	// Oldest surviving record should be from iteration 2 (0 and 1 were
	// overwritten by the wrap).
	if got[0].GuestRIP != 2 {
		t.Fatalf("oldest surviving record GuestRIP = %d, want 2", got[0].GuestRIP)
	}
	if got[len(got)-1].GuestRIP != 5 {
		t.Fatalf("newest record GuestRIP = %d, want 5", got[len(got)-1].GuestRIP)
	}
}

func TestLookupIsConcurrencySafeDuringInstall(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.Lookup(1, cpuprim.PhysAddr(i*cpuprim.PageSize))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.Install(&Hook{GuestPA: cpuprim.PhysAddr(i * cpuprim.PageSize), ProcessTag: 1})
		}
	}()
	wg.Wait()
}
