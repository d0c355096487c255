// Package violation implements the EPT-violation decision table: for
// every VM-exit EXIT_REASON_EPT_VIOLATION, decide whether the access
// is the expected effect of an installed hook or watchpoint (in which
// case EPT is toggled and the guest resumes transparently) or
// something the hook/watchpoint bookkeeping never anticipated (in
// which case the exit dispatcher must treat it as the fatal,
// unhandled case).
//
// Grounded on the teacher's chipset.HandlePIO/HandleMMIO dispatch
// pattern (internal/chipset/chipset.go): look the faulting address up
// in a registry, branch on what's found, fall through to an explicit
// "nothing recognized this" case rather than ever guessing.
package violation

import (
	"fmt"

	"github.com/eptguard/eptguard/internal/cpuprim"
	"github.com/eptguard/eptguard/internal/ept"
	"github.com/eptguard/eptguard/internal/hook"
)

// Access describes the exit qualification bits of one EPT-violation
// VM-exit: which permission was being exercised when the guest
// faulted.
type Access struct {
	GuestPA cpuprim.PhysAddr
	Read    bool
	Write   bool
	Execute bool
	GuestRIP uint64
}

// Outcome is the decision table's verdict: what the exit dispatcher
// should do next.
type Outcome int

const (
	// OutcomeResume means the EPT leaf has been rewritten in place
	// (swapped between a hook's exec/data view, or left alone for a
	// watchpoint after recording the access) and VMRESUME is safe.
	OutcomeResume Outcome = iota
	// OutcomeUnhandled means no hook or watchpoint explains this
	// fault; the exit dispatcher must treat it as the spec's
	// unhandled-EPT-violation fatal case.
	OutcomeUnhandled
)

// Decision is the result of Handle: what happened and, for a hook
// fault, which hook served it (Handle has already counted an execute
// fault on it via RecordHit); for a watchpoint fault, which watchpoint
// recorded it.
type Decision struct {
	Outcome    Outcome
	Hook       *hook.Hook
	Watchpoint *hook.Watchpoint
}

// Handle implements the decision table. tree is the faulting process's
// EPT tree; registry is the global hook/watchpoint registry;
// processTag scopes the registry lookup to this process.
//
// The table, in priority order:
//  1. Execute fault on a page with an installed hook: the guest is
//     fetching an instruction from a hooked page. Repoint the leaf at
//     the hook's execute frame (ExecPA), X-only, and resume — the
//     guest now fetches the hook's code instead of the original
//     bytes.
//  2. Read/write fault on a page with an installed hook: the guest
//     just finished executing inside the hooked page and is now
//     touching it as data (or jumped away and something else reads
//     the original bytes). Repoint the leaf back at the hook's data
//     frame (DataPA, the unmodified original), RW-only, and resume —
//     this is what makes the split invisible to any reader that isn't
//     the instruction fetch itself.
//  3. A read or write fault on a page with an installed watchpoint
//     whose trapped access type matches: record the access and return
//     the watchpoint. Handle does not change the leaf; exitdispatch
//     lifts it for one instruction, arms the Monitor Trap Flag, and
//     narrows it back to execute-only on the next exit. An execute
//     fault or an untrapped access type is OutcomeUnhandled.
//  4. Nothing recognizes the page: OutcomeUnhandled.
func Handle(tree *ept.Tree, registry *hook.Registry, processTag uint64, access Access) (Decision, error) {
	if h, ok := registry.Lookup(processTag, access.GuestPA); ok {
		return handleHookFault(tree, h, access)
	}
	if w, ok := registry.LookupWatchpoint(processTag, access.GuestPA); ok {
		return handleWatchpointFault(w, access)
	}
	return Decision{Outcome: OutcomeUnhandled}, nil
}

func handleHookFault(tree *ept.Tree, h *hook.Hook, access Access) (Decision, error) {
	switch {
	case access.Execute:
		if err := tree.SetLeafMapping(h.GuestPA, h.ExecPA, false, false, true); err != nil {
			return Decision{}, fmt.Errorf("violation: swap to execute view: %w", err)
		}
		h.RecordHit()
		return Decision{Outcome: OutcomeResume, Hook: h}, nil
	case access.Read, access.Write:
		if err := tree.SetLeafMapping(h.GuestPA, h.DataPA, true, true, false); err != nil {
			return Decision{}, fmt.Errorf("violation: swap to data view: %w", err)
		}
		return Decision{Outcome: OutcomeResume, Hook: h}, nil
	default:
		return Decision{Outcome: OutcomeUnhandled}, nil
	}
}

func handleWatchpointFault(w *hook.Watchpoint, access Access) (Decision, error) {
	if access.Execute {
		return Decision{Outcome: OutcomeUnhandled}, nil
	}
	if access.Read && !w.TrapReads {
		return Decision{Outcome: OutcomeUnhandled}, nil
	}
	if access.Write && !w.TrapWrites {
		return Decision{Outcome: OutcomeUnhandled}, nil
	}
	w.Record(hook.AccessRecord{
		GuestRIP: access.GuestRIP,
		FaultGPA: access.GuestPA,
		Write:    access.Write,
		Execute:  access.Execute,
	})
	return Decision{Outcome: OutcomeResume, Watchpoint: w}, nil
}
