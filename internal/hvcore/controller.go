// Package hvcore is EPTGUARD's public surface: enabling VMX across
// every logical CPU, installing and removing hooks/watchpoints
// against a target process's EPT tree, and the sleep/wake re-arming
// multi-core coordination needs. Every lower package (cpuprim, ept,
// hook, violation, vmxstate, vmcs, exitdispatch) is assembled here
// the way the teacher's hv/kvm.hypervisor assembles virtualMachine
// and virtualCPU into one object callers construct once and drive for
// the VM's whole lifetime.
package hvcore

import (
	"fmt"
	"sync"
	"time"

	"github.com/eptguard/eptguard/internal/cpuprim"
	"github.com/eptguard/eptguard/internal/debug"
	"github.com/eptguard/eptguard/internal/ept"
	"github.com/eptguard/eptguard/internal/exitdispatch"
	"github.com/eptguard/eptguard/internal/hook"
	"github.com/eptguard/eptguard/internal/hverr"
	"github.com/eptguard/eptguard/internal/timeslice"
	"github.com/eptguard/eptguard/internal/vmcs"
	"github.com/eptguard/eptguard/internal/vmxstate"
)

var (
	timesliceEnable       = timeslice.RegisterKind("hvcore.enable", timeslice.SliceFlagInitTime)
	timesliceInstall      = timeslice.RegisterKind("hvcore.install_hook", 0)
	timesliceExitDispatch = timeslice.RegisterKind("hvcore.exit_dispatch", timeslice.SliceFlagGuestTime)
)

var log = debug.WithSource("hvcore")

// Controller is the top-level handle callers construct once, Enable
// once, and use for every subsequent hook/watchpoint operation until
// Disable.
type Controller struct {
	mu       sync.Mutex
	cpus     []*vmxstate.CPUState
	vmcss    []*vmcsRuntime
	registry *hook.Registry
	mtrrs    *ept.MTRRResolver

	trees map[uint64]*ept.Tree // keyed by ProcessTag

	enabled  bool
	sleeping bool

	recorder *timeslice.Recorder
}

// vmcsRuntime bundles one CPU's VMCS with the run-loop plumbing
// Dispatch needs; kept separate from vmxstate.CPUState because
// CPUState is the VMX-root-entry half of a CPU's state while this is
// the per-guest (here: per-process) half.
type vmcsRuntime struct {
	cpu        int
	vmcs       *vmcs.VMCS
	running    bool
	shutdownCh chan struct{}
}

// New returns an unconfigured Controller. Callers must call Enable
// before any hook/watchpoint operation.
func New() *Controller {
	return &Controller{
		registry: hook.NewRegistry(),
		trees:    make(map[uint64]*ept.Tree),
		recorder: timeslice.NewRecorder(),
	}
}

// Probe reports whether every logical CPU on this host supports VT-x
// with EPT, without enabling anything — the operation spec calls out
// separately from Enable so a caller can decide not to proceed at all
// when hardware support is mixed or absent, rather than discovering
// it mid-enable with some CPUs already switched into VMX root.
func (c *Controller) Probe() error {
	return cpuprim.ForEachCPU(func(cpu int) error {
		if _, err := vmxstate.Probe(); err != nil {
			return fmt.Errorf("cpu %d: %w", cpu, err)
		}
		return nil
	})
}

// Enable puts every logical CPU into VMX root operation and arms an
// empty EPT/hook configuration on each, via cpuprim.ForEachCPU's
// barrier dispatch: either every CPU ends up enabled, or Enable tears
// down every CPU it already enabled before returning the first error.
func (c *Controller) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return nil
	}

	start := time.Now()
	defer func() { timeslice.Record(timesliceEnable, time.Since(start)) }()

	if err := c.Probe(); err != nil {
		return fmt.Errorf("hvcore: Probe failed, refusing to Enable: %w", err)
	}

	c.mtrrs = ept.ProbeMTRRs()

	n := cpuprim.NumCPU()
	cpuStates := make([]*vmxstate.CPUState, n)
	vmcsRuntimes := make([]*vmcsRuntime, n)

	err := cpuprim.ForEachCPU(func(cpu int) error {
		state, err := vmxstate.Enable(cpu)
		if err != nil {
			return err
		}
		cpuStates[cpu] = state

		v, err := vmcs.New(state.Launch.VMXCapabilities.Basic)
		if err != nil {
			state.Disable()
			return err
		}
		if err := v.Load(); err != nil {
			v.Close()
			state.Disable()
			return err
		}
		if err := v.PopulateFromLaunchContext(state.Launch); err != nil {
			v.Close()
			state.Disable()
			return err
		}
		if err := v.SetControls(state.Launch.VMXCapabilities, 0, 0, vmcs.SecondaryEnableEPT|vmcs.SecondaryEnableVPID, 0, 0); err != nil {
			v.Close()
			state.Disable()
			return err
		}
		if err := v.SetMSRBitmap(state.MSRBitmap.PA); err != nil {
			v.Close()
			state.Disable()
			return err
		}
		if err := v.SetVPID(uint16(cpu + 1)); err != nil {
			v.Close()
			state.Disable()
			return err
		}
		vmcsRuntimes[cpu] = &vmcsRuntime{cpu: cpu, vmcs: v, shutdownCh: make(chan struct{})}

		log.Writef("cpu %d: VMX enabled, VMCS constructed", cpu)
		return nil
	})
	if err != nil {
		for i, state := range cpuStates {
			if vmcsRuntimes[i] != nil {
				vmcsRuntimes[i].vmcs.Close()
			}
			if state != nil {
				state.Disable()
			}
		}
		return fmt.Errorf("hvcore: Enable: %w", err)
	}

	c.cpus = cpuStates
	c.vmcss = vmcsRuntimes
	c.enabled = true
	return nil
}

// Disable removes every hook and watchpoint, tears down every
// process's EPT tree, executes VMXOFF on every CPU, and releases
// every resource Enable allocated.
func (c *Controller) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return nil
	}

	c.registry.DisableAllHooks()
	for tag, tree := range c.trees {
		tree.Close()
		delete(c.trees, tag)
	}

	err := cpuprim.ForEachCPU(func(cpu int) error {
		if c.vmcss[cpu] != nil {
			if vErr := c.vmcss[cpu].vmcs.Close(); vErr != nil {
				return vErr
			}
		}
		if c.cpus[cpu] != nil {
			return c.cpus[cpu].Disable()
		}
		return nil
	})

	c.enabled = false
	c.cpus = nil
	c.vmcss = nil
	return err
}

// IsEnabled reports whether Enable has succeeded and Disable has not
// since been called.
func (c *Controller) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// treeFor returns (creating if necessary) the EPT tree for
// processTag.
func (c *Controller) treeFor(processTag uint64) (*ept.Tree, error) {
	if tree, ok := c.trees[processTag]; ok {
		return tree, nil
	}
	tree, err := ept.NewTree(cpuprim.AllocatePage, c.mtrrs)
	if err != nil {
		return nil, fmt.Errorf("hvcore: create EPT tree for process %d: %w", processTag, err)
	}
	c.trees[processTag] = tree
	return tree, nil
}

// InstallHook installs an execute/data split hook at guestPA in
// processTag's address space: the guest's instruction fetches from
// guestPA see execPA's contents; every other access sees dataPA's
// (ordinarily guestPA's own original, unmodified backing page).
func (c *Controller) InstallHook(processTag uint64, guestPA, execPA, dataPA cpuprim.PhysAddr) (hook.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return hook.ID{}, hverr.ErrInvalidRequest
	}

	start := time.Now()
	defer func() { timeslice.Record(timesliceInstall, time.Since(start)) }()

	tree, err := c.treeFor(processTag)
	if err != nil {
		return hook.ID{}, err
	}
	if err := tree.SplitLargePage(guestPA.LargePage()); err != nil {
		return hook.ID{}, fmt.Errorf("hvcore: split before hook install: %w", err)
	}
	if err := tree.SetLeafMapping(guestPA, dataPA, true, true, false); err != nil {
		return hook.ID{}, fmt.Errorf("hvcore: seed data view: %w", err)
	}

	h := &hook.Hook{GuestPA: guestPA, ExecPA: execPA, DataPA: dataPA, ProcessTag: processTag}
	if err := c.registry.Install(h); err != nil {
		return hook.ID{}, err
	}
	log.Writef("installed hook %+v on process %d at %s (memory type %s)", h.ID, processTag, guestPA, c.mtrrs.DescribeMemoryType(execPA))
	return h.ID, nil
}

// InstallWatchpoint installs a read/write trap at guestPA: the leaf is
// narrowed to X-only so any read or write faults, recording matching
// accesses instead of redirecting execution. A trapped access is
// allowed to retire via a one-instruction MTF single-step
// (exitdispatch's armWatchpointSingleStep/handleMonitorTrapFlag) and
// the leaf is re-narrowed to X-only immediately after.
func (c *Controller) InstallWatchpoint(processTag uint64, guestPA cpuprim.PhysAddr, trapReads, trapWrites bool) (hook.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return hook.ID{}, hverr.ErrInvalidRequest
	}

	tree, err := c.treeFor(processTag)
	if err != nil {
		return hook.ID{}, err
	}
	if err := tree.SplitLargePage(guestPA.LargePage()); err != nil {
		return hook.ID{}, fmt.Errorf("hvcore: split before watchpoint install: %w", err)
	}
	if err := tree.SetLeafPermissions(guestPA, false, false, true); err != nil {
		return hook.ID{}, fmt.Errorf("hvcore: arm X-only watchpoint view: %w", err)
	}

	w := &hook.Watchpoint{GuestPA: guestPA, ProcessTag: processTag, TrapReads: trapReads, TrapWrites: trapWrites}
	if err := c.registry.InstallWatchpoint(w); err != nil {
		return hook.ID{}, err
	}
	log.Writef("installed watchpoint %+v on process %d at %s", w.ID, processTag, guestPA)
	return w.ID, nil
}

// Remove uninstalls the hook or watchpoint identified by id, restoring
// its guest-physical page's original mapping and full permissions. A
// hook's leaf is repointed back at DataPA (the original, unhooked
// frame); a watchpoint never moved its leaf's address, so only its
// permissions need restoring.
func (c *Controller) Remove(id hook.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id.Kind == hook.KindExecuteHook {
		for _, h := range c.registry.All() {
			if h.ID == id {
				if tree, ok := c.trees[h.ProcessTag]; ok {
					tree.SetLeafMapping(h.GuestPA, h.DataPA, true, true, true)
				}
				break
			}
		}
	} else {
		for _, tree := range c.trees {
			if err := tree.SetLeafPermissions(id.BasePA, true, true, true); err == nil {
				break
			}
		}
	}
	return c.registry.Remove(id)
}

// DisableAllHooks removes every hook and watchpoint across every
// process, restoring each affected page's original mapping and full
// permissions.
func (c *Controller) DisableAllHooks() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hooks, watchpoints := c.registry.DisableAllHooks()
	for _, h := range hooks {
		if tree, ok := c.trees[h.ProcessTag]; ok {
			tree.SetLeafMapping(h.GuestPA, h.DataPA, true, true, true)
		}
	}
	for _, w := range watchpoints {
		if tree, ok := c.trees[w.ProcessTag]; ok {
			tree.SetLeafPermissions(w.GuestPA, true, true, true)
		}
	}
	return nil
}

// CleanupProcess removes every hook/watchpoint belonging to
// processTag and releases its EPT tree, for when the target process
// has exited.
func (c *Controller) CleanupProcess(processTag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registry.CleanupProcess(processTag)
	if tree, ok := c.trees[processTag]; ok {
		err := tree.Close()
		delete(c.trees, processTag)
		return err
	}
	return nil
}

// GetAccessRecords returns every access a watchpoint has observed
// since install.
func (c *Controller) GetAccessRecords(id hook.ID) ([]hook.AccessRecord, error) {
	for _, w := range c.registry.AllWatchpoints() {
		if w.ID == id {
			return w.AccessRecords(), nil
		}
	}
	return nil, hverr.ErrUnknownHook
}

// TranslationHint is one 4 KiB page's {page_contents, paddr, vaddr}
// triple, as GenerateTranslationHints returns them.
type TranslationHint struct {
	VAddr    cpuprim.VirtAddr
	PAddr    cpuprim.PhysAddr
	Contents []byte
}

// GenerateTranslationHints walks the caller's own address space from
// srcVAddr across length bytes, one page at a time, translating each
// page to its physical address and copying its contents. A caller
// that wants to install a hook over this range hands the resulting
// hints straight to InstallHook/InstallWatchpoint instead of
// re-probing the same address space a second time.
func (c *Controller) GenerateTranslationHints(srcVAddr cpuprim.VirtAddr, length uint64) ([]TranslationHint, error) {
	if length == 0 {
		return nil, nil
	}
	start := uint64(srcVAddr) &^ (cpuprim.PageSize - 1)
	end := cpuprim.AlignUp(uint64(srcVAddr)+length, cpuprim.PageSize)

	hints := make([]TranslationHint, 0, (end-start)/cpuprim.PageSize)
	for va := start; va < end; va += cpuprim.PageSize {
		pa, err := cpuprim.VirtToPhys(cpuprim.VirtAddr(va))
		if err != nil {
			return nil, fmt.Errorf("hvcore: translate %s: %w", cpuprim.VirtAddr(va), err)
		}
		contents := make([]byte, cpuprim.PageSize)
		if err := cpuprim.ReadPhysical(pa, contents); err != nil {
			return nil, fmt.Errorf("hvcore: read %s: %w", pa, err)
		}
		hints = append(hints, TranslationHint{VAddr: cpuprim.VirtAddr(va), PAddr: pa, Contents: contents})
	}
	return hints, nil
}
