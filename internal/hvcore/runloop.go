package hvcore

import (
	"fmt"
	"time"

	"github.com/eptguard/eptguard/internal/exitdispatch"
	"github.com/eptguard/eptguard/internal/timeslice"
)

// Run drives one logical CPU's VM-exit loop against processTag's EPT
// tree: VMLAUNCH, then Dispatch/VMRESUME until Dispatch reports
// ActionShutdown (OnSleep/Disable/the graceful-exit CPUID cookie) or
// ActionFatal. Mirrors the teacher's per-vCPU kvm_amd64.go Run(): a
// blocking loop a caller runs on its own goroutine, one per physical
// CPU, pinned there by cpuprim.ForEachCPU's caller.
//
// regs is the guest general-purpose register frame; in a complete
// build the host entry stub (assembly, spilling/reloading every GPR
// around VMLAUNCH/VMRESUME) owns it and hands Dispatch a pointer to
// its own stack frame. Run accepts it as a parameter instead so the
// same loop is exercisable against exitdispatch's fakes without a
// real entry stub.
func (c *Controller) Run(cpu int, processTag uint64, regs *exitdispatch.GuestRegisters) error {
	c.mu.Lock()
	if !c.enabled || cpu >= len(c.vmcss) || c.vmcss[cpu] == nil {
		c.mu.Unlock()
		return fmt.Errorf("hvcore: Run: cpu %d not enabled", cpu)
	}
	vr := c.vmcss[cpu]
	tree, err := c.treeFor(processTag)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := vr.vmcs.SetEPTPointer(tree.EPTP()); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("hvcore: Run: cpu %d: set EPTP: %w", cpu, err)
	}
	registry := c.registry
	c.mu.Unlock()

	ctx := &exitdispatch.Context{
		VMCS:       vr.vmcs,
		Tree:       tree,
		Registry:   registry,
		ProcessTag: processTag,
		Regs:       regs,
		ShutdownRequested: func() bool {
			select {
			case <-vr.shutdownCh:
				return true
			default:
				return false
			}
		},
	}

	vr.running = true
	defer func() { vr.running = false }()

	launch := true
	for {
		recording := timeslice.IsOpen()
		var start time.Time
		if recording {
			start = time.Now()
		}
		var launchErr error
		if launch {
			launchErr = vr.vmcs.Launch(cpu)
			launch = false
		} else {
			launchErr = vr.vmcs.Resume(cpu)
		}
		if launchErr != nil {
			return fmt.Errorf("hvcore: cpu %d: %w", cpu, launchErr)
		}

		action, err := exitdispatch.Dispatch(ctx)
		if recording {
			timeslice.Record(timesliceExitDispatch, time.Since(start))
		}
		switch action {
		case exitdispatch.ActionResume:
			continue
		case exitdispatch.ActionShutdown:
			log.Writef("cpu %d: Run: shutdown requested, leaving VM-exit loop", cpu)
			return nil
		default:
			return fmt.Errorf("hvcore: cpu %d: fatal exit: %w", cpu, err)
		}
	}
}

// RequestShutdown signals a running Run loop on cpu to exit at its
// next VM-exit rather than VMRESUME again. OnSleep and Disable do not
// call it; a caller stops each CPU's loop with it before either of
// those tears the CPU's VMCS/VMXON region down.
func (c *Controller) RequestShutdown(cpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cpu < len(c.vmcss) && c.vmcss[cpu] != nil {
		select {
		case <-c.vmcss[cpu].shutdownCh:
		default:
			close(c.vmcss[cpu].shutdownCh)
		}
	}
}
