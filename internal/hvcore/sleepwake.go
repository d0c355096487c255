package hvcore

import (
	"fmt"

	"github.com/eptguard/eptguard/internal/cpuprim"
	"github.com/eptguard/eptguard/internal/vmcs"
	"github.com/eptguard/eptguard/internal/vmxstate"
)

// OnSleep must be called before the host enters S3/S4: VMX root
// operation and every VMCS are defined by the SDM to not survive a
// sleep transition, so EPTGUARD executes VMXOFF on every CPU (but
// deliberately keeps the hook registry and every process's EPT tree
// in ordinary heap memory, which the OS's own S3 save/restore already
// preserves) so the firmware doesn't have to cope with a CPU stuck
// in VMX root when it tries to manage the transition itself.
func (c *Controller) OnSleep() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.sleeping {
		return nil
	}

	err := cpuprim.ForEachCPU(func(cpu int) error {
		if c.vmcss[cpu] != nil {
			if err := c.vmcss[cpu].vmcs.Close(); err != nil {
				return fmt.Errorf("cpu %d: close VMCS before sleep: %w", cpu, err)
			}
		}
		if c.cpus[cpu] != nil {
			if err := c.cpus[cpu].Disable(); err != nil {
				return fmt.Errorf("cpu %d: VMXOFF before sleep: %w", cpu, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.sleeping = true
	log.Writef("OnSleep: VMX disabled on every CPU ahead of S3/S4")
	return nil
}

// OnWake re-establishes VMX root operation and a fresh VMCS on every
// CPU, set up the same way Enable sets it up. Each process's EPT tree
// and the hook registry were never freed, so their leaves and hooks
// are left as they were; Run loads each tree's unchanged EPTP into the
// new VMCS — from the hooked process's perspective, nothing changed
// across the suspend/resume cycle.
func (c *Controller) OnWake() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || !c.sleeping {
		return nil
	}

	n := cpuprim.NumCPU()
	cpuStates := make([]*vmxstate.CPUState, n)
	vmcsRuntimes := make([]*vmcsRuntime, n)

	err := cpuprim.ForEachCPU(func(cpu int) error {
		state, err := vmxstate.Enable(cpu)
		if err != nil {
			return fmt.Errorf("cpu %d: re-enable VMX after wake: %w", cpu, err)
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
		return nil
	})
	if err != nil {
		for i := range cpuStates {
			if vmcsRuntimes[i] != nil {
				vmcsRuntimes[i].vmcs.Close()
			}
			if cpuStates[i] != nil {
				cpuStates[i].Disable()
			}
		}
		return fmt.Errorf("hvcore: OnWake: %w", err)
	}

	c.cpus = cpuStates
	c.vmcss = vmcsRuntimes
	c.sleeping = false

	// No INVEPT/INVVPID is issued here. Every tree is the same object
	// it was before sleep, so its EPTP is unchanged; the loop below
	// only logs it.
	for tag, tree := range c.trees {
		log.Writef("OnWake: process %d's EPT tree (EPTP %#x) survived sleep untouched", tag, tree.EPTP())
	}
	return nil
}

// IsSleeping reports whether OnSleep has run without a matching
// OnWake since.
func (c *Controller) IsSleeping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeping
}
