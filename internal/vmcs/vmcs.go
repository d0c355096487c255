package vmcs

import (
	"fmt"

	"github.com/eptguard/eptguard/internal/cpuprim"
	"github.com/eptguard/eptguard/internal/hverr"
)

// VMCS owns one virtual-machine control structure's backing page and
// the handful of fields EPTGUARD needs to remember between
// construction and use (its own EPTP and VPID, mainly, since those
// aren't readable back out of a loaded-elsewhere VMCS without an
// extra VMPTRLD round trip).
type VMCS struct {
	region *cpuprim.Page
	eptp   uint64
	vpid   uint16
	loaded bool
}

// New allocates a fresh VMCS region, stamps its revision identifier,
// and executes VMCLEAR on it so the CPU starts from the documented
// "clear" state before the first VMWRITE.
func New(basicMSR uint64) (*VMCS, error) {
	region, err := cpuprim.AllocatePage()
	if err != nil {
		return nil, fmt.Errorf("vmcs: allocate region: %w", err)
	}
	revision := uint32(basicMSR & 0x7FFF_FFFF)
	buf := region.Bytes()
	buf[0] = byte(revision)
	buf[1] = byte(revision >> 8)
	buf[2] = byte(revision >> 16)
	buf[3] = byte(revision >> 24)

	if err := cpuprim.VMClear(region.PA); err != nil {
		region.Free()
		return nil, fmt.Errorf("vmcs: initial VMCLEAR: %w", err)
	}
	return &VMCS{region: region}, nil
}

// Load executes VMPTRLD, making this VMCS current on the calling CPU.
// Every subsequent Write/Read call operates on whichever VMCS was
// most recently Loaded — callers must not interleave Write calls on
// two different *VMCS without an intervening Load.
func (v *VMCS) Load() error {
	if err := cpuprim.VMPtrLoad(v.region.PA); err != nil {
		return fmt.Errorf("vmcs: VMPTRLD: %w", err)
	}
	v.loaded = true
	return nil
}

// Clear executes VMCLEAR, flushing any CPU-cached copy of this VMCS
// back to its backing page. Required before the region can safely be
// freed or before a different logical CPU loads it.
func (v *VMCS) Clear() error {
	if err := cpuprim.VMClear(v.region.PA); err != nil {
		return fmt.Errorf("vmcs: VMCLEAR: %w", err)
	}
	v.loaded = false
	return nil
}

// Write sets one field of this VMCS. The VMCS must be the one
// currently loaded on this CPU.
func (v *VMCS) Write(field Field, value uint64) error {
	if err := cpuprim.VMWrite(uint64(field), value); err != nil {
		return fmt.Errorf("vmcs: write field 0x%x: %w", uint64(field), err)
	}
	return nil
}

// Read reads one field of this VMCS.
func (v *VMCS) Read(field Field) (uint64, error) {
	value, err := cpuprim.VMRead(uint64(field))
	if err != nil {
		return 0, fmt.Errorf("vmcs: read field 0x%x: %w", uint64(field), err)
	}
	return value, nil
}

// Close clears and releases this VMCS's backing page. Must only be
// called after Clear has succeeded (or was never needed because the
// VMCS was never loaded).
func (v *VMCS) Close() error {
	if v.loaded {
		if err := v.Clear(); err != nil {
			return err
		}
	}
	return v.region.Free()
}

// GuestState is every natural/16-bit guest-state field EPTGUARD
// populates before the first VMLAUNCH. Unlike a conventional
// hypervisor's guest, EPTGUARD's "guest" is the host OS's own
// already-running execution context — so GuestState is seeded
// directly from the captured LaunchContext rather than from any
// separately constructed VM image.
type GuestState struct {
	CR0, CR3, CR4 uint64
	RSP, RIP, RFLAGS uint64
	DR7           uint64

	CSSelector, SSSelector, DSSelector uint16
	ESSelector, FSSelector, GSSelector uint16
	LDTRSelector, TRSelector           uint16

	FSBase, GSBase, TRBase, LDTRBase uint64
	GDTRBase, IDTRBase               uint64

	SysenterESP, SysenterEIP uint64
}

// HostState mirrors GuestState for the fields the CPU restores into
// on every VM-exit: EPTGUARD's own host-entry stub's context.
type HostState struct {
	CR0, CR3, CR4 uint64
	RSP, RIP      uint64

	CSSelector, SSSelector, DSSelector uint16
	ESSelector, FSSelector, GSSelector uint16
	TRSelector                         uint16

	FSBase, GSBase, TRBase uint64
	GDTRBase, IDTRBase     uint64

	SysenterESP, SysenterEIP uint64
}

// PopulateFromLaunchContext writes GuestState and HostState to
// identical values derived from lc: on the very first VMLAUNCH, the
// guest "resumes" exactly where the host context was captured, and
// the host-state area describes where control returns on VM-exit
// (EPTGUARD's own dispatcher entry point, set separately via
// SetHostEntryPoint once the dispatcher's trampoline address is
// known).
func (v *VMCS) PopulateFromLaunchContext(lc cpuprim.LaunchContext) error {
	writes := []struct {
		field Field
		value uint64
	}{
		{FieldGuestCR0, lc.CR0},
		{FieldGuestCR3, lc.CR3},
		{FieldGuestCR4, lc.CR4},
		{FieldGuestDR7, lc.DR7},
		{FieldGuestRSP, lc.Regs.Rsp},
		{FieldGuestRIP, lc.Regs.Rip},
		{FieldGuestRFLAGS, lc.Regs.Rflags},
		{FieldGuestGSBase, lc.GSBase},
		{FieldGuestGDTRBase, lc.GDTR.Base},
		{FieldGuestIDTRBase, lc.IDTR.Base},
		{FieldGuestTRSelector, uint64(lc.TR.Selector)},
		{FieldGuestTRBase, lc.TR.Base},
		{FieldGuestLDTRSelector, uint64(lc.LDTR.Selector)},
		{FieldGuestLDTRBase, lc.LDTR.Base},

		{FieldHostCR0, lc.CR0},
		{FieldHostCR3, lc.CR3},
		{FieldHostCR4, lc.CR4},
		{FieldHostGSBase, lc.GSBase},
		{FieldHostGDTRBase, lc.GDTR.Base},
		{FieldHostIDTRBase, lc.IDTR.Base},
		{FieldHostTRSelector, uint64(lc.TR.Selector)},
		{FieldHostTRBase, lc.TR.Base},
	}
	for _, w := range writes {
		if err := v.Write(w.field, w.value); err != nil {
			return err
		}
	}
	return nil
}

// SetHostEntryPoint points the VMCS's host RIP/RSP at the dispatcher
// trampoline and the per-CPU host stack allocated by vmxstate.Enable.
// Must be called after PopulateFromLaunchContext, before VMLAUNCH.
func (v *VMCS) SetHostEntryPoint(entryRIP uint64, stackTop uint64) error {
	if err := v.Write(FieldHostRIP, entryRIP); err != nil {
		return err
	}
	return v.Write(FieldHostRSP, stackTop)
}

// SetEPTPointer writes the EPT-pointer field and enables the
// secondary EPT execution control. eptp is the value from
// ept.Tree.EPTP().
func (v *VMCS) SetEPTPointer(eptp uint64) error {
	v.eptp = eptp
	secondary, err := v.Read(FieldSecondaryVMExecControl)
	if err != nil {
		return err
	}
	secondary |= uint64(SecondaryEnableEPT)
	if err := v.Write(FieldSecondaryVMExecControl, secondary); err != nil {
		return err
	}
	return v.Write(FieldEPTPointer, eptp)
}

// SetVPID assigns this VMCS's VPID and enables VPID tagging. vpid
// must be non-zero and unique among every currently-loaded VMCS on
// this CPU; 0 is reserved to mean "host".
func (v *VMCS) SetVPID(vpid uint16) error {
	if vpid == 0 {
		return hverr.ErrInvalidRequest
	}
	v.vpid = vpid
	secondary, err := v.Read(FieldSecondaryVMExecControl)
	if err != nil {
		return err
	}
	secondary |= uint64(SecondaryEnableVPID)
	if err := v.Write(FieldSecondaryVMExecControl, secondary); err != nil {
		return err
	}
	return v.Write(uint64FieldVPID(), uint64(vpid))
}

func uint64FieldVPID() Field { return FieldVirtualProcessorID }

// SetControls applies the VMX-adjusted pin-based, primary
// processor-based, secondary processor-based, VM-exit and VM-entry
// controls in one step, using cpuprim.AdjustVMXControl against the
// "true" capability MSRs when available (IA32_VMX_BASIC bit 55), the
// legacy ones otherwise — the SDM-mandated fallback order.
func (v *VMCS) SetControls(caps cpuprim.VMXCapabilityMSRs, desiredPin, desiredProc, desiredProc2, desiredExit, desiredEntry uint32) error {
	useTrue := caps.Basic&(1<<55) != 0

	pinMSR, procMSR, exitMSR, entryMSR := caps.PinbasedCtls, caps.ProcbasedCtls, caps.ExitCtls, caps.EntryCtls
	if useTrue {
		pinMSR, procMSR, exitMSR, entryMSR = caps.TruePinbasedCtls, caps.TrueProcbasedCtls, caps.TrueExitCtls, caps.TrueEntryCtls
	}

	pin := cpuprim.AdjustVMXControl(pinMSR, desiredPin)
	proc := cpuprim.AdjustVMXControl(procMSR, desiredProc|CPUBasedActivateSecondaryControls|CPUBasedUseMSRBitmaps)
	exit := cpuprim.AdjustVMXControl(exitMSR, desiredExit|VMExitHostAddressSpaceSize)
	entry := cpuprim.AdjustVMXControl(entryMSR, desiredEntry|VMEntryIA32eModeGuest)
	proc2 := cpuprim.AdjustVMXControl(caps.ProcbasedCtls2, desiredProc2)

	fields := []struct {
		field Field
		value uint32
	}{
		{FieldPinBasedVMExecControl, pin},
		{FieldCPUBasedVMExecControl, proc},
		{FieldSecondaryVMExecControl, proc2},
		{FieldVMExitControls, exit},
		{FieldVMEntryControls, entry},
	}
	for _, f := range fields {
		if err := v.Write(f.field, uint64(f.value)); err != nil {
			return err
		}
	}
	return nil
}

// SetMSRBitmap points the VMCS at the (all-zero, meaning "no
// intercepts") MSR bitmap vmxstate.Enable allocated for this CPU.
func (v *VMCS) SetMSRBitmap(bitmapPA cpuprim.PhysAddr) error {
	return v.Write(FieldMSRBitmap, uint64(bitmapPA))
}

// Launch executes VMLAUNCH against this (already loaded, fully
// populated) VMCS.
func (v *VMCS) Launch(cpu int) error {
	return cpuprim.VMLaunch(cpu)
}

// Resume executes VMRESUME, used for every re-entry after the first
// VMLAUNCH.
func (v *VMCS) Resume(cpu int) error {
	return cpuprim.VMResume(cpu)
}

// ExitReason reads and decodes the basic exit reason (bits 0-15;
// bit 31 — the VM-entry-failure flag — is reported separately since
// the exit dispatcher handles that case before looking at the reason
// at all).
func (v *VMCS) ExitReason() (reason uint32, entryFailure bool, err error) {
	raw, err := v.Read(FieldExitReason)
	if err != nil {
		return 0, false, err
	}
	return uint32(raw) & 0xFFFF, raw&(1<<31) != 0, nil
}
