// Package vmxstate owns the per-CPU VMX lifecycle: capability probing,
// CR0/CR4 fixed-bit adjustment, and the VMXON region / MSR bitmap /
// host stack allocation that must exist before VMXON can even be
// attempted. Grounded structurally on the teacher's per-vCPU creation
// sequence in hv/kvm/kvm.go's NewVirtualMachine (allocate resources,
// then initialize them in a fixed order, tearing down everything
// allocated so far if any step fails) and kvm_amd64.go's archVMInit
// (one-time, per-backend capability/adjustment step before any vCPU
// runs).
package vmxstate

import (
	"fmt"

	"github.com/eptguard/eptguard/internal/cpuprim"
	"github.com/eptguard/eptguard/internal/hverr"
)

// CPUState is everything one logical CPU needs to enter and remain in
// VMX root operation: its VMXON region, its MSR bitmap (shared across
// every VMCS this CPU ever loads, since EPTGUARD never varies which
// MSRs are intercepted), and a dedicated host stack for the
// host-entry assembly stub to switch onto at every VM-exit.
type CPUState struct {
	CPU int

	VMXOnRegion *cpuprim.Page
	MSRBitmap   *cpuprim.Page
	HostStack   *cpuprim.Page

	Launch cpuprim.LaunchContext

	enabled bool
}

// Probe reads the IA32_FEATURE_CONTROL and VMX capability MSRs for
// the calling CPU and returns an error (wrapping
// hverr.ErrHardwareUnsupported) if VT-x is unavailable or locked out
// by firmware, without allocating or enabling anything. hvcore calls
// this on every CPU before committing to a full Enable sweep, so a
// single incapable CPU is reported before any CPU has touched VMXON.
func Probe() (cpuprim.VMXCapabilityMSRs, error) {
	_, _, ecx, _ := cpuprim.CPUID(1, 0)
	const vmxBit = 1 << 5
	if ecx&vmxBit == 0 {
		return cpuprim.VMXCapabilityMSRs{}, fmt.Errorf("%w: CPUID.1:ECX.VMX[5] is clear", hverr.ErrHardwareUnsupported)
	}

	fc := cpuprim.ReadMSR(cpuprim.MsrIA32FeatureControl)
	if fc&cpuprim.FeatureControlLocked != 0 && fc&cpuprim.FeatureControlVmxOutsideSMX == 0 {
		return cpuprim.VMXCapabilityMSRs{}, fmt.Errorf("%w: IA32_FEATURE_CONTROL locked with VMX-outside-SMX disabled", hverr.ErrHardwareUnsupported)
	}

	caps := cpuprim.VMXCapabilityMSRs{
		Basic:             cpuprim.ReadMSR(cpuprim.MsrIA32VmxBasic),
		PinbasedCtls:      cpuprim.ReadMSR(cpuprim.MsrIA32VmxPinbasedCtls),
		ProcbasedCtls:     cpuprim.ReadMSR(cpuprim.MsrIA32VmxProcbasedCtls),
		ExitCtls:          cpuprim.ReadMSR(cpuprim.MsrIA32VmxExitCtls),
		EntryCtls:         cpuprim.ReadMSR(cpuprim.MsrIA32VmxEntryCtls),
		Misc:              cpuprim.ReadMSR(cpuprim.MsrIA32VmxMisc),
		Cr0Fixed0:         cpuprim.ReadMSR(cpuprim.MsrIA32VmxCr0Fixed0),
		Cr0Fixed1:         cpuprim.ReadMSR(cpuprim.MsrIA32VmxCr0Fixed1),
		Cr4Fixed0:         cpuprim.ReadMSR(cpuprim.MsrIA32VmxCr4Fixed0),
		Cr4Fixed1:         cpuprim.ReadMSR(cpuprim.MsrIA32VmxCr4Fixed1),
		VmcsEnum:          cpuprim.ReadMSR(cpuprim.MsrIA32VmxVmcsEnum),
		ProcbasedCtls2:    cpuprim.ReadMSR(cpuprim.MsrIA32VmxProcbasedCtls2),
		EptVpidCap:        cpuprim.ReadMSR(cpuprim.MsrIA32VmxEptVpidCap),
		TruePinbasedCtls:  cpuprim.ReadMSR(cpuprim.MsrIA32VmxTruePinbasedCtls),
		TrueProcbasedCtls: cpuprim.ReadMSR(cpuprim.MsrIA32VmxTrueProcbasedCtls),
		TrueExitCtls:      cpuprim.ReadMSR(cpuprim.MsrIA32VmxTrueExitCtls),
		TrueEntryCtls:     cpuprim.ReadMSR(cpuprim.MsrIA32VmxTrueEntryCtls),
	}

	if eptCap := caps.EptVpidCap; eptCap&(1<<21) == 0 {
		return caps, fmt.Errorf("%w: EPT not reported by IA32_VMX_EPT_VPID_CAP", hverr.ErrHardwareUnsupported)
	}
	return caps, nil
}

const hostStackSize = 8 * cpuprim.PageSize

// Enable captures the host's current context, allocates this CPU's
// VMXON region/MSR bitmap/host stack, adjusts CR0/CR4 to VT-x's
// required fixed bits, and executes VMXON. Callers invoke this once
// per CPU via cpuprim.ForEachCPU, each goroutine pinned to its own
// core so CR0/CR4/VMXON all apply to the CPU they were computed for.
func Enable(cpu int) (*CPUState, error) {
	caps, err := Probe()
	if err != nil {
		return nil, err
	}

	s := &CPUState{CPU: cpu}
	s.Launch.VMXCapabilities = caps
	s.Launch.CR0 = cpuprim.ReadCR0()
	s.Launch.CR3 = cpuprim.ReadCR3()
	s.Launch.CR4 = cpuprim.ReadCR4()
	s.Launch.GSBase = cpuprim.ReadMSR(cpuprim.MsrIA32GSBase)
	s.Launch.DR7 = cpuprim.ReadDR7()
	s.Launch.GDTR = cpuprim.StoreGDT()
	s.Launch.IDTR = cpuprim.StoreIDT()
	s.Launch.DebugControl = cpuprim.ReadMSR(cpuprim.MsrIA32DebugCtl)

	region, err := cpuprim.AllocatePage()
	if err != nil {
		return nil, fmt.Errorf("vmxstate: allocate VMXON region: %w", err)
	}
	s.VMXOnRegion = region
	writeRevisionID(region, caps.Basic)

	bitmap, err := cpuprim.AllocateContiguous(2) // read bitmap + write bitmap, 4 KiB each
	if err != nil {
		region.Free()
		return nil, fmt.Errorf("vmxstate: allocate MSR bitmap: %w", err)
	}
	s.MSRBitmap = bitmap

	stack, err := cpuprim.AllocateContiguous(hostStackSize / cpuprim.PageSize)
	if err != nil {
		bitmap.Free()
		region.Free()
		return nil, fmt.Errorf("vmxstate: allocate host stack: %w", err)
	}
	s.HostStack = stack

	newCR0 := cpuprim.AdjustControlRegister(s.Launch.CR0, caps.Cr0Fixed0, caps.Cr0Fixed1)
	newCR4 := cpuprim.AdjustControlRegister(s.Launch.CR4, caps.Cr4Fixed0, caps.Cr4Fixed1)
	const cr4VmxeBit = 1 << 13
	newCR4 |= cr4VmxeBit
	cpuprim.WriteCR0(newCR0)
	cpuprim.WriteCR4(newCR4)

	if err := cpuprim.VMXOn(region.PA); err != nil {
		cpuprim.WriteCR0(s.Launch.CR0)
		cpuprim.WriteCR4(s.Launch.CR4)
		stack.Free()
		bitmap.Free()
		region.Free()
		return nil, fmt.Errorf("vmxstate: cpu %d: %w", cpu, err)
	}

	s.enabled = true
	return s, nil
}

// writeRevisionID stamps the VMCS revision identifier (IA32_VMX_BASIC
// bits 0-30) into the first 4 bytes of a VMXON or VMCS region, as the
// SDM requires before VMXON/VMCLEAR/VMPTRLD will accept it.
func writeRevisionID(p *cpuprim.Page, basicMSR uint64) {
	revision := uint32(basicMSR & 0x7FFF_FFFF)
	buf := p.Bytes()
	buf[0] = byte(revision)
	buf[1] = byte(revision >> 8)
	buf[2] = byte(revision >> 16)
	buf[3] = byte(revision >> 24)
}

// Disable executes VMXOFF and restores the CPU's pre-Enable CR0/CR4,
// then releases every resource Enable allocated. Safe to call only
// after every VMCS this CPU launched has been cleared (vmcs.Clear) —
// VMXOFF with a still-active VMCS is undefined per the SDM.
func (s *CPUState) Disable() error {
	if !s.enabled {
		return nil
	}
	if err := cpuprim.VMXOff(); err != nil {
		return fmt.Errorf("vmxstate: cpu %d: VMXOFF: %w", s.CPU, err)
	}
	cpuprim.WriteCR4(s.Launch.CR4)
	cpuprim.WriteCR0(s.Launch.CR0)
	s.enabled = false

	var firstErr error
	for _, p := range []*cpuprim.Page{s.HostStack, s.MSRBitmap, s.VMXOnRegion} {
		if p == nil {
			continue
		}
		if err := p.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsEnabled reports whether this CPU is currently in VMX root
// operation under EPTGUARD's control.
func (s *CPUState) IsEnabled() bool { return s.enabled }
