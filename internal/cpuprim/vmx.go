package cpuprim

import (
	"fmt"

	"github.com/eptguard/eptguard/internal/hverr"
)

// VMCS field encoding for VM_INSTRUCTION_ERROR, needed to decode a
// VMfailValid status. Declared here rather than imported from vmcs to
// avoid a cycle — vmcs already depends on cpuprim, not the reverse.
const vmInstructionErrorField = 0x4400

func vmxErr(cpu int, status vmxStatus) error {
	switch status {
	case vmxSucceed:
		return nil
	case vmxFailInvalid:
		return fmt.Errorf("cpu %d: VMX instruction failed: no current VMCS", cpu)
	default:
		errField, _ := vmread(vmInstructionErrorField)
		return &hverr.LaunchFailed{CPU: cpu, InstructionError: uint32(errField)}
	}
}

// VMXOn executes VMXON against the given VMXON region, identified by
// its 4 KiB-aligned physical address.
func VMXOn(region PhysAddr) error {
	if status := vmxon(uint64(region)); status != vmxSucceed {
		return fmt.Errorf("VMXON: %w", vmxErr(-1, status))
	}
	return nil
}

// VMXOff executes VMXOFF, leaving VMX operation entirely.
func VMXOff() error {
	if status := vmxoff(); status != vmxSucceed {
		return fmt.Errorf("VMXOFF: %w", vmxErr(-1, status))
	}
	return nil
}

// VMClear executes VMCLEAR on the given VMCS region, flushing any
// CPU-cached VMCS state back to memory and marking it clear.
func VMClear(vmcsRegion PhysAddr) error {
	if status := vmclear(uint64(vmcsRegion)); status != vmxSucceed {
		return fmt.Errorf("VMCLEAR: %w", vmxErr(-1, status))
	}
	return nil
}

// VMPtrLoad executes VMPTRLD, making vmcsRegion the current VMCS for
// subsequent VMREAD/VMWRITE/VMLAUNCH/VMRESUME on this CPU.
func VMPtrLoad(vmcsRegion PhysAddr) error {
	if status := vmptrld(uint64(vmcsRegion)); status != vmxSucceed {
		return fmt.Errorf("VMPTRLD: %w", vmxErr(-1, status))
	}
	return nil
}

// VMPtrStore executes VMPTRST, returning the current VMCS's physical
// address.
func VMPtrStore() PhysAddr {
	return PhysAddr(vmptrst())
}

// VMLaunch executes VMLAUNCH. On success control transfers to the
// guest and this function never returns to its caller in the normal
// sense — the next Go code to run on this stack is the host-entry
// stub after the following VM-exit. On failure it returns the decoded
// VM-instruction error.
func VMLaunch(cpu int) error {
	if status := vmlaunch(); status != vmxSucceed {
		return vmxErr(cpu, status)
	}
	return nil
}

// VMResume executes VMRESUME, the launched-VMCS counterpart of
// VMLaunch.
func VMResume(cpu int) error {
	if status := vmresume(); status != vmxSucceed {
		return vmxErr(cpu, status)
	}
	return nil
}

// VMRead reads one field of the current VMCS.
func VMRead(field uint64) (uint64, error) {
	value, status := vmread(field)
	if status != vmxSucceed {
		return 0, fmt.Errorf("VMREAD(0x%x): %w", field, vmxErr(-1, status))
	}
	return value, nil
}

// VMWrite writes one field of the current VMCS.
func VMWrite(field, value uint64) error {
	if status := vmwrite(field, value); status != vmxSucceed {
		return fmt.Errorf("VMWRITE(0x%x): %w", field, vmxErr(-1, status))
	}
	return nil
}

// InvalidationType selects the scope of an INVEPT/INVVPID
// invalidation.
type InvalidationType uint64

const (
	// InvEPTSingleContext invalidates translations associated with one
	// EPTP (one hooked process's EPT tree).
	InvEPTSingleContext InvalidationType = 1
	// InvEPTAllContexts invalidates every EPTP-tagged translation
	// cached on this CPU.
	InvEPTAllContexts InvalidationType = 2

	// InvVPIDIndividualAddress invalidates one linear address in one
	// VPID context.
	InvVPIDIndividualAddress InvalidationType = 0
	// InvVPIDSingleContext invalidates every translation tagged with
	// one VPID.
	InvVPIDSingleContext InvalidationType = 1
	// InvVPIDAllContexts invalidates every VPID-tagged translation.
	InvVPIDAllContexts InvalidationType = 2
)

// InvEPT invalidates EPT-derived TLB translations for the given EPTP
// (or globally, for InvEPTAllContexts where eptp is ignored).
func InvEPT(typ InvalidationType, eptp uint64) error {
	if status := invept(uint64(typ), eptp); status != vmxSucceed {
		return fmt.Errorf("INVEPT: %w", vmxErr(-1, status))
	}
	return nil
}

// InvVPID invalidates VPID-tagged TLB translations.
func InvVPID(typ InvalidationType, vpid uint64, linearAddr uint64) error {
	if status := invvpid(uint64(typ), vpid, linearAddr); status != vmxSucceed {
		return fmt.Errorf("INVVPID: %w", vmxErr(-1, status))
	}
	return nil
}
