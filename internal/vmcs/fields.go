// Package vmcs builds and manipulates one VM-control structure: the
// guest/host state and execution-control fields that together define
// everything from "what the guest's CR3 is" to "which EPT tree
// governs its memory accesses." Field encodings are named and grouped
// the way the SDM's VMCS appendix groups them; there is no teacher
// table of this shape to ground on (hv/kvm never touches a VMCS, KVM
// owns it entirely in-kernel), so the naming follows the SDM directly,
// the same way cpuprim's MSR table does.
package vmcs

// Field is one VMCS component's 32-bit encoding (SDM Vol 3C,
// Appendix B).
type Field uint64

// 16-bit control fields.
const (
	FieldVirtualProcessorID Field = 0x0000
)

// 16-bit guest-state fields.
const (
	FieldGuestESSelector   Field = 0x0800
	FieldGuestCSSelector   Field = 0x0802
	FieldGuestSSSelector   Field = 0x0804
	FieldGuestDSSelector   Field = 0x0806
	FieldGuestFSSelector   Field = 0x0808
	FieldGuestGSSelector   Field = 0x080A
	FieldGuestLDTRSelector Field = 0x080C
	FieldGuestTRSelector   Field = 0x080E
)

// 16-bit host-state fields.
const (
	FieldHostESSelector Field = 0x0C00
	FieldHostCSSelector Field = 0x0C02
	FieldHostSSSelector Field = 0x0C04
	FieldHostDSSelector Field = 0x0C06
	FieldHostFSSelector Field = 0x0C08
	FieldHostGSSelector Field = 0x0C0A
	FieldHostTRSelector Field = 0x0C0C
)

// 64-bit control fields.
const (
	FieldIOBitmapA        Field = 0x2000
	FieldIOBitmapB        Field = 0x2002
	FieldMSRBitmap        Field = 0x2004
	FieldEPTPointer       Field = 0x201A
	FieldVMFuncControls   Field = 0x2018
)

// 32-bit control fields.
const (
	FieldPinBasedVMExecControl     Field = 0x4000
	FieldCPUBasedVMExecControl     Field = 0x4002
	FieldExceptionBitmap           Field = 0x4004
	FieldPageFaultErrorCodeMask    Field = 0x4006
	FieldPageFaultErrorCodeMatch   Field = 0x4008
	FieldCR3TargetCount            Field = 0x400A
	FieldVMExitControls            Field = 0x400C
	FieldVMExitMSRStoreCount       Field = 0x400E
	FieldVMExitMSRLoadCount        Field = 0x4010
	FieldVMEntryControls           Field = 0x4012
	FieldVMEntryMSRLoadCount       Field = 0x4014
	FieldVMEntryIntrInfo           Field = 0x4016
	FieldVMEntryExceptionErrorCode Field = 0x4018
	FieldVMEntryInstructionLen     Field = 0x401A
	FieldSecondaryVMExecControl    Field = 0x401E
)

// Read-only 32-bit VM-exit information fields.
const (
	FieldVMInstructionError   Field = 0x4400
	FieldExitReason           Field = 0x4402
	FieldVMExitIntrInfo       Field = 0x4404
	FieldVMExitIntrErrorCode  Field = 0x4406
	FieldVMExitInstructionLen Field = 0x440C
	FieldExitQualification    Field = 0x6400
	FieldGuestLinearAddress   Field = 0x640A
	FieldGuestPhysicalAddress Field = 0x2400
)

// Natural-width guest-state fields.
const (
	FieldGuestCR0        Field = 0x6800
	FieldGuestCR3        Field = 0x6802
	FieldGuestCR4        Field = 0x6804
	FieldGuestESBase     Field = 0x6806
	FieldGuestCSBase     Field = 0x6808
	FieldGuestSSBase     Field = 0x680A
	FieldGuestDSBase     Field = 0x680C
	FieldGuestFSBase     Field = 0x680E
	FieldGuestGSBase     Field = 0x6810
	FieldGuestLDTRBase   Field = 0x6812
	FieldGuestTRBase     Field = 0x6814
	FieldGuestGDTRBase   Field = 0x6816
	FieldGuestIDTRBase   Field = 0x6818
	FieldGuestDR7        Field = 0x681A
	FieldGuestRSP        Field = 0x681C
	FieldGuestRIP        Field = 0x681E
	FieldGuestRFLAGS     Field = 0x6820
	FieldGuestSysenterESP Field = 0x6824
	FieldGuestSysenterEIP Field = 0x6826
)

// Natural-width host-state fields.
const (
	FieldHostCR0      Field = 0x6C00
	FieldHostCR3      Field = 0x6C02
	FieldHostCR4      Field = 0x6C04
	FieldHostFSBase   Field = 0x6C06
	FieldHostGSBase   Field = 0x6C08
	FieldHostTRBase   Field = 0x6C0A
	FieldHostGDTRBase Field = 0x6C0C
	FieldHostIDTRBase Field = 0x6C0E
	FieldHostRSP      Field = 0x6C14
	FieldHostRIP      Field = 0x6C16
)

// Pin-based and processor-based execution control bits EPTGUARD
// needs by name.
const (
	CPUBasedActivateSecondaryControls uint32 = 1 << 31
	CPUBasedUseMSRBitmaps             uint32 = 1 << 28
	CPUBasedMonitorTrapFlag           uint32 = 1 << 27

	SecondaryEnableEPT  uint32 = 1 << 1
	SecondaryEnableVPID uint32 = 1 << 5

	VMExitHostAddressSpaceSize  uint32 = 1 << 9
	VMEntryIA32eModeGuest       uint32 = 1 << 9

	ExitReasonExceptionOrNMI       uint32 = 0
	ExitReasonCPUID                uint32 = 10
	ExitReasonINVD                 uint32 = 13
	ExitReasonVMCALL                uint32 = 18
	ExitReasonVMCLEAR               uint32 = 19
	ExitReasonVMLAUNCH              uint32 = 20
	ExitReasonVMPTRLD               uint32 = 21
	ExitReasonVMPTRST               uint32 = 22
	ExitReasonVMREAD                uint32 = 23
	ExitReasonVMRESUME              uint32 = 24
	ExitReasonVMWRITE               uint32 = 25
	ExitReasonVMXOFF                uint32 = 26
	ExitReasonVMXON                 uint32 = 27
	ExitReasonXSETBV                uint32 = 55
	ExitReasonMonitorTrapFlag       uint32 = 37
	ExitReasonEPTViolation          uint32 = 48
	ExitReasonEPTMisconfig          uint32 = 49
	ExitReasonINVEPT                uint32 = 50
	ExitReasonINVVPID               uint32 = 53
)
