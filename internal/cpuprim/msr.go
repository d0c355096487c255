package cpuprim

// MSR indices used by the VMX lifecycle, the exit dispatcher's
// syscall emulation, and CPUID leaf construction. Named the way
// Intel's SDM and every VT-x hypervisor source tree names them; the
// teacher has no amd64 MSR table of this shape to ground on directly
// (kvm_msrs_amd64.go enumerates *supported* MSRs by index at runtime
// rather than naming them), so these are grounded on the SDM volume
// 3C instead.
const (
	MsrIA32FeatureControl = 0x3A

	MsrIA32VmxBasic             = 0x480
	MsrIA32VmxPinbasedCtls      = 0x481
	MsrIA32VmxProcbasedCtls     = 0x482
	MsrIA32VmxExitCtls          = 0x483
	MsrIA32VmxEntryCtls         = 0x484
	MsrIA32VmxMisc              = 0x485
	MsrIA32VmxCr0Fixed0         = 0x486
	MsrIA32VmxCr0Fixed1         = 0x487
	MsrIA32VmxCr4Fixed0         = 0x488
	MsrIA32VmxCr4Fixed1         = 0x489
	MsrIA32VmxVmcsEnum          = 0x48A
	MsrIA32VmxProcbasedCtls2    = 0x48B
	MsrIA32VmxEptVpidCap        = 0x48C
	MsrIA32VmxTruePinbasedCtls  = 0x48D
	MsrIA32VmxTrueProcbasedCtls = 0x48E
	MsrIA32VmxTrueExitCtls      = 0x48F
	MsrIA32VmxTrueEntryCtls     = 0x490

	MsrIA32Efer = 0xC0000080

	MsrIA32FSBase = 0xC0000100
	MsrIA32GSBase = 0xC0000101

	MsrIA32SysenterCS  = 0x174
	MsrIA32SysenterESP = 0x175
	MsrIA32SysenterEIP = 0x176

	// STAR/LSTAR/CSTAR/FMASK drive the exit dispatcher's optional
	// SYSCALL/SYSRET software emulation path.
	MsrIA32Star  = 0xC0000081
	MsrIA32Lstar = 0xC0000082
	MsrIA32Cstar = 0xC0000083
	MsrIA32Fmask = 0xC0000084

	MsrIA32DebugCtl = 0x1D9

	// MsrIA32MtrrCapability reports the number of variable-range
	// MTRRs and whether fixed-range MTRRs are supported.
	MsrIA32MtrrCapability = 0xFE
	MsrIA32MtrrDefType    = 0x2FF
	MsrIA32MtrrPhysBase0  = 0x200 // physBaseN = base+2n, physMaskN = base+2n+1
)

// FeatureControl bits.
const (
	FeatureControlLocked        uint64 = 1 << 0
	FeatureControlVmxInsideSMX  uint64 = 1 << 1
	FeatureControlVmxOutsideSMX uint64 = 1 << 2
)

// AdjustControlRegister applies the Intel-mandated VMX fixed-bit
// formula for CR0/CR4: Cr = (Cr | Fixed0) & Fixed1. vmxstate and vmcs
// both need it, so it lives here once.
func AdjustControlRegister(current, fixed0, fixed1 uint64) uint64 {
	return (current | fixed0) & fixed1
}

// AdjustVMXControl implements the VMX "true"/legacy capability MSR
// adjustment formula: adjust(msr, desired) = (desired | allowed0) &
// allowed1, where allowed0 is the low 32 bits and allowed1 is the
// high 32 bits of the capability MSR.
func AdjustVMXControl(capabilityMSR uint64, desired uint32) uint32 {
	allowed0 := uint32(capabilityMSR)
	allowed1 := uint32(capabilityMSR >> 32)
	return (desired | allowed0) & allowed1
}
