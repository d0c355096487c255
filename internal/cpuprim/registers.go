package cpuprim

// GeneralRegisters is the saved general-purpose register frame. Field
// order and naming follow the teacher's kvmRegs (internal/hv/kvm/
// kvm_abi_linux_amd64.go) — the closest the pack comes to a Go struct
// overlaying the amd64 GP register file.
type GeneralRegisters struct {
	Rax, Rbx, Rcx, Rdx    uint64
	Rsi, Rdi, Rbp, Rsp    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	Rip, Rflags           uint64
}

// SegmentDescriptor mirrors one guest/host segment register's shadow
// state, field-for-field the same shape as the teacher's kvmSegment.
type SegmentDescriptor struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	Long     uint8
	Granularity uint8
	AVL      uint8
	Unusable uint8
}

// DescriptorTablePointer mirrors GDTR/IDTR, following the teacher's
// kvmDTable.
type DescriptorTablePointer struct {
	Base  uint64
	Limit uint16
}

// ControlRegisters snapshots CR0/CR3/CR4 plus EFER, the minimum set
// needed to compute the VMX-required fixed bit patterns and populate
// the VMCS control-register fields.
type ControlRegisters struct {
	Cr0  uint64
	Cr3  uint64
	Cr4  uint64
	Efer uint64
}

// LaunchContext is the captured host context backing a per-CPU VMX
// launch: host CR0/CR3/CR4/GS_BASE/DR7/TR/LDTR/GDTR/IDTR/debug-control,
// a saved general-register frame, and the 17 VMX-capability MSRs. It
// is what makes a failed VMLAUNCH recoverable and what the guest
// "returns to" on a successful one (guest RIP/RSP/RFLAGS seeded from
// this captured host context).
type LaunchContext struct {
	Regs GeneralRegisters

	CR0, CR3, CR4 uint64
	GSBase        uint64
	DR7           uint64

	TR   SegmentDescriptor
	LDTR SegmentDescriptor

	GDTR DescriptorTablePointer
	IDTR DescriptorTablePointer

	DebugControl uint64

	// VMXCapabilities holds the 17 capability MSRs read at the start
	// of §4.F (IA32_VMX_BASIC through IA32_VMX_VMFUNC).
	VMXCapabilities VMXCapabilityMSRs
}

// VMXCapabilityMSRs is the fixed set of 17 capability reporting MSRs
// read once per CPU before touching VMXON.
type VMXCapabilityMSRs struct {
	Basic                 uint64
	PinbasedCtls          uint64
	ProcbasedCtls         uint64
	ExitCtls              uint64
	EntryCtls             uint64
	Misc                  uint64
	Cr0Fixed0             uint64
	Cr0Fixed1             uint64
	Cr4Fixed0             uint64
	Cr4Fixed1             uint64
	VmcsEnum              uint64
	ProcbasedCtls2        uint64
	EptVpidCap            uint64
	TruePinbasedCtls      uint64
	TrueProcbasedCtls     uint64
	TrueExitCtls          uint64
	TrueEntryCtls         uint64
}
