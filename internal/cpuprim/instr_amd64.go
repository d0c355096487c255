//go:build amd64

package cpuprim

// The functions in this file have no Go-callable equivalent: CPUID,
// RDMSR/WRMSR, the control-register moves, and every VMX instruction
// are privileged or simply unencodable from Go source. The same
// reasoning that keeps host-entry/exit context capture in assembly
// applies to every instruction here, so all of them stay in
// hand-written Plan 9 assembly (asm_amd64.s).
//
// None of the example repositories in the retrieval pack ship this
// kind of code (no .s file touches a privileged instruction anywhere
// in the corpus) — this file has no teacher precedent beyond the
// Intel SDM's own mnemonic encodings and the general convention
// golang.org/x/sys/cpu uses for CPUID/XGETBV stubs (declare in Go
// with //go:noescape, implement with raw opcode bytes in .s).

// CPUID executes the CPUID instruction for the given leaf/subleaf.
//
//go:noescape
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// ReadMSR executes RDMSR. Callers are responsible for only reading
// MSRs valid on the current CPU; an invalid MSR index raises a #GP
// that this function cannot catch (it runs in VMX root at CPL 0,
// where a #GP is fatal to the host, matching the original's own
// assumption).
//
//go:noescape
func ReadMSR(msr uint32) uint64

//go:noescape
func WriteMSR(msr uint32, value uint64)

//go:noescape
func ReadCR0() uint64

//go:noescape
func WriteCR0(value uint64)

//go:noescape
func ReadCR3() uint64

//go:noescape
func WriteCR3(value uint64)

//go:noescape
func ReadCR4() uint64

//go:noescape
func WriteCR4(value uint64)

//go:noescape
func ReadDR7() uint64

// INVD invalidates the CPU's caches without writing back dirty
// lines. §4.G uses WBINVD (the write-back variant) for the INVD
// VM-exit handler; INVD itself is kept for parity with §4.A's
// required-primitives list.
//
//go:noescape
func INVD()

//go:noescape
func WBINVD()

//go:noescape
func XSETBV(index uint32, value uint64)

//go:noescape
func RDTSC() uint64

// StoreGDT/LoadGDT, StoreIDT/LoadIDT implement SGDT/LGDT and
// SIDT/LIDT — needed both to capture the host's descriptor tables
// into LaunchContext (§3) and to restore them on graceful VMXOFF
// teardown (§4.G post-dispatch).
//
//go:noescape
func StoreGDT() DescriptorTablePointer

//go:noescape
func LoadGDT(dtp DescriptorTablePointer)

//go:noescape
func StoreIDT() DescriptorTablePointer

//go:noescape
func LoadIDT(dtp DescriptorTablePointer)

// StoreTR/StoreLDTR implement STR/SLDT, returning the current
// selector (spec §3's captured TR/LDTR).
//
//go:noescape
func StoreTR() uint16

//go:noescape
func StoreLDTR() uint16

// vmxStatus is the CF/ZF-derived result convention shared by every
// VMX instruction: 0 = VMsucceed, 1 = VMfailInvalid (no current
// VMCS), 2 = VMfailValid (current VMCS has a valid error field to
// read back via VMREAD(VM_INSTRUCTION_ERROR)).
type vmxStatus uint8

const (
	vmxSucceed     vmxStatus = 0
	vmxFailInvalid vmxStatus = 1
	vmxFailValid   vmxStatus = 2
)

//go:noescape
func vmxon(physAddr uint64) vmxStatus

//go:noescape
func vmxoff() vmxStatus

//go:noescape
func vmclear(physAddr uint64) vmxStatus

//go:noescape
func vmptrld(physAddr uint64) vmxStatus

//go:noescape
func vmptrst() uint64

//go:noescape
func vmlaunch() vmxStatus

//go:noescape
func vmresume() vmxStatus

//go:noescape
func vmread(field uint64) (value uint64, status vmxStatus)

//go:noescape
func vmwrite(field, value uint64) vmxStatus

//go:noescape
func invept(typ uint64, eptp uint64) vmxStatus

//go:noescape
func invvpid(typ uint64, vpid uint64, linearAddr uint64) vmxStatus
