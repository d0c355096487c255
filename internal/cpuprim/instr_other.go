//go:build !amd64

package cpuprim

// VT-x is an Intel/amd64-only extension; on any other architecture
// every privileged instruction in this package is simply unavailable.
// These stubs let the rest of the module (and `go vet`/analysis
// builds on non-amd64 hosts) compile; vmxstate.Probe reports
// ErrHardwareUnsupported before anything here is reached for real.

func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) { return 0, 0, 0, 0 }

func ReadMSR(msr uint32) uint64        { return 0 }
func WriteMSR(msr uint32, value uint64) {}

func ReadCR0() uint64         { return 0 }
func WriteCR0(value uint64)  {}
func ReadCR3() uint64         { return 0 }
func WriteCR3(value uint64)  {}
func ReadCR4() uint64         { return 0 }
func WriteCR4(value uint64)  {}
func ReadDR7() uint64         { return 0 }

func INVD()   {}
func WBINVD() {}

func XSETBV(index uint32, value uint64) {}

func RDTSC() uint64 { return 0 }

func StoreGDT() DescriptorTablePointer        { return DescriptorTablePointer{} }
func LoadGDT(dtp DescriptorTablePointer)      {}
func StoreIDT() DescriptorTablePointer        { return DescriptorTablePointer{} }
func LoadIDT(dtp DescriptorTablePointer)      {}

func StoreTR() uint16   { return 0 }
func StoreLDTR() uint16 { return 0 }

func vmxon(physAddr uint64) vmxStatus  { return vmxFailInvalid }
func vmxoff() vmxStatus                { return vmxFailInvalid }
func vmclear(physAddr uint64) vmxStatus { return vmxFailInvalid }
func vmptrld(physAddr uint64) vmxStatus { return vmxFailInvalid }
func vmptrst() uint64                   { return 0 }
func vmlaunch() vmxStatus               { return vmxFailInvalid }
func vmresume() vmxStatus               { return vmxFailInvalid }

func vmread(field uint64) (value uint64, status vmxStatus) { return 0, vmxFailInvalid }
func vmwrite(field, value uint64) vmxStatus                { return vmxFailInvalid }

func invept(typ uint64, eptp uint64) vmxStatus                     { return vmxFailInvalid }
func invvpid(typ uint64, vpid uint64, linearAddr uint64) vmxStatus { return vmxFailInvalid }
