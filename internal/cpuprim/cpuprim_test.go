package cpuprim

import (
	"runtime"
	"testing"
)

func TestPhysAddrPageMath(t *testing.T) {
	pa := PhysAddr(0x1234_5678_9ABC)
	if got, want := pa.Offset(), uint64(0xABC); got != want {
		t.Fatalf("Offset() = 0x%x, want 0x%x", got, want)
	}
	if got, want := pa.Page(), PhysAddr(0x1234_5678_9000); got != want {
		t.Fatalf("Page() = %s, want %s", got, want)
	}
	if got, want := pa.LargePageOffset(), uint64(0x18_9ABC); got != want {
		t.Fatalf("LargePageOffset() = 0x%x, want 0x%x", got, want)
	}
}

func TestPhysAddrLargePageAlignment(t *testing.T) {
	pa := PhysAddr(0x40_0020_0000) // 2 MiB aligned
	if got := pa.LargePage(); got != PhysAddr(0x40_0020_0000) {
		t.Fatalf("LargePage() on an aligned address changed it: got %s", got)
	}
	unaligned := pa + PageSize
	if got := unaligned.LargePage(); got != pa {
		t.Fatalf("LargePage() = %s, want %s", got, pa)
	}
	if got := unaligned.LargePageOffset(); got != PageSize {
		t.Fatalf("LargePageOffset() = 0x%x, want 0x%x", got, PageSize)
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ value, align, want uint64 }{
		{0, PageSize, 0},
		{1, PageSize, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize},
		{10, 0, 10},
	}
	for _, c := range cases {
		if got := AlignUp(c.value, c.align); got != c.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", c.value, c.align, got, c.want)
		}
	}
}

func TestAdjustControlRegister(t *testing.T) {
	// Bit 0 forced on, bit 1 forced off: fixed0=0b01, fixed1=0b01.
	got := AdjustControlRegister(0, 0b01, 0b01)
	if got != 0b01 {
		t.Fatalf("AdjustControlRegister = 0b%b, want 0b01", got)
	}
}

func TestAdjustVMXControl(t *testing.T) {
	// allowed0 (low 32) forces bit 0 on; allowed1 (high 32) forces bit
	// 3 off regardless of what's requested.
	capMSR := uint64(0x1) | (uint64(0b0111) << 32)
	got := AdjustVMXControl(capMSR, 0b1000)
	if got != 0b0001 {
		t.Fatalf("AdjustVMXControl = 0b%b, want 0b0001", got)
	}
}

func checkVMXAvailable(t *testing.T) {
	t.Helper()
	if runtime.GOARCH != "amd64" {
		t.Skipf("VMX primitives require amd64, running on %s", runtime.GOARCH)
	}
	_, _, ecx, _ := CPUID(1, 0)
	const vmxBit = 1 << 5
	if ecx&vmxBit == 0 {
		t.Skip("CPU does not report VMX support (CPUID.1:ECX.VMX[bit 5])")
	}
}

func TestCPUIDMaxBasicLeaf(t *testing.T) {
	checkVMXAvailable(t)
	eax, _, _, _ := CPUID(0, 0)
	if eax == 0 {
		t.Fatalf("CPUID leaf 0 reported a max basic leaf of 0")
	}
}

func TestVMXOnRequiresPriorEnable(t *testing.T) {
	checkVMXAvailable(t)
	t.Skip("VMXON against a throwaway region is destructive to any hypervisor already running on this host; exercised instead by vmxstate's integration tests under explicit operator opt-in")
}
