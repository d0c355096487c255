package vmcs

import (
	"runtime"
	"testing"
)

func TestSetVPIDRejectsZero(t *testing.T) {
	v := &VMCS{}
	if err := v.SetVPID(0); err == nil {
		t.Fatal("expected SetVPID(0) to be rejected; 0 is reserved for the host")
	}
}

func checkVMXAvailable(t *testing.T) {
	t.Helper()
	if runtime.GOARCH != "amd64" {
		t.Skipf("VMCS access requires amd64, running on %s", runtime.GOARCH)
	}
	t.Skip("VMCS field access requires an active VMXON/VMPTRLD context on real hardware; exercised by the integration suite under explicit operator opt-in, not unit tests")
}

func TestNewClearsFreshVMCS(t *testing.T) {
	checkVMXAvailable(t)
}

func TestExitReasonDecodesEntryFailureBit(t *testing.T) {
	checkVMXAvailable(t)
}
