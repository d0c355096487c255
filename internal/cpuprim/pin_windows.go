//go:build windows

package cpuprim

import "golang.org/x/sys/windows"

func pinToCPU(cpu int) error {
	mask := uintptr(1) << uint(cpu)
	_, err := windows.SetThreadAffinityMask(windows.CurrentThread(), mask)
	return err
}
