//go:build windows

package cpuprim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/eptguard/eptguard/internal/hverr"
)

// The companion kernel driver exposes a device object at this path
// with two IOCTLs: one resolves a virtual address in this process to
// its backing physical address, the other copies physical memory
// into a caller buffer. Both are thin passthroughs to
// MmGetPhysicalAddress/MmCopyMemory; nothing here executes in kernel
// mode itself, it only talks to what does.
const (
	driverDevicePath          = `\\.\EPTGuard`
	ioctlQueryPhysicalAddress = 0x222000
	ioctlReadPhysicalMemory   = 0x222004
)

var (
	driverHandleOnce sync.Once
	driverHandle     windows.Handle
	driverOpenErr    error
)

func openDriverHandle() (windows.Handle, error) {
	driverHandleOnce.Do(func() {
		pathPtr, err := windows.UTF16PtrFromString(driverDevicePath)
		if err != nil {
			driverOpenErr = err
			return
		}
		driverHandle, driverOpenErr = windows.CreateFile(pathPtr,
			windows.GENERIC_READ|windows.GENERIC_WRITE, 0, nil,
			windows.OPEN_EXISTING, 0, 0)
	})
	return driverHandle, driverOpenErr
}

func queryPhysical(va VirtAddr) (PhysAddr, error) {
	h, err := openDriverHandle()
	if err != nil {
		return 0, fmt.Errorf("%w: open driver: %v", hverr.ErrAddressTranslationFail, err)
	}
	in := make([]byte, 8)
	binary.LittleEndian.PutUint64(in, uint64(va))
	out := make([]byte, 8)
	var returned uint32
	if err := windows.DeviceIoControl(h, ioctlQueryPhysicalAddress, &in[0], uint32(len(in)), &out[0], uint32(len(out)), &returned, nil); err != nil {
		return 0, fmt.Errorf("%w: IOCTL_QUERY_PHYSICAL_ADDRESS: %v", hverr.ErrAddressTranslationFail, err)
	}
	return PhysAddr(binary.LittleEndian.Uint64(out)), nil
}

func driverReadPhysical(pa PhysAddr, out []byte) error {
	h, err := openDriverHandle()
	if err != nil {
		return fmt.Errorf("%w: open driver: %v", hverr.ErrAddressTranslationFail, err)
	}
	in := make([]byte, 16)
	binary.LittleEndian.PutUint64(in[0:8], uint64(pa))
	binary.LittleEndian.PutUint64(in[8:16], uint64(len(out)))
	var returned uint32
	if len(out) == 0 {
		return nil
	}
	if err := windows.DeviceIoControl(h, ioctlReadPhysicalMemory, &in[0], uint32(len(in)), &out[0], uint32(len(out)), &returned, nil); err != nil {
		return fmt.Errorf("%w: IOCTL_READ_PHYSICAL_MEMORY: %v", hverr.ErrAddressTranslationFail, err)
	}
	return nil
}
