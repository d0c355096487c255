package cpuprim

import "unsafe"

// ptrOf returns the address of a byte slice's backing array. Isolated
// in its own file so every unsafe.Pointer conversion in this package
// funnels through one place.
func ptrOf(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
