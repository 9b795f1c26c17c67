package store

import "unsafe"

// ptrAt returns the address of buf[off], used only to hand the page lock a
// stable *uint32 view over the header words it owns. The header layout
// guarantees 4-byte alignment for every offset passed here.
func ptrAt(buf []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&buf[off])
}
