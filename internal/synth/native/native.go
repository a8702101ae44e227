// Package native loads vendor speech libraries at runtime without cgo.
package native

import (
	"bytes"
	"unsafe"
)

// Library is an open shared object.
type Library struct {
	Path   string
	handle uintptr
}

// CopyBytes copies n bytes from C memory into a Go slice.
func CopyBytes(ptr uintptr, n int) []byte {
	if ptr == 0 || n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
	return out
}

// CString returns buf up to its first NUL.
func CString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}
