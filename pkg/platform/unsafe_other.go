//go:build !unix

package platform

import "unsafe"

func unsafeBytes(words []uint64, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}
