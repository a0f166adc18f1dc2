//go:build !unix

package platform

const PageSize = 4096

func mapMemory(size int) ([]byte, error) {
	words := make([]uint64, (size+7)/8)
	return unsafeBytes(words, size), nil
}

func unmapMemory([]byte) error {
	return nil
}
