//go:build !unix

package internal

import "runtime"

// Without mmap, native memory comes from the Go heap. The heap keeps each
// block referenced from its index until it is freed, so addresses stay valid.
func sysAlloc(n uintptr) ([]byte, error) {
	return make([]byte, n), nil
}

func sysFree(b []byte) error {
	return nil
}

// Platform describes the host system.
func Platform() string {
	return runtime.GOOS
}
