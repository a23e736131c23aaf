//go:build unix

package internal

import (
	"bytes"
	"fmt"

	"golang.org/x/sys/unix"
)

func sysAlloc(n uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func sysFree(b []byte) error {
	return unix.Munmap(b)
}

// Platform describes the host system.
func Platform() string {
	var uname unix.Utsname
	if unix.Uname(&uname) != nil {
		// If uname failed, we don't have anything else to try.
		return "unix"
	}
	s, r := uname.Sysname[:], uname.Release[:]
	return fmt.Sprintf("%s %s", bytes.Trim(s, "\x00"), bytes.Trim(r, "\x00"))
}
