//go:build unix

package alloc

import (
	"os"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

// mapMemory obtains an anonymous private mapping of at least size bytes.
func mapMemory(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, alignUp(size, pageSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// unmapMemory releases a mapping obtained from mapMemory. Pinned heap
// buffers are never passed here.
func unmapMemory(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Munmap(buf)
}
