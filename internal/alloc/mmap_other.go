//go:build !unix

package alloc

import (
	"fmt"
)

var pageSize = 4096

// mapMemory always fails on platforms without anonymous mappings; the
// arena falls back to pinned heap buffers.
func mapMemory(size int) ([]byte, error) {
	return nil, fmt.Errorf("memory mapping unsupported on this platform")
}

func unmapMemory(buf []byte) {}
