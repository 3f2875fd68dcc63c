package taskctx

import (
	"runtime"
)

// goroutineID extracts the calling goroutine's id from the first line of
// its stack header ("goroutine N [running]:"). The header format is
// stable and widely relied upon by goroutine-local bookkeeping; parsing
// it avoids a runtime dependency on linkname tricks.
func goroutineID() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)

	const prefix = "goroutine "
	if n <= len(prefix) {
		return 0
	}

	var id uint64
	for _, c := range buf[len(prefix):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
