// Package gid extracts the current goroutine id.
//
// The runtime does not expose goroutine ids on purpose; the strand runtime
// needs them only as registry keys for the current-fiber and hook-enable
// lookups, never for scheduling decisions. The id is parsed from the first
// line of the stack header, which has had the stable form
// "goroutine N [state]:" since Go 1.4.
package gid

import (
	"runtime"
	"sync"
)

const headerPrefix = "goroutine "

// Get returns the id of the calling goroutine.
func Get() int64 {
	buf := stackBufPool.Get().(*[]byte)
	defer stackBufPool.Put(buf)

	n := runtime.Stack(*buf, false)
	return parse((*buf)[:n])
}

// parse extracts the decimal id following the "goroutine " prefix.
// A malformed header returns 0, which callers treat as "no registry entry".
func parse(b []byte) int64 {
	if len(b) < len(headerPrefix) {
		return 0
	}
	var id int64
	for _, c := range b[len(headerPrefix):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}

// The header fits comfortably in 64 bytes; pool the buffers because Get sits
// on the hook layer's fast path.
var stackBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}
