package pipeline

import "sync/atomic"

// reqIDCounter mints globally monotonic request ids. A single atomic
// counter is thread-safe even though, in practice, only the driver
// goroutine of any one Session ever calls nextReqID (spec 9).
var reqIDCounter int64

func nextReqID() int64 {
	return atomic.AddInt64(&reqIDCounter, 1) - 1
}
