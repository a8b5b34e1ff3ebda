package pool

import "time"

// The observability timestamps on holders must never go backwards, even when
// the wall clock is adjusted. Go's time package carries a monotonic reading on
// every time.Now(), so anchoring on a process-start epoch and adding the
// elapsed monotonic duration yields a non-decreasing millisecond value that
// still resembles wall-clock time.
var (
	clockEpoch       = time.Now()
	clockEpochMillis = clockEpoch.UnixMilli()
)

// nowMillis returns a monotonically non-decreasing millisecond timestamp.
func nowMillis() int64 {
	return clockEpochMillis + time.Since(clockEpoch).Milliseconds()
}
