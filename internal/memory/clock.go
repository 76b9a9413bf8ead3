package memory

import "time"

// nowMs is the package clock in unix milliseconds. Tests may swap it.
var nowMs = func() int64 {
	return time.Now().UnixMilli()
}
