package tcb

import "time"

// WallClock implements [Clock] using the real system clock; the production
// choice for [NewTable] outside of tests, where a fake clock lets scenarios
// drive USER_TIMEOUT and TIME_WAIT deterministically.
type WallClock struct{}

func (WallClock) NowUnix() int64 { return time.Now().Unix() }
