// Package globaltime is the process wall clock. Tests can pin or step it.
package globaltime

import (
	"sync"
	"time"
)

var (
	mu      sync.RWMutex
	nowFunc = time.Now
)

func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFunc()
}

func UTC() time.Time {
	return Now().UTC()
}

// UTCMillis is UTC truncated to milliseconds, the precision readings are
// keyed on.
func UTCMillis() time.Time {
	return UTC().Truncate(time.Millisecond)
}

func SetMockTime(t time.Time) {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = func() time.Time { return t }
}

// Advance moves a pinned clock forward by d. It pins the clock first when
// it is still following real time.
func Advance(d time.Duration) time.Time {
	mu.Lock()
	defer mu.Unlock()
	next := nowFunc().Add(d)
	nowFunc = func() time.Time { return next }
	return next
}

func ResetTime() {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = time.Now
}
