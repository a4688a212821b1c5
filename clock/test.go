package clock

import (
	"sync"
	"time"
)

// A clock which only moves when told to, for testing ttl-sensitive behavior.
type TestClock struct {
	lock sync.Mutex
	now  time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start}
}

func (tc *TestClock) Advance(d time.Duration) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.now = tc.now.Add(d)
}

func (tc *TestClock) CurrentTimeMs() uint64 {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return uint64(tc.now.UnixMilli())
}

func (tc *TestClock) CurrentTimeSec() uint64 {
	return tc.CurrentTimeMs() / 1000
}

func (tc *TestClock) Now() time.Time {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return tc.now
}
