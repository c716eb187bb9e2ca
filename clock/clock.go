// A thin wrapper over the system clock which can be swapped out in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	CurrentTimeMs() uint64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

// ManualClock only moves when told to.
type ManualClock struct {
	lock *sync.Mutex
	now  time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{lock: &sync.Mutex{}, now: start}
}

func (mc *ManualClock) CurrentTimeMs() uint64 {
	return uint64(mc.Now().UnixMilli())
}

func (mc *ManualClock) Now() time.Time {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return mc.now
}

func (mc *ManualClock) Advance(d time.Duration) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.now = mc.now.Add(d)
}
