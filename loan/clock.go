package loan

import (
	"sync"
	"time"

	"github.com/warp/loan-ledger/calendar"
)

// Clock supplies the business date used for future-date validation and
// reversal dates.
type Clock interface {
	Today() calendar.Date
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Today() calendar.Date { return calendar.Today() }
func (SystemClock) Now() time.Time       { return time.Now().UTC() }

// FixedClock is a settable business date, for tests and batch runs.
type FixedClock struct {
	mu   sync.RWMutex
	date calendar.Date
}

func NewFixedClock(date calendar.Date) *FixedClock {
	return &FixedClock{date: date}
}

func (c *FixedClock) Today() calendar.Date {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.date
}

func (c *FixedClock) Now() time.Time { return c.Today().Time }

func (c *FixedClock) Set(date calendar.Date) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.date = date
}
