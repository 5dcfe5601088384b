package clock

import "time"

// Clock abstracts time so coordinator timers can be driven by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Since reports the time elapsed on clk since t.
func Since(clk Clock, t time.Time) time.Duration {
	if clk == nil {
		return time.Since(t)
	}
	return clk.Now().Sub(t)
}
