package autoscale

import "time"

// Clock is the time source of a controller.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
