package trainer

import "time"

type Timer interface {
	Stop() bool
}

// Clock schedules the delayed opponent reply and completion signal.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func RealClock() Clock { return realClock{} }
