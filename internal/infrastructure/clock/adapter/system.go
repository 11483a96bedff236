package adapter

import (
	"time"

	"watchparty/internal/infrastructure/clock/port"
)

// SystemClock implements port.Clock on top of the time package.
type SystemClock struct{}

func NewSystemClock() SystemClock { return SystemClock{} }

var _ port.Clock = SystemClock{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, fn func()) port.Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Stop() bool { return s.t.Stop() }
