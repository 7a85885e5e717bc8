package playback

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler is the engine's only source of time. Callbacks registered through
// it always run on the engine loop, and each registration returns a cancel
// func that guarantees the callback will not run afterwards.
type Scheduler interface {
	Now() time.Time
	// RequestTick runs fn once on the next frame.
	RequestTick(fn func()) (cancel func())
	// AfterFunc runs fn once after d.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// ClockScheduler implements Scheduler on a clockwork.Clock. Timer callbacks
// fire on clock goroutines and are handed to post, which must enqueue them
// onto the engine loop.
type ClockScheduler struct {
	clock clockwork.Clock
	frame time.Duration
	post  func(func())
}

// NewClockScheduler returns a scheduler ticking every frame. If frame <= 0,
// DefaultFrameInterval is used.
func NewClockScheduler(clock clockwork.Clock, frame time.Duration, post func(func())) *ClockScheduler {
	if frame <= 0 {
		frame = DefaultFrameInterval
	}
	return &ClockScheduler{clock: clock, frame: frame, post: post}
}

// Now implements Scheduler.Now.
func (s *ClockScheduler) Now() time.Time {
	return s.clock.Now()
}

// RequestTick implements Scheduler.RequestTick.
func (s *ClockScheduler) RequestTick(fn func()) func() {
	return s.AfterFunc(s.frame, fn)
}

// AfterFunc implements Scheduler.AfterFunc.
func (s *ClockScheduler) AfterFunc(d time.Duration, fn func()) func() {
	var cancelled atomic.Bool
	timer := s.clock.AfterFunc(d, func() {
		s.post(func() {
			// The callback may already be queued when cancel runs.
			if cancelled.Load() {
				return
			}
			fn()
		})
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}
