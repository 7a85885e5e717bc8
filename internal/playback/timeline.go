package playback

import "time"

// Timeline converts elapsed active time, or media position, into progress.
//
// Image items (and placeholders) use wall-clock timing over a fixed duration.
// Video items are driven only by media position reports, so a stalled video
// never advances on frame ticks. Either way progress only grows, and the
// timeline reports completion once.
type Timeline struct {
	fixed   time.Duration
	epsilon float64

	mediaClock bool
	duration   time.Duration

	running   bool
	startedAt time.Time
	active    time.Duration

	progress float64
	done     bool
}

func newTimeline(fixed time.Duration, epsilon float64) *Timeline {
	return &Timeline{fixed: fixed, epsilon: epsilon}
}

// Reset prepares the timeline for a new item. mediaClock selects video timing.
func (t *Timeline) Reset(mediaClock bool) {
	*t = Timeline{fixed: t.fixed, epsilon: t.epsilon, mediaClock: mediaClock}
}

// SetDuration records the media duration reported at readiness.
func (t *Timeline) SetDuration(d time.Duration) {
	if d > 0 {
		t.duration = d
	}
}

// UsesMediaClock reports whether progress follows media position.
func (t *Timeline) UsesMediaClock() bool { return t.mediaClock }

// SetRunning starts or freezes the timeline. Freezing folds the active
// interval into the accumulated total so a resume continues from the same
// progress.
func (t *Timeline) SetRunning(now time.Time, run bool) {
	if t.done || run == t.running {
		return
	}
	if run {
		t.startedAt = now
	} else {
		t.active += now.Sub(t.startedAt)
	}
	t.running = run
}

// Running reports whether the timeline is advancing.
func (t *Timeline) Running() bool { return t.running }

// Elapsed returns the active time spent on the item.
func (t *Timeline) Elapsed(now time.Time) time.Duration {
	if t.running {
		return t.active + now.Sub(t.startedAt)
	}
	return t.active
}

// Progress returns the current progress percent.
func (t *Timeline) Progress() float64 { return t.progress }

// Done reports whether completion has been signalled.
func (t *Timeline) Done() bool { return t.done }

// Tick advances wall-clock timing. It returns the progress and whether the
// item completed on this call.
func (t *Timeline) Tick(now time.Time) (float64, bool) {
	if t.mediaClock || !t.running {
		return t.progress, false
	}
	return t.advance(percent(t.Elapsed(now), t.fixed))
}

// MediaTime applies a media position report. Reports arriving while frozen are
// ignored.
func (t *Timeline) MediaTime(position, duration time.Duration) (float64, bool) {
	if !t.mediaClock || !t.running {
		return t.progress, false
	}
	if duration <= 0 {
		duration = t.duration
	}
	if duration <= 0 {
		return t.progress, false
	}
	return t.advance(percent(position, duration))
}

// MediaEnded completes a media-timed item.
func (t *Timeline) MediaEnded() (float64, bool) {
	if !t.mediaClock {
		return t.progress, false
	}
	return t.advance(100)
}

func (t *Timeline) advance(p float64) (float64, bool) {
	if t.done {
		return t.progress, false
	}
	if p > t.progress {
		t.progress = min(p, 100)
	}
	if t.progress >= 100-t.epsilon {
		t.progress = 100
		t.done = true
		t.running = false
		return t.progress, true
	}
	return t.progress, false
}

func percent(part, whole time.Duration) float64 {
	if whole <= 0 {
		return 100
	}
	return float64(part) / float64(whole) * 100
}
