package playback

import (
	"math"
	"time"
)

// Point is a position on the viewing surface, in pixels. Y grows downwards.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Intent is the classified meaning of a completed press.
type Intent int

const (
	IntentNone Intent = iota
	IntentPrevious
	IntentNext
	IntentHold
	IntentDismiss
	IntentLikesPanel
)

func (i Intent) String() string {
	switch i {
	case IntentPrevious:
		return "previous"
	case IntentNext:
		return "next"
	case IntentHold:
		return "hold"
	case IntentDismiss:
		return "dismiss"
	case IntentLikesPanel:
		return "likes_panel"
	default:
		return "none"
	}
}

// Recognizer classifies press/release pairs into intents. A press arms a
// hold timer that is always cancelled on release.
type Recognizer struct {
	tapMax    time.Duration
	threshold float64
	width     float64
	zone      float64
	sched     Scheduler

	pressing   bool
	pressedAt  time.Time
	origin     Point
	holding    bool
	cancelHold func()
}

// NewRecognizer returns a recognizer using cfg's gesture thresholds.
func NewRecognizer(cfg Config, sched Scheduler) *Recognizer {
	cfg = cfg.withDefaults()
	return &Recognizer{
		tapMax:    cfg.TapMaxDuration,
		threshold: cfg.SwipeThreshold,
		width:     cfg.SurfaceWidth,
		zone:      cfg.PreviousZone,
		sched:     sched,
	}
}

// Pressing reports whether a press is in progress.
func (r *Recognizer) Pressing() bool { return r.pressing }

// Holding reports whether the current press has outlasted a tap.
func (r *Recognizer) Holding() bool { return r.holding }

// PressStart records a press at p. onHold runs once if the press is still
// down after the tap window.
func (r *Recognizer) PressStart(p Point, onHold func()) {
	r.Cancel()

	r.pressing = true
	r.pressedAt = r.sched.Now()
	r.origin = p
	r.cancelHold = r.sched.AfterFunc(r.tapMax, func() {
		r.cancelHold = nil
		if !r.pressing {
			return
		}
		r.holding = true
		if onHold != nil {
			onHold()
		}
	})
}

// PressEnd completes the press at p and classifies it. A vertical swipe wins
// over any other reading of the same press.
func (r *Recognizer) PressEnd(p Point) Intent {
	if !r.pressing {
		return IntentNone
	}
	held := r.holding || r.sched.Now().Sub(r.pressedAt) >= r.tapMax
	origin := r.origin
	r.Cancel()

	dx := math.Abs(p.X - origin.X)
	dy := p.Y - origin.Y

	if math.Abs(dy) > r.threshold && dx < r.threshold {
		if dy > 0 {
			return IntentDismiss
		}
		return IntentLikesPanel
	}
	if held {
		return IntentHold
	}
	if dx < r.threshold && math.Abs(dy) < r.threshold {
		if origin.X < r.width*r.zone {
			return IntentPrevious
		}
		return IntentNext
	}
	return IntentNone
}

// Cancel drops any press in progress and its hold timer.
func (r *Recognizer) Cancel() {
	if r.cancelHold != nil {
		r.cancelHold()
		r.cancelHold = nil
	}
	r.pressing = false
	r.holding = false
}
