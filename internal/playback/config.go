package playback

import "time"

const (
	// DefaultImageDuration is how long an image item plays.
	DefaultImageDuration = 5 * time.Second
	// DefaultLoadTimeout bounds how long an item may stay in Loading.
	DefaultLoadTimeout = 8 * time.Second
	// DefaultFrameInterval is the tick cadence, about 60 updates per second.
	DefaultFrameInterval = 16 * time.Millisecond
	// DefaultTapMaxDuration separates a tap from a hold.
	DefaultTapMaxDuration = 200 * time.Millisecond
	// DefaultSwipeThreshold is the drag distance, in pixels, of a swipe.
	DefaultSwipeThreshold = 50.0
	// DefaultSurfaceWidth is the viewing surface width in pixels.
	DefaultSurfaceWidth = 1080.0
	// DefaultPreviousZone is the leading fraction of the width that means "previous".
	DefaultPreviousZone = 1.0 / 3.0
	// DefaultCompletionEpsilon is how close to 100 percent counts as complete.
	DefaultCompletionEpsilon = 0.5
	// DefaultRequestTimeout bounds outbound like, view, delete and upload calls.
	DefaultRequestTimeout = 15 * time.Second
)

// Config holds the tunables of an Engine. Zero or negative fields fall back
// to the defaults above.
type Config struct {
	ImageDuration     time.Duration
	LoadTimeout       time.Duration
	FrameInterval     time.Duration
	TapMaxDuration    time.Duration
	SwipeThreshold    float64
	SurfaceWidth      float64
	PreviousZone      float64
	CompletionEpsilon float64
	RequestTimeout    time.Duration
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.ImageDuration <= 0 {
		c.ImageDuration = DefaultImageDuration
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.TapMaxDuration <= 0 {
		c.TapMaxDuration = DefaultTapMaxDuration
	}
	if c.SwipeThreshold <= 0 {
		c.SwipeThreshold = DefaultSwipeThreshold
	}
	if c.SurfaceWidth <= 0 {
		c.SurfaceWidth = DefaultSurfaceWidth
	}
	if c.PreviousZone <= 0 || c.PreviousZone >= 1 {
		c.PreviousZone = DefaultPreviousZone
	}
	if c.CompletionEpsilon <= 0 {
		c.CompletionEpsilon = DefaultCompletionEpsilon
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}
