package playback

import (
	"time"

	"story-playback/internal/stories"
)

// Priority orders media loads.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityLow
)

func (p Priority) String() string {
	if p == PriorityLow {
		return "low"
	}
	return "high"
}

// Media is the port to the platform's media layer. Calls must not block;
// results come back as MediaEvents through Engine.HandleMedia.
type Media interface {
	// Load starts fetching or decoding item. Loading an item that is already
	// loading may raise its priority.
	Load(item stories.Item, priority Priority)
	Play(id stories.StoryID)
	Pause(id stories.StoryID)
	// Release stops the item and drops any listener bound to it.
	Release(id stories.StoryID)
}

// MediaEvent is a notification from the media layer.
type MediaEvent interface {
	Story() stories.StoryID
	mediaEvent()
}

// MediaReady reports that an item can be displayed. Duration is zero for images.
type MediaReady struct {
	StoryID  stories.StoryID
	Duration time.Duration
}

// MediaBuffering reports a stall (Stalled true) or its end.
type MediaBuffering struct {
	StoryID stories.StoryID
	Stalled bool
}

// MediaProgress reports the playback position of a video.
type MediaProgress struct {
	StoryID  stories.StoryID
	Position time.Duration
	Duration time.Duration
}

// MediaEnded reports that a video reached its end.
type MediaEnded struct {
	StoryID stories.StoryID
}

// MediaErrored reports that an item cannot be loaded.
type MediaErrored struct {
	StoryID stories.StoryID
	Err     error
}

func (e MediaReady) Story() stories.StoryID     { return e.StoryID }
func (e MediaBuffering) Story() stories.StoryID { return e.StoryID }
func (e MediaProgress) Story() stories.StoryID  { return e.StoryID }
func (e MediaEnded) Story() stories.StoryID     { return e.StoryID }
func (e MediaErrored) Story() stories.StoryID   { return e.StoryID }

func (MediaReady) mediaEvent()     {}
func (MediaBuffering) mediaEvent() {}
func (MediaProgress) mediaEvent()  {}
func (MediaEnded) mediaEvent()     {}
func (MediaErrored) mediaEvent()   {}

// LoadState is the load lifecycle of one item's media.
type LoadState int

const (
	LoadNotStarted LoadState = iota
	LoadLoading
	LoadReady
	LoadErrored
)

func (s LoadState) String() string {
	switch s {
	case LoadLoading:
		return "loading"
	case LoadReady:
		return "ready"
	case LoadErrored:
		return "errored"
	default:
		return "not_started"
	}
}

type mediaEntry struct {
	state       LoadState
	buffering   bool
	placeholder bool
	duration    time.Duration
	err         error
}

// MediaManager tracks per-item load state, drives the Media port and enforces
// the load timeout of the active item.
type MediaManager struct {
	media   Media
	sched   Scheduler
	timeout time.Duration

	entries map[stories.StoryID]*mediaEntry

	timeoutFor    stories.StoryID
	cancelTimeout func()
}

// NewMediaManager returns a manager over media.
func NewMediaManager(media Media, sched Scheduler, timeout time.Duration) *MediaManager {
	return &MediaManager{
		media:   media,
		sched:   sched,
		timeout: timeout,
		entries: make(map[stories.StoryID]*mediaEntry),
	}
}

func (m *MediaManager) entry(id stories.StoryID) *mediaEntry {
	e, ok := m.entries[id]
	if !ok {
		e = &mediaEntry{}
		m.entries[id] = e
	}
	return e
}

// mediaKey is the stable media identity of an item. Optimistic uploads keep
// their temporary id after finalization, so media loaded for the preview
// stays bound to the item.
func mediaKey(item stories.Item) stories.StoryID {
	if item.TempID != "" {
		return stories.StoryID(item.TempID)
	}
	return item.ID
}

// Begin makes item the active one. It loads it at high priority if needed and
// arms the load timeout while it is loading; onTimeout runs on expiry with the
// item's media key.
func (m *MediaManager) Begin(item stories.Item, onTimeout func(stories.StoryID)) LoadState {
	m.stopTimeout()

	key := mediaKey(item)
	e := m.entry(key)
	switch e.state {
	case LoadNotStarted, LoadLoading:
		e.state = LoadLoading
		item.ID = key
		m.media.Load(item, PriorityHigh)
		m.timeoutFor = key
		m.cancelTimeout = m.sched.AfterFunc(m.timeout, func() {
			m.cancelTimeout = nil
			m.timeoutFor = ""
			onTimeout(key)
		})
	}
	return e.state
}

// Preload starts loading item at low priority. No timeout applies.
func (m *MediaManager) Preload(item stories.Item) {
	key := mediaKey(item)
	e := m.entry(key)
	if e.state != LoadNotStarted {
		return
	}
	e.state = LoadLoading
	item.ID = key
	m.media.Load(item, PriorityLow)
}

// Handle folds ev into the item's entry.
func (m *MediaManager) Handle(ev MediaEvent) {
	id := ev.Story()
	e := m.entry(id)

	switch ev := ev.(type) {
	case MediaReady:
		if e.state == LoadReady {
			return
		}
		e.state = LoadReady
		e.duration = ev.Duration
		if m.timeoutFor == id {
			m.stopTimeout()
		}
	case MediaErrored:
		e.state = LoadErrored
		e.err = ev.Err
		if m.timeoutFor == id {
			m.stopTimeout()
		}
	case MediaBuffering:
		e.buffering = ev.Stalled
	}
}

// Expire turns a still-loading item into a ready placeholder. It reports
// whether the item changed.
func (m *MediaManager) Expire(key stories.StoryID) bool {
	e, ok := m.entries[key]
	if !ok || e.state != LoadLoading {
		return false
	}
	e.state = LoadReady
	e.placeholder = true
	return true
}

func (m *MediaManager) lookup(item stories.Item) (*mediaEntry, bool) {
	e, ok := m.entries[mediaKey(item)]
	return e, ok
}

// State returns the load state of item.
func (m *MediaManager) State(item stories.Item) LoadState {
	if e, ok := m.lookup(item); ok {
		return e.state
	}
	return LoadNotStarted
}

// Placeholder reports whether item timed out and is shown as a placeholder.
func (m *MediaManager) Placeholder(item stories.Item) bool {
	e, ok := m.lookup(item)
	return ok && e.placeholder
}

// Buffering reports whether item is stalled.
func (m *MediaManager) Buffering(item stories.Item) bool {
	e, ok := m.lookup(item)
	return ok && e.buffering
}

// Duration returns the media duration reported at readiness.
func (m *MediaManager) Duration(item stories.Item) time.Duration {
	if e, ok := m.lookup(item); ok {
		return e.duration
	}
	return 0
}

// Err returns the load error of an errored item.
func (m *MediaManager) Err(item stories.Item) error {
	if e, ok := m.lookup(item); ok {
		return e.err
	}
	return nil
}

// Play resumes media playback of item.
func (m *MediaManager) Play(item stories.Item) { m.media.Play(mediaKey(item)) }

// Pause halts media playback of item.
func (m *MediaManager) Pause(item stories.Item) { m.media.Pause(mediaKey(item)) }

// Forget releases item and drops its entry.
func (m *MediaManager) Forget(item stories.Item) {
	key := mediaKey(item)
	if m.timeoutFor == key {
		m.stopTimeout()
	}
	if _, ok := m.entries[key]; !ok {
		return
	}
	delete(m.entries, key)
	m.media.Release(key)
}

// ReleaseAll cancels the timeout and releases every tracked item.
func (m *MediaManager) ReleaseAll() {
	m.stopTimeout()
	for id := range m.entries {
		m.media.Release(id)
	}
	m.entries = make(map[stories.StoryID]*mediaEntry)
}

func (m *MediaManager) stopTimeout() {
	if m.cancelTimeout != nil {
		m.cancelTimeout()
		m.cancelTimeout = nil
	}
	m.timeoutFor = ""
}
