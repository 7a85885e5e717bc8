package playback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"story-playback/internal/platform/metrics"
	"story-playback/internal/stories"
)

// ErrNotOwner is returned when deleting another user's story.
var ErrNotOwner = errors.New("story belongs to another user")

// optimisticLifetime is the expiry given to an upload until the server
// assigns the real one.
const optimisticLifetime = 24 * time.Hour

// SignalType identifies an engine notification.
type SignalType string

const (
	SignalItemStarted    SignalType = "item_started"
	SignalItemFault      SignalType = "item_fault"
	SignalHoldStarted    SignalType = "hold_started"
	SignalPanelRequested SignalType = "panel_requested"
	SignalClosed         SignalType = "closed"
)

// CloseReason says why a session closed.
type CloseReason string

const (
	ReasonRequested CloseReason = "requested"
	ReasonDismissed CloseReason = "dismissed"
	ReasonExhausted CloseReason = "exhausted"
)

// Modal is an overlay that pauses playback while shown.
type Modal int

const (
	ModalNone Modal = iota
	ModalLikes
	ModalDeleteConfirm
)

func (m Modal) String() string {
	switch m {
	case ModalLikes:
		return "likes"
	case ModalDeleteConfirm:
		return "delete_confirm"
	default:
		return "none"
	}
}

// MarshalText renders the modal by name.
func (m Modal) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseModal returns the modal named s.
func ParseModal(s string) (Modal, bool) {
	for _, m := range []Modal{ModalNone, ModalLikes, ModalDeleteConfirm} {
		if m.String() == s {
			return m, true
		}
	}
	return ModalNone, false
}

// Signal is an engine notification delivered to the Observer.
type Signal struct {
	Type    SignalType      `json:"type"`
	GroupID stories.UserID  `json:"group_id,omitempty"`
	StoryID stories.StoryID `json:"story_id,omitempty"`
	Reason  CloseReason     `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Options configures an Engine. Scheduler, Repository, Media and Backend are
// required.
type Options struct {
	Config     Config
	Scheduler  Scheduler
	Repository stories.Repository
	Media      Media
	Backend    Backend
	// Self is the signed-in viewer.
	Self stories.Owner
	// Observer receives signals on the loop. It must not call back into the engine.
	Observer func(Signal)
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Async runs outbound calls; Post hands their results back to the loop.
	// Both default to running inline.
	Async func(func())
	Post  func(func())
}

// Engine is one viewer session: it plays story items in order, follows
// gestures and media events, and folds live updates into the collections
// without losing its place. All methods must be called from the loop.
type Engine struct {
	cfg      Config
	sched    Scheduler
	repo     stories.Repository
	merger   *stories.Merger
	backend  Backend
	self     stories.Owner
	observer func(Signal)
	log      *slog.Logger
	metrics  *metrics.Metrics
	calls    dispatcher

	nav      *Navigator
	timeline *Timeline
	media    *MediaManager
	gestures *Recognizer
	tracker  *Tracker

	modal      Modal
	holdPaused bool
	pausedAt   time.Time
	faulted    bool
	cancelTick func()
	closed     bool
}

// NewEngine returns an idle engine.
func NewEngine(opts Options) *Engine {
	cfg := opts.Config.withDefaults()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	inline := func(fn func()) { fn() }
	calls := dispatcher{async: opts.Async, post: opts.Post, timeout: cfg.RequestTimeout}
	if calls.async == nil {
		calls.async = inline
	}
	if calls.post == nil {
		calls.post = inline
	}

	merger := stories.NewMerger(opts.Repository, opts.Self.UserID)
	self := stories.Liker{UserID: opts.Self.UserID, Username: opts.Self.Username, AvatarRef: opts.Self.AvatarRef}

	return &Engine{
		cfg:      cfg,
		sched:    opts.Scheduler,
		repo:     opts.Repository,
		merger:   merger,
		backend:  opts.Backend,
		self:     opts.Self,
		observer: opts.Observer,
		log:      log,
		metrics:  opts.Metrics,
		calls:    calls,
		nav:      NewNavigator(opts.Repository),
		timeline: newTimeline(cfg.ImageDuration, cfg.CompletionEpsilon),
		media:    NewMediaManager(opts.Media, opts.Scheduler, cfg.LoadTimeout),
		gestures: NewRecognizer(cfg, opts.Scheduler),
		tracker:  newTracker(opts.Repository, merger, opts.Backend, self, calls, log, opts.Metrics),
	}
}

// State returns the session state.
func (e *Engine) State() State { return e.nav.State() }

// Cursor returns the active position.
func (e *Engine) Cursor() Cursor { return e.nav.Cursor() }

// Modal returns the overlay currently shown.
func (e *Engine) Modal() Modal { return e.modal }

// Current returns the active item.
func (e *Engine) Current() (stories.Item, bool) { return e.nav.Current(e.sched.Now()) }

// Segments returns the per-item progress bar of the current group.
func (e *Engine) Segments() []float64 {
	c := e.nav.Cursor()
	items := e.nav.Items(e.sched.Now())
	return Segments(len(items), stories.Resolve(items, c.ItemID), c.Progress)
}

// Open starts the session at userID's group.
func (e *Engine) Open(userID stories.UserID) error {
	ok, err := e.nav.Open(userID, e.sched.Now())
	if err != nil {
		return err
	}
	e.log.Info("viewer opened", slog.String("user_id", string(userID)))
	if !ok {
		e.finish(ReasonExhausted)
		return nil
	}
	e.scheduleTick()
	e.enter()
	return nil
}

// Close ends the session on request. Closing twice is a no-op.
func (e *Engine) Close() {
	e.finish(ReasonRequested)
}

func (e *Engine) active() bool {
	switch e.nav.State() {
	case StateLoading, StatePlaying, StatePaused:
		return true
	}
	return false
}

func (e *Engine) scheduleTick() {
	e.cancelTick = e.sched.RequestTick(e.tick)
}

func (e *Engine) tick() {
	e.cancelTick = nil
	if e.closed {
		return
	}
	e.scheduleTick()
	if e.nav.State() != StatePlaying {
		return
	}
	p, done := e.timeline.Tick(e.sched.Now())
	e.nav.setProgress(p)
	if done {
		e.complete()
	}
}

// enter activates the item under the cursor.
func (e *Engine) enter() {
	item, ok := e.nav.Current(e.sched.Now())
	if !ok {
		e.finish(ReasonExhausted)
		return
	}

	e.faulted = false
	e.timeline.Reset(item.Kind == stories.KindVideo)
	e.tracker.MarkViewed(item.ID)
	e.metrics.IncItemsStarted()
	e.emit(Signal{Type: SignalItemStarted, GroupID: e.nav.Cursor().GroupID, StoryID: item.ID})

	switch e.media.Begin(item, e.loadTimedOut) {
	case LoadReady:
		e.start(item)
	case LoadErrored:
		e.fault(item, e.media.Err(item))
	}
}

// start leaves Loading once the item can be shown.
func (e *Engine) start(item stories.Item) {
	now := e.sched.Now()
	if e.media.Placeholder(item) {
		e.timeline.Reset(false)
	}
	e.timeline.SetDuration(e.media.Duration(item))
	e.nav.setBuffering(e.media.Buffering(item))

	if e.pauseWanted() {
		_ = e.nav.transition(StatePaused)
		e.pausedAt = now
	} else {
		_ = e.nav.transition(StatePlaying)
		e.playMedia(item)
	}
	e.syncRunning()

	if next, ok := e.nav.PeekNext(now); ok {
		e.media.Preload(next)
	}
}

// fault shows a load failure. The item stays on screen without a timeline
// until the viewer navigates away.
func (e *Engine) fault(item stories.Item, err error) {
	e.faulted = true
	if e.nav.State() == StateLoading {
		if e.pauseWanted() {
			_ = e.nav.transition(StatePaused)
			e.pausedAt = e.sched.Now()
		} else {
			_ = e.nav.transition(StatePlaying)
		}
	}
	e.syncRunning()

	msg := "media failed to load"
	if err != nil {
		msg = err.Error()
	}
	e.metrics.IncMediaFaults("error")
	e.log.Warn("media fault", slog.String("story_id", string(item.ID)), slog.String("error", msg))
	e.emit(Signal{Type: SignalItemFault, GroupID: e.nav.Cursor().GroupID, StoryID: item.ID, Error: msg})
}

func (e *Engine) loadTimedOut(key stories.StoryID) {
	if e.nav.State() != StateLoading {
		return
	}
	item, ok := e.nav.Current(e.sched.Now())
	if !ok || mediaKey(item) != key || !e.media.Expire(key) {
		return
	}
	e.metrics.IncMediaFaults("timeout")
	e.log.Warn("media load timed out, showing placeholder", slog.String("story_id", string(item.ID)))
	e.start(item)
}

// HandleMedia applies a media layer event. Events for items other than the
// active one only update their load state.
func (e *Engine) HandleMedia(ev MediaEvent) {
	if !e.active() {
		return
	}
	e.media.Handle(ev)

	item, ok := e.nav.Current(e.sched.Now())
	if !ok || mediaKey(item) != ev.Story() {
		return
	}

	switch ev := ev.(type) {
	case MediaReady:
		if e.nav.State() == StateLoading {
			e.start(item)
		}
	case MediaErrored:
		if !e.faulted && !e.media.Placeholder(item) {
			e.fault(item, ev.Err)
		}
	case MediaBuffering:
		e.nav.setBuffering(ev.Stalled)
		e.syncRunning()
	case MediaProgress:
		if e.nav.State() != StatePlaying {
			return
		}
		p, done := e.timeline.MediaTime(ev.Position, ev.Duration)
		e.nav.setProgress(p)
		if done {
			e.complete()
		}
	case MediaEnded:
		if e.nav.State() != StatePlaying {
			return
		}
		p, done := e.timeline.MediaEnded()
		e.nav.setProgress(p)
		if done {
			e.complete()
		}
	}
}

// complete advances after the active item finished.
func (e *Engine) complete() {
	e.metrics.IncNaturalAdvances()
	e.step(e.nav.Next)
}

// step runs one navigation move and activates the result.
func (e *Engine) step(move func(time.Time) (bool, error)) {
	if !e.active() {
		return
	}
	now := e.sched.Now()
	prev, hadPrev := e.nav.Current(now)

	moved, err := move(now)
	if err != nil {
		e.log.Error("navigation failed", slog.String("error", err.Error()))
		return
	}
	if hadPrev && moved {
		e.pauseMedia(prev)
	}
	if e.nav.State() == StateClosed {
		e.finish(ReasonExhausted)
		return
	}
	if moved {
		e.enter()
	}
}

// Next skips to the next item, or the next group.
func (e *Engine) Next() { e.step(e.nav.Next) }

// Previous goes back one item within the group. At the first item it does nothing.
func (e *Engine) Previous() { e.step(e.nav.Previous) }

// PressStart begins a press at p. Playback pauses at once and resumes on
// release unless the press turns into navigation or dismissal.
func (e *Engine) PressStart(p Point) {
	if !e.active() || e.modal != ModalNone {
		return
	}
	e.holdPaused = true
	e.syncPause()
	e.gestures.PressStart(p, func() {
		c := e.nav.Cursor()
		e.emit(Signal{Type: SignalHoldStarted, GroupID: c.GroupID, StoryID: c.ItemID})
	})
}

// PressEnd completes the press at p and acts on its intent.
func (e *Engine) PressEnd(p Point) Intent {
	if !e.gestures.Pressing() {
		return IntentNone
	}
	intent := e.gestures.PressEnd(p)
	e.holdPaused = false

	switch intent {
	case IntentDismiss:
		e.finish(ReasonDismissed)
	case IntentLikesPanel:
		if e.ownsCurrent() {
			e.OpenModal(ModalLikes)
			c := e.nav.Cursor()
			e.emit(Signal{Type: SignalPanelRequested, GroupID: c.GroupID, StoryID: c.ItemID})
		} else {
			e.syncPause()
		}
	case IntentNext:
		e.syncPause()
		e.Next()
	case IntentPrevious:
		e.syncPause()
		e.Previous()
	default:
		e.syncPause()
	}
	return intent
}

func (e *Engine) ownsCurrent() bool {
	return e.nav.Cursor().GroupID == e.self.UserID
}

// OpenModal shows an overlay and pauses playback while it is up.
func (e *Engine) OpenModal(m Modal) {
	if m == ModalNone {
		e.CloseModal()
		return
	}
	if !e.active() {
		return
	}
	e.gestures.Cancel()
	e.holdPaused = false
	e.modal = m
	e.syncPause()
}

// CloseModal hides the overlay and resumes playback if nothing else holds it.
func (e *Engine) CloseModal() {
	if e.modal == ModalNone {
		return
	}
	e.modal = ModalNone
	e.syncPause()
}

func (e *Engine) pauseWanted() bool {
	return e.holdPaused || e.modal != ModalNone
}

// syncPause moves between Playing and Paused to match the pause reasons.
func (e *Engine) syncPause() {
	now := e.sched.Now()
	item, ok := e.nav.Current(now)

	switch want := e.pauseWanted(); {
	case want && e.nav.State() == StatePlaying:
		_ = e.nav.transition(StatePaused)
		e.pausedAt = now
		if ok {
			e.pauseMedia(item)
		}
	case !want && e.nav.State() == StatePaused:
		_ = e.nav.transition(StatePlaying)
		e.nav.addPaused(now.Sub(e.pausedAt))
		if ok {
			e.playMedia(item)
		}
	}
	e.syncRunning()
}

// syncRunning freezes the timeline unless the item is playing unobstructed.
func (e *Engine) syncRunning() {
	run := e.nav.State() == StatePlaying && !e.faulted && !e.nav.Cursor().Buffering
	e.timeline.SetRunning(e.sched.Now(), run)
}

func (e *Engine) mediaTimed(item stories.Item) bool {
	return item.Kind == stories.KindVideo && !e.media.Placeholder(item) && !e.faulted
}

func (e *Engine) playMedia(item stories.Item) {
	if e.mediaTimed(item) {
		e.media.Play(item)
	}
}

func (e *Engine) pauseMedia(item stories.Item) {
	if item.Kind == stories.KindVideo {
		e.media.Pause(item)
	}
}

// ApplyEvent folds a live update into the collections and keeps the cursor
// on the same item. If the active item disappeared, playback moves on as if
// it had completed.
func (e *Engine) ApplyEvent(ev stories.Event) error {
	var gone stories.Item
	if ev.Type == stories.EventStoryDeleted {
		_, gone, _ = e.repo.FindItem(ev.StoryID)
	}

	res, err := e.merger.Apply(ev)
	if err != nil {
		if stories.IsNotFound(err) {
			e.log.Debug("event for unknown story", slog.String("type", string(ev.Type)), slog.String("story_id", string(ev.StoryID)))
		} else {
			e.log.Warn("event rejected", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		}
		return err
	}
	e.metrics.IncPushEvents(string(ev.Type))

	if res.Removed {
		e.media.Forget(gone)
	}
	e.resync()
	return nil
}

// ReplaceFeed loads a freshly fetched feed, keeping the session on its item
// when it still exists.
func (e *Engine) ReplaceFeed(groups []stories.Group) {
	e.repo.ReplaceFeed(groups)
	e.resync()
}

// Resync re-resolves the cursor after the repository changed outside this
// engine, moving on when the current item is gone.
func (e *Engine) Resync() { e.resync() }

func (e *Engine) resync() {
	if !e.active() {
		return
	}
	if e.nav.Resolve(e.sched.Now()) {
		return
	}
	e.metrics.IncNaturalAdvances()
	e.step(e.nav.Skip)
}

// ToggleLike flips the viewer's like on id.
func (e *Engine) ToggleLike(id stories.StoryID) (stories.Item, error) {
	return e.tracker.ToggleLike(id)
}

// Delete removes one of the viewer's own stories. Once the backend confirms,
// the deletion is applied as if the push channel had announced it.
func (e *Engine) Delete(id stories.StoryID) error {
	owner, _, ok := e.repo.FindItem(id)
	if !ok {
		return stories.ErrStoryNotFound
	}
	if owner != e.self.UserID {
		return ErrNotOwner
	}

	dispatch(e.calls, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.Delete(ctx, id)
	}, func(_ struct{}, err error) {
		if err != nil {
			e.metrics.IncTransportFailures("delete")
			e.log.Warn("delete failed", slog.String("story_id", string(id)), slog.String("error", err.Error()))
			return
		}
		if e.modal == ModalDeleteConfirm {
			e.modal = ModalNone
			e.syncPause()
		}
		_ = e.ApplyEvent(stories.Event{Type: stories.EventStoryDeleted, UserID: owner, StoryID: id})
	})
	return nil
}

// BeginUpload inserts an optimistic item for draft and uploads it. The
// returned item carries the temporary id; the finalized item replaces it in
// place when the upload completes, and it is removed if the upload fails.
func (e *Engine) BeginUpload(draft stories.Draft) stories.Item {
	now := e.sched.Now()
	tempID := "tmp-" + uuid.NewString()
	item := stories.Item{
		ID:        stories.StoryID(tempID),
		TempID:    tempID,
		MediaRef:  draft.PreviewRef,
		Kind:      draft.Kind,
		CreatedAt: now,
		ExpiresAt: now.Add(optimisticLifetime),
		Viewed:    true,
		Privacy:   draft.Privacy,
		IsHDR:     draft.IsHDR,
	}
	e.repo.UpsertItem(e.self, item)
	e.resync()

	dispatch(e.calls, func(ctx context.Context) (stories.Item, error) {
		return e.backend.Upload(ctx, tempID, draft)
	}, func(final stories.Item, err error) {
		if err != nil {
			e.metrics.IncTransportFailures("upload")
			e.log.Warn("upload failed", slog.String("temp_id", tempID), slog.String("error", err.Error()))
			if _, ok := e.repo.RemoveItem(item.ID); ok {
				e.media.Forget(item)
			}
			e.resync()
			return
		}
		final.TempID = tempID
		final.Viewed = true
		e.repo.UpsertItem(e.self, final)
		e.resync()
	})
	return item
}

// finish closes the session and releases everything it holds. The Closed
// signal is emitted exactly once.
func (e *Engine) finish(reason CloseReason) {
	if e.closed {
		return
	}
	e.closed = true
	e.nav.Close()

	if e.cancelTick != nil {
		e.cancelTick()
		e.cancelTick = nil
	}
	e.gestures.Cancel()
	e.media.ReleaseAll()
	e.modal = ModalNone
	e.holdPaused = false

	e.log.Info("viewer closed", slog.String("reason", string(reason)))
	e.emit(Signal{Type: SignalClosed, Reason: reason})
}

func (e *Engine) emit(s Signal) {
	if e.observer != nil {
		e.observer(s)
	}
}
