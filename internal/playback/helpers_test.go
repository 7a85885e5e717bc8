package playback

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"story-playback/internal/stories"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// manualScheduler fires timers and ticks deterministically on the calling
// goroutine as its fake clock is advanced.
type manualScheduler struct {
	clock  *clockwork.FakeClock
	frame  time.Duration
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	at   time.Time
	seq  int
	fn   func()
	dead bool
}

func newManualScheduler(start time.Time) *manualScheduler {
	return &manualScheduler{clock: clockwork.NewFakeClockAt(start), frame: DefaultFrameInterval}
}

func (s *manualScheduler) Now() time.Time { return s.clock.Now() }

func (s *manualScheduler) RequestTick(fn func()) func() { return s.AfterFunc(s.frame, fn) }

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := &manualTimer{at: s.clock.Now().Add(d), seq: s.seq, fn: fn}
	s.seq++
	s.timers = append(s.timers, t)
	return func() { t.dead = true }
}

// Advance moves time forward by d, running every timer that falls due in
// time order.
func (s *manualScheduler) Advance(d time.Duration) {
	end := s.clock.Now().Add(d)
	for {
		next := s.nextDue(end)
		if next == nil {
			break
		}
		if now := s.clock.Now(); next.at.After(now) {
			s.clock.Advance(next.at.Sub(now))
		}
		next.dead = true
		next.fn()
	}
	if now := s.clock.Now(); end.After(now) {
		s.clock.Advance(end.Sub(now))
	}
}

func (s *manualScheduler) nextDue(end time.Time) *manualTimer {
	live := s.timers[:0]
	var best *manualTimer
	for _, t := range s.timers {
		if t.dead {
			continue
		}
		live = append(live, t)
		if t.at.After(end) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	s.timers = live
	return best
}

func (s *manualScheduler) pending() int {
	n := 0
	for _, t := range s.timers {
		if !t.dead {
			n++
		}
	}
	return n
}

type loadCall struct {
	ID       stories.StoryID
	Priority Priority
}

type fakeMedia struct {
	loads    []loadCall
	played   []stories.StoryID
	paused   []stories.StoryID
	released []stories.StoryID
}

func (m *fakeMedia) Load(item stories.Item, p Priority) {
	m.loads = append(m.loads, loadCall{ID: item.ID, Priority: p})
}
func (m *fakeMedia) Play(id stories.StoryID)    { m.played = append(m.played, id) }
func (m *fakeMedia) Pause(id stories.StoryID)   { m.paused = append(m.paused, id) }
func (m *fakeMedia) Release(id stories.StoryID) { m.released = append(m.released, id) }

func (m *fakeMedia) loaded(id stories.StoryID, p Priority) bool {
	for _, c := range m.loads {
		if c.ID == id && c.Priority == p {
			return true
		}
	}
	return false
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) ToggleLike(ctx context.Context, id stories.StoryID) (stories.LikeResult, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(stories.LikeResult), args.Error(1)
}

func (m *mockBackend) SendViewReceipt(ctx context.Context, id stories.StoryID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockBackend) Delete(ctx context.Context, id stories.StoryID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockBackend) Upload(ctx context.Context, tempID string, draft stories.Draft) (stories.Item, error) {
	args := m.Called(ctx, tempID, draft)
	return args.Get(0).(stories.Item), args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func image(id string) stories.Item {
	return stories.Item{
		ID:        stories.StoryID(id),
		Kind:      stories.KindImage,
		MediaRef:  "https://cdn.test/" + id + ".jpg",
		CreatedAt: t0.Add(-time.Hour),
		ExpiresAt: t0.Add(23 * time.Hour),
		Privacy:   stories.PrivacyPublic,
	}
}

func video(id string) stories.Item {
	it := image(id)
	it.Kind = stories.KindVideo
	it.MediaRef = "https://cdn.test/" + id + ".mp4"
	return it
}

func viewed(it stories.Item) stories.Item {
	it.Viewed = true
	return it
}

func expired(it stories.Item) stories.Item {
	it.ExpiresAt = t0.Add(-time.Minute)
	return it
}

func group(user string, items ...stories.Item) stories.Group {
	return stories.Group{
		Owner: stories.Owner{UserID: stories.UserID(user), Username: user},
		Items: items,
	}
}

type harness struct {
	sched   *manualScheduler
	repo    *stories.InMemoryRepository
	media   *fakeMedia
	backend *mockBackend
	engine  *Engine
	signals []Signal
	// queued holds outbound calls when deferred is set.
	queued   []func()
	deferred bool
}

func newHarness(t *testing.T, self string, groups ...stories.Group) *harness {
	t.Helper()

	h := &harness{
		sched:   newManualScheduler(t0),
		repo:    stories.NewInMemoryRepository(),
		media:   &fakeMedia{},
		backend: &mockBackend{},
	}
	h.repo.ReplaceFeed(groups)
	h.backend.On("SendViewReceipt", mock.Anything, mock.Anything).Return(nil).Maybe()

	h.engine = NewEngine(Options{
		Scheduler:  h.sched,
		Repository: h.repo,
		Media:      h.media,
		Backend:    h.backend,
		Self:       stories.Owner{UserID: stories.UserID(self), Username: self},
		Observer:   func(s Signal) { h.signals = append(h.signals, s) },
		Logger:     discardLogger(),
		Async: func(fn func()) {
			if h.deferred {
				h.queued = append(h.queued, fn)
				return
			}
			fn()
		},
	})
	return h
}

// flush runs queued outbound calls.
func (h *harness) flush() {
	q := h.queued
	h.queued = nil
	for _, fn := range q {
		fn()
	}
}

func (h *harness) open(t *testing.T, user string) {
	t.Helper()
	require.NoError(t, h.engine.Open(stories.UserID(user)))
}

// ready reports the active item's media as loaded.
func (h *harness) ready(d time.Duration) {
	if item, ok := h.engine.Current(); ok {
		h.engine.HandleMedia(MediaReady{StoryID: mediaKey(item), Duration: d})
	}
}

func (h *harness) openPlaying(t *testing.T, user string) {
	t.Helper()
	h.open(t, user)
	h.ready(0)
	require.Equal(t, StatePlaying, h.engine.State())
}

func (h *harness) count(typ SignalType) int {
	n := 0
	for _, s := range h.signals {
		if s.Type == typ {
			n++
		}
	}
	return n
}

func (h *harness) last(typ SignalType) (Signal, bool) {
	for i := len(h.signals) - 1; i >= 0; i-- {
		if h.signals[i].Type == typ {
			return h.signals[i], true
		}
	}
	return Signal{}, false
}
