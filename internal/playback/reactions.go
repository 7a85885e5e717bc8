package playback

import (
	"context"
	"log/slog"
	"time"

	"story-playback/internal/platform/metrics"
	"story-playback/internal/stories"
)

// Backend is the outbound side of the story API.
type Backend interface {
	ToggleLike(ctx context.Context, id stories.StoryID) (stories.LikeResult, error)
	SendViewReceipt(ctx context.Context, id stories.StoryID) error
	Delete(ctx context.Context, id stories.StoryID) error
	Upload(ctx context.Context, tempID string, draft stories.Draft) (stories.Item, error)
}

// dispatcher runs outbound calls off the loop and hands their results back
// to it.
type dispatcher struct {
	async   func(func())
	post    func(func())
	timeout time.Duration
}

func dispatch[T any](d dispatcher, work func(ctx context.Context) (T, error), done func(T, error)) {
	d.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		v, err := work(ctx)
		d.post(func() { done(v, err) })
	})
}

// Tracker applies optimistic like and view changes and reconciles them with
// the backend. Failures are logged and never affect playback.
type Tracker struct {
	repo    stories.Repository
	merger  *stories.Merger
	backend Backend
	self    stories.Liker
	calls   dispatcher
	log     *slog.Logger
	metrics *metrics.Metrics

	receipts map[stories.StoryID]bool
}

func newTracker(repo stories.Repository, merger *stories.Merger, backend Backend, self stories.Liker, calls dispatcher, log *slog.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		repo:     repo,
		merger:   merger,
		backend:  backend,
		self:     self,
		calls:    calls,
		log:      log,
		metrics:  m,
		receipts: make(map[stories.StoryID]bool),
	}
}

// ToggleLike flips the viewer's like on id immediately and sends the toggle.
// The response overwrites the local likes state.
func (t *Tracker) ToggleLike(id stories.StoryID) (stories.Item, error) {
	item, err := t.repo.UpdateItem(id, func(it *stories.Item) {
		if it.Liked {
			it.Liked = false
			it.Likes = stories.RemoveLiker(it.Likes, t.self.UserID)
			return
		}
		it.Liked = true
		it.Likes = stories.AddLiker(it.Likes, t.self)
	})
	if err != nil {
		return stories.Item{}, err
	}

	dispatch(t.calls, func(ctx context.Context) (stories.LikeResult, error) {
		return t.backend.ToggleLike(ctx, id)
	}, func(res stories.LikeResult, err error) {
		if err != nil {
			t.metrics.IncTransportFailures("like")
			t.log.Warn("like toggle failed", slog.String("story_id", string(id)), slog.String("error", err.Error()))
			return
		}
		if _, err := t.merger.SetLikes(id, res.Likes, res.Liked); err != nil && !stories.IsNotFound(err) {
			t.log.Warn("apply like result", slog.String("story_id", string(id)), slog.String("error", err.Error()))
		}
	})
	return item, nil
}

// MarkViewed records the first activation of id. The item is marked viewed
// locally and a receipt is sent once; items already viewed send nothing.
func (t *Tracker) MarkViewed(id stories.StoryID) {
	if t.receipts[id] {
		return
	}
	t.receipts[id] = true

	var skip bool
	if _, err := t.repo.UpdateItem(id, func(it *stories.Item) {
		// Optimistic uploads have no server identity to acknowledge yet.
		skip = it.Viewed || (it.TempID != "" && string(it.ID) == it.TempID)
		it.Viewed = true
	}); err != nil || skip {
		return
	}

	dispatch(t.calls, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.backend.SendViewReceipt(ctx, id)
	}, func(_ struct{}, err error) {
		if err != nil {
			t.metrics.IncTransportFailures("view")
			t.log.Warn("view receipt failed", slog.String("story_id", string(id)), slog.String("error", err.Error()))
		}
	})
}
