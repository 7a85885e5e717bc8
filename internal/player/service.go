// Package player hosts the playback engine behind a control API.
package player

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"story-playback/internal/playback"
	"story-playback/internal/stories"
)

// maxSignals bounds the recent signal log.
const maxSignals = 64

// FeedSource fetches the viewer's story feed.
type FeedSource interface {
	FetchFeed(ctx context.Context) ([]stories.Group, error)
}

// Previews holds locally captured media so optimistic uploads render at once.
type Previews interface {
	Seed(ref string, data []byte)
}

// View is a snapshot of the viewer for the rendering shell.
type View struct {
	State    playback.State  `json:"state"`
	Modal    playback.Modal  `json:"modal"`
	Cursor   playback.Cursor `json:"cursor"`
	Segments []float64       `json:"segments"`
	Item     *stories.Item   `json:"item,omitempty"`
}

// Service runs every engine call on the loop. A closed session is replaced
// by a fresh engine on the next Open; the repository outlives sessions.
type Service struct {
	loop     *playback.Loop
	opts     playback.Options
	feed     FeedSource
	previews Previews
	log      *slog.Logger

	// Owned by the loop.
	engine  *playback.Engine
	signals []playback.Signal
}

// NewService returns a Service. opts.Async and opts.Post default to a new
// goroutine and the loop. feed and previews may be nil.
func NewService(loop *playback.Loop, opts playback.Options, feed FeedSource, previews Previews) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Async == nil {
		opts.Async = func(fn func()) { go fn() }
	}
	post := opts.Post
	if post == nil {
		post = func(fn func()) { loop.Post(fn) }
	}

	s := &Service{
		loop:     loop,
		feed:     feed,
		previews: previews,
		log:      opts.Logger,
	}
	// A completion may land on an engine that Open has since replaced; the
	// live engine picks up whatever it changed in the shared repository.
	opts.Post = func(fn func()) {
		post(func() {
			fn()
			s.engine.Resync()
		})
	}
	observer := opts.Observer
	opts.Observer = func(sig playback.Signal) {
		s.record(sig)
		if observer != nil {
			observer(sig)
		}
	}
	s.opts = opts
	s.engine = playback.NewEngine(opts)
	return s
}

func (s *Service) record(sig playback.Signal) {
	s.signals = append(s.signals, sig)
	if len(s.signals) > maxSignals {
		s.signals = s.signals[len(s.signals)-maxSignals:]
	}
}

// call runs fn on the loop and returns its error.
func (s *Service) call(ctx context.Context, fn func() error) error {
	var err error
	if lerr := s.loop.Do(ctx, func() { err = fn() }); lerr != nil {
		return lerr
	}
	return err
}

// Open starts a session at userID's group, closing any running one.
func (s *Service) Open(ctx context.Context, userID stories.UserID) error {
	return s.call(ctx, func() error {
		if s.engine.State() != playback.StateIdle {
			s.engine.Close()
			s.engine = playback.NewEngine(s.opts)
		}
		return s.engine.Open(userID)
	})
}

// Close ends the running session.
func (s *Service) Close(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.engine.Close()
		return nil
	})
}

// PressStart begins a press on the viewing surface.
func (s *Service) PressStart(ctx context.Context, p playback.Point) error {
	return s.call(ctx, func() error {
		s.engine.PressStart(p)
		return nil
	})
}

// PressEnd releases the press and returns what it was classified as.
func (s *Service) PressEnd(ctx context.Context, p playback.Point) (playback.Intent, error) {
	var intent playback.Intent
	err := s.call(ctx, func() error {
		intent = s.engine.PressEnd(p)
		return nil
	})
	return intent, err
}

// OpenModal shows m over the viewer.
func (s *Service) OpenModal(ctx context.Context, m playback.Modal) error {
	return s.call(ctx, func() error {
		s.engine.OpenModal(m)
		return nil
	})
}

// CloseModal hides the overlay.
func (s *Service) CloseModal(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.engine.CloseModal()
		return nil
	})
}

// View returns the current viewer snapshot.
func (s *Service) View(ctx context.Context) (View, error) {
	var v View
	err := s.call(ctx, func() error {
		v = View{
			State:    s.engine.State(),
			Modal:    s.engine.Modal(),
			Cursor:   s.engine.Cursor(),
			Segments: s.engine.Segments(),
		}
		if item, ok := s.engine.Current(); ok {
			v.Item = &item
		}
		return nil
	})
	return v, err
}

// Signals returns the most recent engine signals, oldest first.
func (s *Service) Signals(ctx context.Context) ([]playback.Signal, error) {
	var out []playback.Signal
	err := s.call(ctx, func() error {
		out = append([]playback.Signal(nil), s.signals...)
		return nil
	})
	return out, err
}

// ToggleLike flips the viewer's like on id.
func (s *Service) ToggleLike(ctx context.Context, id stories.StoryID) (stories.Item, error) {
	var item stories.Item
	err := s.call(ctx, func() error {
		var err error
		item, err = s.engine.ToggleLike(id)
		return err
	})
	return item, err
}

// Delete removes one of the viewer's stories.
func (s *Service) Delete(ctx context.Context, id stories.StoryID) error {
	return s.call(ctx, func() error {
		return s.engine.Delete(id)
	})
}

// Upload inserts an optimistic item for draft and starts the upload.
func (s *Service) Upload(ctx context.Context, draft stories.Draft) (stories.Item, error) {
	if s.previews != nil && draft.PreviewRef == "" && len(draft.Data) > 0 {
		draft.PreviewRef = "draft:" + uuid.NewString()
		s.previews.Seed(draft.PreviewRef, draft.Data)
	}

	var item stories.Item
	err := s.call(ctx, func() error {
		item = s.engine.BeginUpload(draft)
		return nil
	})
	return item, err
}

// HandleMedia applies a media event reported by the rendering shell.
func (s *Service) HandleMedia(ctx context.Context, ev playback.MediaEvent) error {
	return s.call(ctx, func() error {
		s.engine.HandleMedia(ev)
		return nil
	})
}

// DeliverMedia queues a media event without waiting. It is the sink for the
// prefetcher.
func (s *Service) DeliverMedia(ev playback.MediaEvent) {
	s.loop.Post(func() { s.engine.HandleMedia(ev) })
}

// ApplyEvent merges a push event.
func (s *Service) ApplyEvent(ctx context.Context, ev stories.Event) error {
	return s.call(ctx, func() error {
		return s.engine.ApplyEvent(ev)
	})
}

// Refresh fetches the feed and replaces the collections with it.
func (s *Service) Refresh(ctx context.Context) error {
	if s.feed == nil {
		return nil
	}
	groups, err := s.feed.FetchFeed(ctx)
	if err != nil {
		s.opts.Metrics.IncTransportFailures("feed")
		s.log.Warn("feed refresh failed", slog.String("error", err.Error()))
		return err
	}
	err = s.call(ctx, func() error {
		s.engine.ReplaceFeed(groups)
		return nil
	})
	if err == nil {
		s.log.Info("feed loaded", slog.Int("groups", len(groups)))
	}
	return err
}
