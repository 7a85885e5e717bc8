package media

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"story-playback/internal/playback"
	"story-playback/internal/stories"
)

type fixture struct {
	p      *Prefetcher
	events chan playback.MediaEvent
	hits   atomic.Int32
	srv    *httptest.Server
}

func newFixture(t *testing.T, cfg Config, h http.HandlerFunc) *fixture {
	t.Helper()
	f := &fixture{events: make(chan playback.MediaEvent, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(f.srv.Close)

	p, err := New(cfg, func(ev playback.MediaEvent) { f.events <- ev }, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	f.p = p
	t.Cleanup(p.Close)
	return f
}

func (f *fixture) next(t *testing.T) playback.MediaEvent {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no media event")
		return nil
	}
}

func serveBytes(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/missing.jpg":
		http.NotFound(w, r)
	default:
		_, _ = w.Write([]byte("media-bytes"))
	}
}

func TestLoad_FetchesAndCaches(t *testing.T) {
	f := newFixture(t, Config{}, serveBytes)
	ref := f.srv.URL + "/a.jpg"

	f.p.Load(stories.Item{ID: "s1", MediaRef: ref, Kind: stories.KindImage}, playback.PriorityHigh)
	assert.Equal(t, playback.MediaReady{StoryID: "s1"}, f.next(t))

	// Same ref on another item is served from the cache.
	f.p.Load(stories.Item{ID: "s2", MediaRef: ref, Kind: stories.KindImage}, playback.PriorityHigh)
	assert.Equal(t, playback.MediaReady{StoryID: "s2"}, f.next(t))
	assert.Equal(t, int32(1), f.hits.Load())

	data, ok := f.p.Content("s2")
	require.True(t, ok)
	assert.Equal(t, "media-bytes", string(data))

	st, ok := f.p.Status("s1")
	require.True(t, ok)
	assert.True(t, st.Cached)
	assert.Equal(t, CommandNone, st.Command)
}

func TestLoad_LowPriorityUsesWorkers(t *testing.T) {
	f := newFixture(t, Config{Workers: 1}, serveBytes)

	f.p.Load(stories.Item{ID: "s1", MediaRef: f.srv.URL + "/a.mp4", Kind: stories.KindVideo}, playback.PriorityLow)
	assert.Equal(t, playback.MediaReady{StoryID: "s1"}, f.next(t))
}

func TestLoad_Errors(t *testing.T) {
	f := newFixture(t, Config{MaxBytes: 4}, serveBytes)

	tests := []struct {
		name string
		ref  string
		want error
	}{
		{name: "no ref", ref: "", want: ErrNoMediaRef},
		{name: "unsupported scheme", ref: "ftp://host/a.jpg", want: ErrUnsupportedRef},
		{name: "too large", ref: f.srv.URL + "/big.jpg", want: ErrTooLarge},
		{name: "not found", ref: f.srv.URL + "/missing.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := stories.StoryID("s-" + tt.name)
			f.p.Load(stories.Item{ID: id, MediaRef: tt.ref}, playback.PriorityHigh)

			ev, ok := f.next(t).(playback.MediaErrored)
			require.True(t, ok)
			assert.Equal(t, id, ev.StoryID)
			if tt.want != nil {
				assert.ErrorIs(t, ev.Err, tt.want)
			}

			st, ok := f.p.Status(id)
			require.True(t, ok)
			assert.NotEmpty(t, st.Error)
		})
	}
}

func TestSeed_ReadyWithoutFetch(t *testing.T) {
	f := newFixture(t, Config{}, serveBytes)
	f.p.Seed("draft:1", []byte("preview"))

	f.p.Load(stories.Item{ID: "tmp-1", MediaRef: "draft:1"}, playback.PriorityHigh)
	assert.Equal(t, playback.MediaReady{StoryID: "tmp-1"}, f.next(t))
	assert.Equal(t, int32(0), f.hits.Load())
}

func TestCommands(t *testing.T) {
	f := newFixture(t, Config{}, serveBytes)
	f.p.Seed("draft:v", []byte("v"))
	f.p.Load(stories.Item{ID: "v1", MediaRef: "draft:v", Kind: stories.KindVideo}, playback.PriorityHigh)
	f.next(t)

	f.p.Play("v1")
	st, _ := f.p.Status("v1")
	assert.Equal(t, CommandPlay, st.Command)

	f.p.Pause("v1")
	st, _ = f.p.Status("v1")
	assert.Equal(t, CommandPause, st.Command)

	f.p.Release("v1")
	_, ok := f.p.Status("v1")
	assert.False(t, ok)
}

func TestRelease_DropsPendingResult(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	f := newFixture(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-gate
		_, _ = w.Write([]byte("late"))
	})

	f.p.Load(stories.Item{ID: "s1", MediaRef: f.srv.URL + "/slow.jpg"}, playback.PriorityHigh)
	<-entered
	f.p.Release("s1")
	close(gate)
	f.p.Close()

	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event %#v", ev)
	default:
	}
}
