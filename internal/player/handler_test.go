package player

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"story-playback/internal/playback"
	"story-playback/internal/stories"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubMedia struct{}

func (stubMedia) Load(stories.Item, playback.Priority) {}
func (stubMedia) Play(stories.StoryID)                 {}
func (stubMedia) Pause(stories.StoryID)                {}
func (stubMedia) Release(stories.StoryID)              {}

type stubBackend struct {
	mu       sync.Mutex
	likes    int
	deletes  []stories.StoryID
	receipts []stories.StoryID
	uploads  []string
}

func (b *stubBackend) ToggleLike(_ context.Context, id stories.StoryID) (stories.LikeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.likes++
	return stories.LikeResult{Likes: []stories.Liker{{UserID: "me"}}, Liked: true}, nil
}

func (b *stubBackend) SendViewReceipt(_ context.Context, id stories.StoryID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts = append(b.receipts, id)
	return nil
}

func (b *stubBackend) Delete(_ context.Context, id stories.StoryID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, id)
	return nil
}

func (b *stubBackend) Upload(_ context.Context, tempID string, draft stories.Draft) (stories.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, tempID)
	return stories.Item{ID: "final-1", Kind: draft.Kind, MediaRef: "https://cdn.test/final-1.jpg"}, nil
}

type stubFeed struct {
	groups []stories.Group
}

func (f stubFeed) FetchFeed(context.Context) ([]stories.Group, error) {
	return f.groups, nil
}

type testEnv struct {
	repo    *stories.InMemoryRepository
	backend *stubBackend
	svc     *Service
	router  *chi.Mux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := stories.NewInMemoryRepository()
	repo.ReplaceFeed([]stories.Group{
		{Owner: stories.Owner{UserID: "u1", Username: "ada"}, Items: []stories.Item{
			{ID: "s1", Kind: stories.KindImage},
			{ID: "s2", Kind: stories.KindImage},
		}},
		{Owner: stories.Owner{UserID: "me", Username: "me"}, Items: []stories.Item{
			{ID: "m1", Kind: stories.KindImage},
		}},
	})

	loop := playback.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	backend := &stubBackend{}
	sched := playback.NewClockScheduler(clockwork.NewFakeClockAt(t0), 0, func(fn func()) { loop.Post(fn) })
	feed := stubFeed{groups: []stories.Group{
		{Owner: stories.Owner{UserID: "u2"}, Items: []stories.Item{{ID: "f1", Kind: stories.KindImage}}},
	}}

	svc := NewService(loop, playback.Options{
		Scheduler:  sched,
		Repository: repo,
		Media:      stubMedia{},
		Backend:    backend,
		Self:       stories.Owner{UserID: "me"},
		Logger:     log,
		Async:      func(fn func()) { fn() },
	}, feed, nil)

	r := chi.NewRouter()
	NewHandler(svc, nil, log).Register(r)
	return &testEnv{repo: repo, backend: backend, svc: svc, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type viewBody struct {
	State  string `json:"state"`
	Modal  string `json:"modal"`
	Cursor struct {
		GroupID string  `json:"group_id"`
		ItemID  string  `json:"item_id"`
		Paused  bool    `json:"paused"`
		Progress float64 `json:"progress"`
	} `json:"cursor"`
}

func (e *testEnv) view(t *testing.T) viewBody {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/viewer/cursor", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cursor: expected 200, got %d", rec.Code)
	}
	var v viewBody
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func (e *testEnv) openPlaying(t *testing.T, user, story string) {
	t.Helper()
	if rec := e.do(t, http.MethodPost, "/viewer/open/"+user, nil); rec.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/media/"+story+"/events", map[string]any{"type": "ready"}); rec.Code != http.StatusNoContent {
		t.Fatalf("ready: expected 204, got %d", rec.Code)
	}
}

func TestHandler_Open(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/viewer/open/u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	v := e.view(t)
	if v.State != "loading" || v.Cursor.ItemID != "s1" {
		t.Errorf("expected loading at s1, got %s at %s", v.State, v.Cursor.ItemID)
	}
}

func TestHandler_Open_unknown_user(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/viewer/open/nobody", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_MediaReady_starts_playback(t *testing.T) {
	e := newTestEnv(t)
	e.openPlaying(t, "u1", "s1")

	if v := e.view(t); v.State != "playing" {
		t.Errorf("expected playing, got %s", v.State)
	}

	rec := e.do(t, http.MethodGet, "/viewer/segments?width=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body segmentsResponse
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if len(body.Segments) != 2 || body.Bar != "[--|--]" {
		t.Errorf("unexpected segments %+v", body)
	}
}

func TestHandler_MediaEvent_bad_request(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, http.MethodPost, "/media/s1/events", map[string]any{"type": "exploded"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown type: expected 400, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/media/s1/events", "not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", rec.Code)
	}
}

func TestHandler_Tap_next(t *testing.T) {
	e := newTestEnv(t)
	e.openPlaying(t, "u1", "s1")

	if rec := e.do(t, http.MethodPost, "/viewer/press", playback.Point{X: 900, Y: 500}); rec.Code != http.StatusNoContent {
		t.Fatalf("press: expected 204, got %d", rec.Code)
	}
	rec := e.do(t, http.MethodPost, "/viewer/release", playback.Point{X: 900, Y: 500})
	if rec.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d", rec.Code)
	}
	var body struct {
		Intent string   `json:"intent"`
		View   viewBody `json:"view"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body.Intent != "next" || body.View.Cursor.ItemID != "s2" {
		t.Errorf("expected next to s2, got %s to %s", body.Intent, body.View.Cursor.ItemID)
	}
}

func TestHandler_SwipeDown_closes(t *testing.T) {
	e := newTestEnv(t)
	e.openPlaying(t, "u1", "s1")

	e.do(t, http.MethodPost, "/viewer/press", playback.Point{X: 500, Y: 500})
	rec := e.do(t, http.MethodPost, "/viewer/release", playback.Point{X: 500, Y: 700})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if v := e.view(t); v.State != "closed" {
		t.Errorf("expected closed, got %s", v.State)
	}

	rec = e.do(t, http.MethodGet, "/viewer/signals", nil)
	var sigs []playback.Signal
	_ = json.NewDecoder(rec.Body).Decode(&sigs)
	if len(sigs) == 0 || sigs[len(sigs)-1].Type != playback.SignalClosed || sigs[len(sigs)-1].Reason != playback.ReasonDismissed {
		t.Errorf("expected dismissed close signal, got %+v", sigs)
	}

	// A closed session is replaced on the next open.
	if rec := e.do(t, http.MethodPost, "/viewer/open/u1", nil); rec.Code != http.StatusOK {
		t.Errorf("reopen: expected 200, got %d", rec.Code)
	}
}

func TestHandler_Modal(t *testing.T) {
	e := newTestEnv(t)
	e.openPlaying(t, "u1", "s1")

	if rec := e.do(t, http.MethodPost, "/viewer/modal", map[string]string{"modal": "sideways"}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/viewer/modal", map[string]string{"modal": "likes"}); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if v := e.view(t); v.State != "paused" || v.Modal != "likes" {
		t.Errorf("expected paused under likes, got %s/%s", v.State, v.Modal)
	}
	if rec := e.do(t, http.MethodDelete, "/viewer/modal", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if v := e.view(t); v.State != "playing" {
		t.Errorf("expected playing, got %s", v.State)
	}
}

func TestHandler_ToggleLike(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/stories/s1/like", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var item stories.Item
	_ = json.NewDecoder(rec.Body).Decode(&item)
	if !item.Liked {
		t.Errorf("expected optimistic like")
	}

	if rec := e.do(t, http.MethodPost, "/stories/missing/like", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_Delete(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, http.MethodDelete, "/stories/s1", nil); rec.Code != http.StatusForbidden {
		t.Errorf("other user's story: expected 403, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, "/stories/m1", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	// The confirmation is applied on the loop after the backend call.
	e.view(t)
	if _, _, ok := e.repo.FindItem("m1"); ok {
		t.Errorf("expected m1 to be removed")
	}
}

func TestHandler_Upload(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "pic.jpg")
	fw.Write([]byte("jpeg"))
	mw.WriteField("kind", "image")
	mw.WriteField("privacy", "public")
	mw.WriteField("is_hdr", "true")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/stories", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var item stories.Item
	_ = json.NewDecoder(rec.Body).Decode(&item)
	if item.TempID == "" || !item.IsHDR {
		t.Errorf("unexpected optimistic item %+v", item)
	}

	e.view(t)
	if _, final, ok := e.repo.FindItem("final-1"); !ok || final.TempID != item.TempID {
		t.Errorf("expected finalized item reconciled by temp id, got %+v", final)
	}
}

func TestHandler_Upload_bad_kind(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "a.gif")
	fw.Write([]byte("gif"))
	mw.WriteField("kind", "gif")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/stories", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Refresh(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, http.MethodPost, "/feed/refresh", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	ids := e.repo.UserIDs()
	if len(ids) != 1 || ids[0] != "u2" {
		t.Errorf("expected feed replaced, got %v", ids)
	}
}

func TestHandler_Media_without_store(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, http.MethodGet, "/media/s1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
