package player

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"story-playback/internal/media"
	"story-playback/internal/playback"
	"story-playback/internal/stories"
)

const maxUploadBytes = 64 << 20

// MediaStore exposes prefetched media to the rendering shell.
type MediaStore interface {
	Status(id stories.StoryID) (media.Status, bool)
	Content(id stories.StoryID) ([]byte, bool)
}

// Handler exposes the viewer control API using go-chi.
type Handler struct {
	svc   *Service
	media MediaStore
	log   *slog.Logger
}

// NewHandler returns a Handler over svc. ms may be nil.
func NewHandler(svc *Service, ms MediaStore, log *slog.Logger) *Handler {
	return &Handler{svc: svc, media: ms, log: log}
}

// Register mounts the control API on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/viewer", func(r chi.Router) {
		r.Post("/open/{user_id}", h.Open)
		r.Post("/close", h.Close)
		r.Post("/press", h.Press)
		r.Post("/release", h.Release)
		r.Post("/modal", h.OpenModal)
		r.Delete("/modal", h.CloseModal)
		r.Get("/cursor", h.Cursor)
		r.Get("/segments", h.Segments)
		r.Get("/signals", h.Signals)
	})
	r.Route("/stories", func(r chi.Router) {
		r.Post("/", h.Upload)
		r.Post("/{story_id}/like", h.ToggleLike)
		r.Delete("/{story_id}", h.Delete)
	})
	r.Route("/media/{story_id}", func(r chi.Router) {
		r.Get("/", h.MediaStatus)
		r.Get("/content", h.MediaContent)
		r.Post("/events", h.MediaEvent)
	})
	r.Post("/feed/refresh", h.Refresh)
}

// Open handles POST /viewer/open/{user_id}.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	userID := stories.UserID(chi.URLParam(r, "user_id"))
	if userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.Open(r.Context(), userID); err != nil {
		h.fail(w, "open viewer", err)
		return
	}
	h.log.Debug("viewer open requested", slog.String("user_id", string(userID)))
	h.writeView(w, r)
}

// Close handles POST /viewer/close.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Close(r.Context()); err != nil {
		h.fail(w, "close viewer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Press handles POST /viewer/press. Body: { "x": 100, "y": 400 }.
func (h *Handler) Press(w http.ResponseWriter, r *http.Request) {
	var p playback.Point
	if !h.decode(w, r, &p) {
		return
	}
	if err := h.svc.PressStart(r.Context(), p); err != nil {
		h.fail(w, "press", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type releaseResponse struct {
	Intent string `json:"intent"`
	View   View   `json:"view"`
}

// Release handles POST /viewer/release. Body: { "x": 100, "y": 400 }.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var p playback.Point
	if !h.decode(w, r, &p) {
		return
	}
	intent, err := h.svc.PressEnd(r.Context(), p)
	if err != nil {
		h.fail(w, "release", err)
		return
	}
	v, err := h.svc.View(r.Context())
	if err != nil {
		h.fail(w, "release", err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Intent: intent.String(), View: v})
}

type modalRequest struct {
	Modal string `json:"modal"`
}

// OpenModal handles POST /viewer/modal. Body: { "modal": "likes" }.
func (h *Handler) OpenModal(w http.ResponseWriter, r *http.Request) {
	var body modalRequest
	if !h.decode(w, r, &body) {
		return
	}
	m, ok := playback.ParseModal(body.Modal)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.svc.OpenModal(r.Context(), m); err != nil {
		h.fail(w, "open modal", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseModal handles DELETE /viewer/modal.
func (h *Handler) CloseModal(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseModal(r.Context()); err != nil {
		h.fail(w, "close modal", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cursor handles GET /viewer/cursor.
func (h *Handler) Cursor(w http.ResponseWriter, r *http.Request) {
	h.writeView(w, r)
}

type segmentsResponse struct {
	Segments []float64 `json:"segments"`
	Bar      string    `json:"bar"`
}

// Segments handles GET /viewer/segments?width=N.
func (h *Handler) Segments(w http.ResponseWriter, r *http.Request) {
	width := 4
	if raw := r.URL.Query().Get("width"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		width = n
	}

	v, err := h.svc.View(r.Context())
	if err != nil {
		h.fail(w, "segments", err)
		return
	}
	writeJSON(w, http.StatusOK, segmentsResponse{
		Segments: v.Segments,
		Bar:      playback.RenderBar(v.Segments, width),
	})
}

// Signals handles GET /viewer/signals.
func (h *Handler) Signals(w http.ResponseWriter, r *http.Request) {
	sigs, err := h.svc.Signals(r.Context())
	if err != nil {
		h.fail(w, "signals", err)
		return
	}
	if sigs == nil {
		sigs = []playback.Signal{}
	}
	writeJSON(w, http.StatusOK, sigs)
}

// ToggleLike handles POST /stories/{story_id}/like.
func (h *Handler) ToggleLike(w http.ResponseWriter, r *http.Request) {
	id := stories.StoryID(chi.URLParam(r, "story_id"))
	item, err := h.svc.ToggleLike(r.Context(), id)
	if err != nil {
		h.fail(w, "toggle like", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Delete handles DELETE /stories/{story_id}. The deletion completes
// asynchronously once the backend confirms.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := stories.StoryID(chi.URLParam(r, "story_id"))
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete story", err)
		return
	}
	h.log.Info("story delete requested", slog.String("story_id", string(id)))
	w.WriteHeader(http.StatusAccepted)
}

// Upload handles POST /stories as multipart with fields file, kind, privacy
// and is_hdr. It answers with the optimistic item.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		h.log.Debug("invalid upload body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	draft := stories.Draft{
		Kind:        stories.Kind(r.FormValue("kind")),
		Privacy:     stories.Privacy(r.FormValue("privacy")),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	if draft.Kind != stories.KindImage && draft.Kind != stories.KindVideo {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if draft.Privacy == "" {
		draft.Privacy = stories.PrivacyFriends
	}
	if raw := r.FormValue("is_hdr"); raw != "" {
		if draft.IsHDR, err = strconv.ParseBool(raw); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	item, err := h.svc.Upload(r.Context(), draft)
	if err != nil {
		h.fail(w, "upload", err)
		return
	}
	h.log.Info("story upload started", slog.String("temp_id", item.TempID), slog.Int("bytes", len(data)))
	writeJSON(w, http.StatusAccepted, item)
}

// MediaStatus handles GET /media/{story_id}.
func (h *Handler) MediaStatus(w http.ResponseWriter, r *http.Request) {
	if h.media == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	st, ok := h.media.Status(stories.StoryID(chi.URLParam(r, "story_id")))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// MediaContent handles GET /media/{story_id}/content.
func (h *Handler) MediaContent(w http.ResponseWriter, r *http.Request) {
	if h.media == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	data, ok := h.media.Content(stories.StoryID(chi.URLParam(r, "story_id")))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type mediaEventRequest struct {
	Type       string `json:"type"`
	PositionMS int64  `json:"position_ms"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

var errShellMedia = errors.New("media failed in shell")

// MediaEvent handles POST /media/{story_id}/events.
// Body: { "type": "progress", "position_ms": 1200, "duration_ms": 9000 }.
func (h *Handler) MediaEvent(w http.ResponseWriter, r *http.Request) {
	id := stories.StoryID(chi.URLParam(r, "story_id"))
	var body mediaEventRequest
	if !h.decode(w, r, &body) {
		return
	}

	pos := time.Duration(body.PositionMS) * time.Millisecond
	dur := time.Duration(body.DurationMS) * time.Millisecond

	var ev playback.MediaEvent
	switch body.Type {
	case "ready":
		ev = playback.MediaReady{StoryID: id, Duration: dur}
	case "buffering":
		ev = playback.MediaBuffering{StoryID: id, Stalled: true}
	case "resumed":
		ev = playback.MediaBuffering{StoryID: id, Stalled: false}
	case "progress":
		ev = playback.MediaProgress{StoryID: id, Position: pos, Duration: dur}
	case "ended":
		ev = playback.MediaEnded{StoryID: id}
	case "error":
		err := errShellMedia
		if body.Error != "" {
			err = errors.New(body.Error)
		}
		ev = playback.MediaErrored{StoryID: id, Err: err}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.HandleMedia(r.Context(), ev); err != nil {
		h.fail(w, "media event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Refresh handles POST /feed/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Refresh(r.Context()); err != nil {
		h.fail(w, "refresh feed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeView(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.View(r.Context())
	if err != nil {
		h.fail(w, "view", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.Debug("invalid request body", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps service errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var status int
	switch {
	case errors.Is(err, playback.ErrGroupNotFound), errors.Is(err, stories.ErrStoryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, playback.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, playback.ErrNotIdle), errors.Is(err, stories.ErrInvalidEvent):
		status = http.StatusConflict
	case errors.Is(err, playback.ErrLoopClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", slog.String("error", err.Error()))
	} else {
		h.log.Info(op+" rejected", slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
