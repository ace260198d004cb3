// Package http exposes the call orchestrator to a local UI process: a small
// JSON control API plus an SSE stream of bus events.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/speakmate/callkit/internal/core/domain"
)

// CallController is the slice of the orchestrator the handler needs.
type CallController interface {
	State() domain.CallState
	StartCall(ctx context.Context, remote domain.UserID, name string, opts domain.MediaOptions) error
	AcceptCall(ctx context.Context, opts domain.MediaOptions) error
	RejectCall(ctx context.Context)
	EndCall(ctx context.Context)
	ToggleAudio() bool
	ToggleVideo(ctx context.Context) bool
	RequestVideoUpgrade(ctx context.Context) error
	AcceptVideoUpgrade(ctx context.Context) error
	RejectVideoUpgrade(ctx context.Context)
}

// EventSource is the bus surface the SSE stream consumes.
type EventSource interface {
	Subscribe() (<-chan domain.Event, func())
}

type Handler struct {
	Calls  CallController
	Events EventSource
}

func NewHandler(calls CallController, events EventSource) *Handler {
	return &Handler{Calls: calls, Events: events}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/call", h.getCall)
		r.Post("/call", h.startCall)
		r.Post("/call/accept", h.acceptCall)
		r.Post("/call/reject", h.rejectCall)
		r.Post("/call/end", h.endCall)
		r.Post("/call/audio/toggle", h.toggleAudio)
		r.Post("/call/video/toggle", h.toggleVideo)
		r.Post("/call/upgrade", h.requestUpgrade)
		r.Post("/call/upgrade/accept", h.acceptUpgrade)
		r.Post("/call/upgrade/reject", h.rejectUpgrade)
		r.Get("/events", h.streamEvents)
	})

	return r
}

type callStateDTO struct {
	Status          string     `json:"status"`
	RemoteUserID    string     `json:"remoteUserId,omitempty"`
	RemoteUserName  string     `json:"remoteUserName,omitempty"`
	AudioEnabled    bool       `json:"audioEnabled"`
	VideoEnabled    bool       `json:"videoEnabled"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
	CallHistoryID   string     `json:"callHistoryId,omitempty"`
}

func toDTO(s domain.CallState) callStateDTO {
	return callStateDTO{
		Status:          s.Status.String(),
		RemoteUserID:    s.RemoteUserID.String(),
		RemoteUserName:  s.RemoteUserName,
		AudioEnabled:    s.AudioEnabled,
		VideoEnabled:    s.VideoEnabled,
		StartedAt:       s.StartedAt,
		DurationSeconds: int64(s.Duration.Seconds()),
		CallHistoryID:   s.HistoryID.String(),
	}
}

func (h *Handler) getCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toDTO(h.Calls.State()))
}

type startCallRequest struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Audio    bool   `json:"audio"`
	Video    bool   `json:"video"`
}

func (h *Handler) startCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}

	err := h.Calls.StartCall(r.Context(), domain.UserID(req.UserID), req.UserName, domain.MediaOptions{
		Audio: req.Audio,
		Video: req.Video,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toDTO(h.Calls.State()))
}

type acceptCallRequest struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

func (h *Handler) acceptCall(w http.ResponseWriter, r *http.Request) {
	var req acceptCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req = acceptCallRequest{Audio: true}
	}

	err := h.Calls.AcceptCall(r.Context(), domain.MediaOptions{Audio: req.Audio, Video: req.Video})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(h.Calls.State()))
}

func (h *Handler) rejectCall(w http.ResponseWriter, r *http.Request) {
	h.Calls.RejectCall(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) endCall(w http.ResponseWriter, r *http.Request) {
	h.Calls.EndCall(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toggleAudio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.Calls.ToggleAudio()})
}

func (h *Handler) toggleVideo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.Calls.ToggleVideo(r.Context())})
}

func (h *Handler) requestUpgrade(w http.ResponseWriter, r *http.Request) {
	if err := h.Calls.RequestVideoUpgrade(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) acceptUpgrade(w http.ResponseWriter, r *http.Request) {
	if err := h.Calls.AcceptVideoUpgrade(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rejectUpgrade(w http.ResponseWriter, r *http.Request) {
	h.Calls.RejectVideoUpgrade(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// streamEvents pushes bus events to the UI as server-sent events, one JSON
// object per event with the topic as the SSE event name.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	ch, cancel := h.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(eventBody(ev))
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode bus event")
				continue
			}
			if _, err := w.Write([]byte("event: " + string(ev.Topic()) + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventBody shapes an event for the wire; state snapshots get the DTO form.
func eventBody(ev domain.Event) any {
	if sc, ok := ev.(domain.CallStateChanged); ok {
		return toDTO(sc.State)
	}
	return ev
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	var mediaErr *domain.MediaError
	switch {
	case errors.Is(err, domain.ErrAlreadyInCall):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrNoIncomingCall),
		errors.Is(err, domain.ErrNoOfferAvailable),
		errors.Is(err, domain.ErrNoUpgradePending),
		errors.Is(err, domain.ErrNotConnected):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &mediaErr):
		writeJSON(w, http.StatusFailedDependency, map[string]string{
			"error": mediaErr.Error(),
			"kind":  string(mediaErr.Kind),
			"hint":  mediaErr.Hint,
		})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
