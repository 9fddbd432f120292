// Package api HTTP интерфейс управления телефоном: команды, снимок
// состояния, поток изменений через WebSocket и метрики Prometheus.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/softphone/pkg/agent"
	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/phone"
	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/state"
)

// maxBody ограничение тела запроса
const maxBody = 64 << 10

// Handler обработчики HTTP поверх телефона.
type Handler struct {
	phone    *phone.Phone
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

// NewHandler создает обработчики. gatherer nil отключает /metrics.
func NewHandler(p *phone.Phone, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		phone:    p,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			// интерфейс обслуживается с другого origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router собирает маршруты с общими middleware.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	h.RegisterRoutes(r)

	r.Get("/ws", h.Stream)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// RegisterRoutes регистрирует маршруты /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)

		r.Put("/agent/state", h.SetState)
		r.Put("/agent/credentials", h.SetCredentials)
		r.Delete("/agent/credentials", h.ClearCredentials)

		r.Post("/calls", h.InitCall)
		r.Delete("/selection", h.ClearSelection)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/select", h.Select)
			r.Post("/answer", h.Answer)
			r.Post("/finish", h.Finish)
			r.Post("/mute", h.sessionCommand(h.phone.Mute))
			r.Post("/unmute", h.sessionCommand(h.phone.UnMute))
			r.Post("/hold", h.sessionCommand(h.phone.Hold))
			r.Post("/unhold", h.sessionCommand(h.phone.UnHold))
		})
	})
}

// JSON пишет ответ JSON с кодом status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api encode failed", slog.String("error", err.Error()))
	}
}

// Error пишет ошибку JSON.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// fail переводит ошибку телефона в код HTTP.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, phone.ErrUnknownSession):
		status = http.StatusNotFound
	case errors.Is(err, agent.ErrInvalidCredentials):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotIncoming), errors.Is(err, session.ErrDestroyed),
		errors.Is(err, engine.ErrNotStarted):
		status = http.StatusConflict
	case errors.Is(err, state.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("api request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	Error(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.phone.Snapshot(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

type stateRequest struct {
	State string `json:"state"`
}

// SetState задает желаемое состояние агента: online или offline.
func (h *Handler) SetState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if !decode(w, r, &req) {
		return
	}
	target := agent.Status(strings.ToLower(req.State))
	if target != agent.Online && target != agent.Offline {
		Error(w, http.StatusBadRequest, "state must be online or offline")
		return
	}
	if err := h.phone.SetDesiredState(r.Context(), target); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type credentialsRequest struct {
	ServerURL string `json:"serverUrl"`
	Identity  string `json:"identity"`
	Secret    string `json:"secret"`
}

func (h *Handler) SetCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	creds := &engine.Credentials{
		ServerURL: req.ServerURL,
		Identity:  req.Identity,
		Secret:    req.Secret,
	}
	if err := h.phone.SetCredentials(r.Context(), creds); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ClearCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.phone.SetCredentials(r.Context(), nil); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type callRequest struct {
	Target string `json:"target"`
}

func (h *Handler) InitCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		Error(w, http.StatusBadRequest, "target is required")
		return
	}
	if err := h.phone.InitCall(r.Context(), req.Target); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) ClearSelection(w http.ResponseWriter, r *http.Request) {
	if err := h.phone.SwitchTo(r.Context(), ""); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Select выбирает сессию. Выбор входящей неотвеченной сессии отвечает на нее.
func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	h.sessionCommand(h.phone.SwitchTo)(w, r)
}

func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	h.sessionCommand(h.phone.Answer)(w, r)
}

type finishRequest struct {
	Code int `json:"code"`
}

// Finish завершает сессию. Тело необязательно, код по умолчанию 487.
func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.Code != 0 && (req.Code < 400 || req.Code > 699) {
		Error(w, http.StatusBadRequest, "code must be a final SIP error status")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.phone.Finish(r.Context(), id, req.Code); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sessionCommand(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), chi.URLParam(r, "id")); err != nil {
			fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
