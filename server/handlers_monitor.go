package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/intent-radar/monitor"
	"github.com/onnwee/intent-radar/telemetry"
)

type startRequest struct {
	URL          string   `json:"url"`
	SessionID    string   `json:"sessionId"`
	AutoDiscover bool     `json:"autoDiscover"`
	FallbackURLs []string `json:"fallbackUrls"`
}

// HandleStartMonitoring starts (or restarts) the session named in the body.
// Connecting can take several navigation attempts, so the write deadline is
// lifted for this request.
func (h *Handlers) HandleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("session_id", req.SessionID), slog.String("component", "http"))
	_, st, err := h.registry.Start(r.Context(), strings.TrimSpace(req.SessionID), monitor.Options{
		URL:          req.URL,
		AutoDiscover: req.AutoDiscover,
		FallbackURLs: req.FallbackURLs,
	})
	switch {
	case errors.Is(err, monitor.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error("start monitoring failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info("monitoring started", slog.Int64("stream_id", st.ID), slog.String("url", st.URL))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "monitoring",
		"sessionId": st.SessionID,
		"streamId":  st.ID,
		"stream":    st,
	})
}

// HandleStopMonitoring stops a session. Unknown ids get 404.
func (h *Handlers) HandleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	id := strings.TrimSpace(req.SessionID)
	st, err := h.registry.Stop(r.Context(), id)
	if errors.Is(err, monitor.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		// The session is stopped either way; only the final write failed.
		telemetry.LoggerWithCorr(r.Context()).Warn("stop monitoring", slog.String("session_id", id), slog.Any("error", err), slog.String("component", "http"))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "stopped",
		"sessionId": id,
		"streamId":  st.ID,
	})
}

// HandleSessions lists live sessions.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.registry.List()})
}

// HandleAnalyzeStream runs a one-shot analysis of a stream and returns the report.
func (h *Handlers) HandleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	if h.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "stream analysis is not configured")
		return
	}
	var req struct {
		URL             string `json:"url"`
		DurationSeconds int    `json:"durationSeconds"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "durationSeconds must not be negative")
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	rep, err := h.analyzer.Analyze(r.Context(), req.URL, time.Duration(req.DurationSeconds)*time.Second)
	switch {
	case errors.Is(err, monitor.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Error("analyze stream failed", slog.String("url", req.URL), slog.Any("error", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
