package server

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/intent-radar/db"
	"github.com/onnwee/intent-radar/intent"
	"github.com/onnwee/intent-radar/telemetry"
)

// HandleStreams lists recent streams, newest first.
func (h *Handlers) HandleStreams(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	streams, err := h.store.ListStreams(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list streams", slog.Any("error", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "failed to list streams")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

// HandleStreamSummary returns a stream with its intents and stats, or the
// intents as CSV with ?format=csv.
func (h *Handlers) HandleStreamSummary(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("streamId"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}
	sum, err := h.store.GetStreamSummary(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("stream summary", slog.Int64("stream_id", id), slog.Any("error", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "failed to load summary")
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		writeIntentsCSV(w, id, sum.Intents)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

var csvHeader = []string{"id", "username", "message", "confidence", "category", "item_wanted", "details", "estimated_value", "status", "outreach", "timestamp"}

func writeIntentsCSV(w http.ResponseWriter, streamID int64, intents []intent.BuyerIntent) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="stream-%d-intents.csv"`, streamID))
	cw := csv.NewWriter(w)
	_ = cw.Write(csvHeader)
	for _, bi := range intents {
		_ = cw.Write([]string{
			strconv.FormatInt(bi.ID, 10),
			bi.Username,
			bi.Message,
			strconv.FormatFloat(bi.Confidence, 'f', 2, 64),
			string(bi.Category),
			bi.ItemWanted,
			bi.Details,
			strconv.FormatFloat(bi.EstimatedValue, 'f', 2, 64),
			string(bi.Status),
			bi.Outreach,
			bi.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Warn("failed to write csv", slog.Any("err", err), slog.String("component", "http"))
	}
}

// HandleIntentStatus approves or skips a pending intent.
func (h *Handlers) HandleIntentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid intent id")
		return
	}
	var to intent.Status
	switch r.PathValue("action") {
	case "approve":
		to = intent.StatusApproved
	case "skip":
		to = intent.StatusSkipped
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	bi, err := h.store.SetIntentStatus(r.Context(), id, to)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "intent not found")
	case errors.Is(err, db.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Error("set intent status", slog.Int64("intent_id", id), slog.Any("error", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "failed to update intent")
	default:
		writeJSON(w, http.StatusOK, bi)
	}
}
