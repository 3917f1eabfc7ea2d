package admin

import (
	"net/http"
	"time"

	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
	"github.com/fluxkompensator/postfixer/internal/service"
	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

// dataResponse is the payload of GET /api/data. recent_data comes from the
// in-memory cache, historical_data from the store, both newest first.
type dataResponse struct {
	RecentData     []inquiry.Record `json:"recent_data"`
	HistoricalData []inquiry.Record `json:"historical_data"`
	Version        string           `json:"version"`
	StartTime      string           `json:"start_time"`
	EndTime        string           `json:"end_time"`
}

type serverStatusResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	MTAVersion    string        `json:"mta_version"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Stats         service.Stats `json:"stats"`
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *APIHandler) handleServerStatus(w http.ResponseWriter, _ *http.Request) {
	status := "initializing"
	if h.ready() {
		status = "ready"
	}
	resp := serverStatusResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	}
	if h.stats != nil {
		resp.Stats = h.stats.GetStats()
		resp.MTAVersion = resp.Stats.LastVersion
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) handleKeyOptions(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, postfix.KeyOptions())
}

func (h *APIHandler) handleData(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	start := now.Add(-time.Hour)
	end := now

	q := r.URL.Query()
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid start_time, use RFC 3339")
			return
		}
		start = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid end_time, use RFC 3339")
			return
		}
		end = t
	}
	if !start.Before(end) {
		h.respondError(w, http.StatusBadRequest, "start_time must be before end_time")
		return
	}

	recent := make([]inquiry.Record, 0)
	if h.pipeline != nil {
		for _, rec := range h.pipeline.Recent() {
			if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
				continue
			}
			recent = append(recent, rec)
		}
	}

	historical, err := h.inquiries.ListInquiries(r.Context(), start, end)
	if err != nil {
		h.logger.Error("failed to load inquiries", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load inquiries")
		return
	}
	if historical == nil {
		historical = make([]inquiry.Record, 0)
	}

	var lastVersion string
	if h.stats != nil {
		lastVersion = h.stats.LastVersion()
	}

	h.respondJSON(w, http.StatusOK, dataResponse{
		RecentData:     recent,
		HistoricalData: historical,
		Version:        lastVersion,
		StartTime:      start.Format(time.RFC3339),
		EndTime:        end.Format(time.RFC3339),
	})
}
