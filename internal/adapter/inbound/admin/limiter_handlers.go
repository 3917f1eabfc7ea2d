package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/fluxkompensator/postfixer/internal/domain/ratelimit"
)

const defaultTopCounters = 10

func (h *APIHandler) handleListRateLimiters(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, h.limiters.List())
}

func (h *APIHandler) handleCreateRateLimiter(w http.ResponseWriter, r *http.Request) {
	var body ratelimit.Limiter
	if err := h.readJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	created, err := h.limiters.Create(r.Context(), body)
	if err != nil {
		var verr *ratelimit.ValidationError
		if errors.As(err, &verr) {
			h.respondError(w, http.StatusBadRequest, verr.Error())
			return
		}
		h.logger.Error("failed to create rate limiter", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create rate limiter")
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]string{"id": created.ID})
}

func (h *APIHandler) handleUpdateRateLimiter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body ratelimit.Limiter
	if err := h.readJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, err := h.limiters.Update(r.Context(), id, body); err != nil {
		var verr *ratelimit.ValidationError
		switch {
		case errors.Is(err, ratelimit.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "rate limiter not found")
		case errors.As(err, &verr):
			h.respondError(w, http.StatusBadRequest, verr.Error())
		default:
			h.logger.Error("failed to update rate limiter", "limiter_id", id, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to update rate limiter")
		}
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"message": "Rate limiter updated successfully",
	})
}

func (h *APIHandler) handleDeleteRateLimiter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.limiters.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ratelimit.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "rate limiter not found")
			return
		}
		h.logger.Error("failed to delete rate limiter", "limiter_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to delete rate limiter")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"message": "Rate limiter deleted successfully",
	})
}

func (h *APIHandler) handleTopCounters(w http.ResponseWriter, r *http.Request) {
	k := defaultTopCounters
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		k = n
	}

	counters, err := h.limiters.TopCounters(r.Context(), k)
	if err != nil {
		h.logger.Error("failed to load top counters", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load top counters")
		return
	}
	if counters == nil {
		counters = make([]ratelimit.TopCounter, 0)
	}

	h.respondJSON(w, http.StatusOK, counters)
}
