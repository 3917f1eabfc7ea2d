package admin

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fluxkompensator/postfixer/internal/domain/rule"
	"github.com/fluxkompensator/postfixer/internal/service"
)

func (h *APIHandler) handleListRules(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, h.rules.List())
}

func (h *APIHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var body rule.Rule
	if err := h.readJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	created, err := h.rules.Create(r.Context(), body)
	if err != nil {
		var verr *rule.ValidationError
		if errors.As(err, &verr) {
			h.respondError(w, http.StatusBadRequest, verr.Error())
			return
		}
		h.logger.Error("failed to create rule", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]any{
		"message": "Rule created successfully",
		"rule":    created,
	})
}

func (h *APIHandler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	var body rule.Rule
	if err := h.readJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	updated, err := h.rules.Update(r.Context(), id, body)
	if err != nil {
		var verr *rule.ValidationError
		switch {
		case errors.Is(err, rule.ErrNotFound):
			h.respondError(w, http.StatusNotFound, fmt.Sprintf("rule %d not found", id))
		case errors.As(err, &verr):
			h.respondError(w, http.StatusBadRequest, verr.Error())
		default:
			h.logger.Error("failed to update rule", "rule_id", id, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to update rule")
		}
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"message": "Rule updated successfully",
		"rule":    updated,
	})
}

func (h *APIHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	if err := h.rules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, fmt.Sprintf("rule %d not found", id))
			return
		}
		h.logger.Error("failed to delete rule", "rule_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"message": "Rule deleted successfully",
	})
}

func (h *APIHandler) handleMoveRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	var body struct {
		NewPosition *int `json:"new_position"`
	}
	if err := h.readJSON(r, &body); err != nil || body.NewPosition == nil {
		h.respondError(w, http.StatusBadRequest, "new_position is required")
		return
	}

	// The registry reports both a missing rule and a bad target position as
	// out of range; resolve the 404 case first.
	if _, err := h.rules.Get(id); errors.Is(err, rule.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, fmt.Sprintf("rule %d not found", id))
		return
	}

	if err := h.rules.Move(r.Context(), id, *body.NewPosition); err != nil {
		if errors.Is(err, service.ErrPositionOutOfRange) {
			h.respondError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid new position, must be between 1 and %d", len(h.rules.List())))
			return
		}
		h.logger.Error("failed to move rule", "rule_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to move rule")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"message": "Rule moved successfully",
		"rules":   h.rules.List(),
	})
}
