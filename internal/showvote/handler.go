package showvote

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ksms-live/internal/api"
	myMiddleware "ksms-live/internal/middleware"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func (h *Handler) GetRegistrationsForVoting(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.RegistrationsForVoting(r.Context(), chi.URLParam(r, "showId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) EnableVoting(w http.ResponseWriter, r *http.Request) {
	var req EnableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorBody{Error: "bad_request", Message: "enable must be an ISO 8601 time"})
		return
	}
	if err := h.Service.EnableVoting(r.Context(), chi.URLParam(r, "showId"), req.Enable); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DisableVoting(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DisableVoting(r.Context(), chi.URLParam(r, "showId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CastVote(w http.ResponseWriter, r *http.Request) {
	accountID, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	regID := chi.URLParam(r, "registrationId")
	count, err := h.Service.CastVote(r.Context(), regID, accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VoteResponse{RegistrationID: regID, VoteCount: count})
}

func (h *Handler) SetShowStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorBody{Error: "bad_request", Message: err.Error()})
		return
	}
	if err := h.Service.SetShowStatus(r.Context(), chi.URLParam(r, "showId"), req.Status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, ErrShowNotFound), errors.Is(err, ErrRegistrationNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAlreadyActive), errors.Is(err, ErrAlreadyVoted), errors.Is(err, ErrVotingClosed):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrEndInPast), errors.Is(err, ErrInvalidStatus):
		status, code = http.StatusBadRequest, "bad_request"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, api.ErrorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
