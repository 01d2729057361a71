package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/bridges/ble"
)

// startAdvertisingRequest is the body of POST /advertising. Advertising
// needs a concrete major and minor.
type startAdvertisingRequest struct {
	startRegionRequest
	Gateway string `json:"gateway,omitempty"`
}

// handleListAdvertising returns the active advertisements.
func (s *Server) handleListAdvertising(w http.ResponseWriter, _ *http.Request) {
	if s.advertiser == nil {
		writeUnavailable(w, "advertising not configured")
		return
	}
	active := s.advertiser.Advertisements()
	writeJSON(w, http.StatusOK, map[string]any{
		"advertising": active,
		"count":       len(active),
	})
}

// handleStartAdvertising starts advertising a region. Advertising an
// identifier again replaces the previous advertisement.
func (s *Server) handleStartAdvertising(w http.ResponseWriter, r *http.Request) {
	if s.advertiser == nil {
		writeUnavailable(w, "advertising not configured")
		return
	}

	var req startAdvertisingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	region, err := req.region()
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	adv, err := s.advertiser.StartAdvertising(region, req.Gateway)
	if err != nil {
		if errors.Is(err, beacon.ErrInvalidRegion) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		s.logger.Error("failed to start advertising", "region", region.Identifier, "error", err)
		writeUnavailable(w, "failed to start advertising")
		return
	}

	s.logger.Info("advertising started via API", "region", region.Identifier, "gateway", adv.Gateway, "subject", subjectFrom(r.Context()))
	writeJSON(w, http.StatusCreated, adv)
}

// handleStopAdvertising stops advertising an identifier.
func (s *Server) handleStopAdvertising(w http.ResponseWriter, r *http.Request) {
	if s.advertiser == nil {
		writeUnavailable(w, "advertising not configured")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.advertiser.StopAdvertising(id); err != nil {
		if errors.Is(err, ble.ErrNotAdvertising) {
			writeNotFound(w, "not advertising")
			return
		}
		s.logger.Error("failed to stop advertising", "region", id, "error", err)
		writeInternalError(w, "failed to stop advertising")
		return
	}

	s.logger.Info("advertising stopped via API", "region", id, "subject", subjectFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
