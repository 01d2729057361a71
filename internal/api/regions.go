package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/lifecycle"
)

// History query limits.
const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// startRegionRequest is the body of POST /regions. It mirrors the
// startBeacon(uuid, identifier, major?, minor?) call surface; a preset
// may stand in for the uuid.
type startRegionRequest struct {
	Preset        string `json:"preset,omitempty"`
	UUID          string `json:"uuid"`
	Identifier    string `json:"identifier"`
	Major         *int   `json:"major,omitempty"`
	Minor         *int   `json:"minor,omitempty"`
	MeasuredPower *int   `json:"measured_power,omitempty"`
}

func (req startRegionRequest) region() (beacon.Region, error) {
	region, err := beacon.ResolveRegion(req.Preset, req.UUID, req.Identifier, req.Major, req.Minor)
	if err != nil {
		return beacon.Region{}, err
	}
	if req.MeasuredPower != nil {
		region.MeasuredPower = req.MeasuredPower
		if err := beacon.ValidateRegion(region); err != nil {
			return beacon.Region{}, err
		}
	}
	return region, nil
}

// regionView is a region with its current presence state.
type regionView struct {
	beacon.Region
	State *beacon.BeaconState `json:"state,omitempty"`
}

func (s *Server) viewOf(identifier string) (regionView, bool) {
	region, state, ok := s.regions.Region(identifier)
	if !ok {
		return regionView{}, false
	}
	return regionView{Region: region, State: &state}, true
}

// handleListRegions returns every monitored region, sorted by identifier.
func (s *Server) handleListRegions(w http.ResponseWriter, _ *http.Request) {
	regions := s.regions.Regions()
	sort.Slice(regions, func(i, j int) bool { return regions[i].Identifier < regions[j].Identifier })

	views := make([]regionView, 0, len(regions))
	for _, r := range regions {
		if v, ok := s.viewOf(r.Identifier); ok {
			views = append(views, v)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"regions": views,
		"count":   len(views),
	})
}

// handleStartRegion starts monitoring a region. Starting an identifier that
// is already monitored replaces its definition.
func (s *Server) handleStartRegion(w http.ResponseWriter, r *http.Request) {
	var req startRegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	region, err := req.region()
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if _, err := s.regions.StartBeacon(r.Context(), region, nil); err != nil {
		switch {
		case errors.Is(err, beacon.ErrInvalidRegion):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		case errors.Is(err, beacon.ErrRadioUnavailable), errors.Is(err, lifecycle.ErrClosed):
			writeUnavailable(w, err.Error())
		default:
			s.logger.Error("failed to start region", "region", region.Identifier, "error", err)
			writeInternalError(w, "failed to start region")
		}
		return
	}

	s.logger.Info("region started via API", "region", region.Identifier, "subject", subjectFrom(r.Context()))

	view, ok := s.viewOf(region.Identifier)
	if !ok {
		view = regionView{Region: region}
	}
	writeJSON(w, http.StatusCreated, view)
}

// handleGetRegion returns one region and its state.
func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok := s.viewOf(id)
	if !ok {
		writeNotFound(w, "region not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleStopRegion stops monitoring a region.
func (s *Server) handleStopRegion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.regions.StopBeacon(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, beacon.ErrRegionNotFound):
			writeNotFound(w, "region not found")
		case errors.Is(err, lifecycle.ErrClosed):
			writeUnavailable(w, err.Error())
		default:
			s.logger.Error("failed to stop region", "region", id, "error", err)
			writeInternalError(w, "failed to stop region")
		}
		return
	}

	s.logger.Info("region stopped via API", "region", id, "subject", subjectFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleRegionHistory returns recorded enter/exit/error events for a
// region, newest first. Regions that were stopped keep their history.
func (s *Server) handleRegionHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "event history not configured")
		return
	}

	id := chi.URLParam(r, "id")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.GetHistory(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to read history", "region", id, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	if entries == nil {
		entries = []beacon.HistoryEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"region":  id,
		"entries": entries,
		"count":   len(entries),
	})
}
