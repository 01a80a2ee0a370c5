package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/tiltdrive/internal/config"
	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/controller"
	"github.com/banshee-data/tiltdrive/internal/dispatch"
	"github.com/banshee-data/tiltdrive/internal/sensor"
)

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func lifecycleStatus(err error) int {
	switch {
	case errors.Is(err, controller.ErrAlreadyActive),
		errors.Is(err, controller.ErrNotActive),
		errors.Is(err, dispatch.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, sensor.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.ctl.Activate(r.Context()); err != nil {
		s.writeJSONError(w, lifecycleStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.ctl.Deactivate(); err != nil {
		s.writeJSONError(w, lifecycleStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.ctl.Resume(); err != nil {
		s.writeJSONError(w, lifecycleStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) calibrate(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctl.Calibrate())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.ctl.Config())
	case http.MethodPut, http.MethodPatch:
		var patch config.ControlConfig
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&patch); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid config: %v", err))
			return
		}
		updated, err := s.ctl.UpdateConfig(&patch)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, updated)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

type orientationRequest struct {
	Orientation string `json:"orientation"`
}

func (s *Server) setOrientation(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req orientationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	o, err := control.ParseOrientation(req.Orientation)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ctl.SetOrientation(o)
	s.writeJSON(w, http.StatusOK, orientationRequest{Orientation: o.String()})
}
