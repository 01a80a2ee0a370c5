package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/tiltdrive/internal/db"
)

// storeAvailable writes a 503 when history is disabled.
func (s *Server) storeAvailable(w http.ResponseWriter) bool {
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "session history is disabled")
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrSessionNotFound) {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read sessions: %v", err))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !s.storeAvailable(w) {
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}
	sessions, err := s.db.ListSessions(limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if !s.storeAvailable(w) {
		return
	}
	session, err := s.db.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) listTransmissions(w http.ResponseWriter, r *http.Request) {
	if !s.storeAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.db.GetSession(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	records, err := s.db.SessionTransmissions(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) listCalibrations(w http.ResponseWriter, r *http.Request) {
	if !s.storeAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.db.GetSession(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	records, err := s.db.SessionCalibrations(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) showSummary(w http.ResponseWriter, r *http.Request) {
	if !s.storeAvailable(w) {
		return
	}
	sum, err := s.db.SessionSummary(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}
