package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/sortarena/internal/arena"
	"github.com/michaelbrown/sortarena/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	battle := s.orch.Settings()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"rooms":       s.registry.Len(),
		"connections": s.hub.Connections(),
		"archive":     s.store != nil,
		"battle": map[string]any{
			"arrayLength":         battle.ArrayLength,
			"countdownTicks":      battle.CountdownTicks,
			"submissionTimeoutMs": battle.SubmissionTimeout.Milliseconds(),
			"roundTimeoutMs":      battle.RoundTimeout.Milliseconds(),
		},
	})
}

// --- Room handlers ---

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, arena.ErrRoomNotFound):
			writeError(w, http.StatusNotFound, "room not found")
		case errors.Is(err, arena.ErrInvalidRoomID):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, room.Info())
}

// --- Round archive handlers ---

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "round archive disabled")
		return false
	}
	return true
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	opts := storage.RoundListOptions{RoomID: r.URL.Query().Get("room")}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	rounds, err := s.store.ListRounds(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rounds == nil {
		rounds = []storage.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (s *Server) lookupRound(w http.ResponseWriter, r *http.Request) (*storage.Round, bool) {
	if !s.requireStore(w) {
		return nil, false
	}
	round, err := s.store.GetRound(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "round not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return round, true
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	round, ok := s.lookupRound(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleExportRound(w http.ResponseWriter, r *http.Request) {
	round, ok := s.lookupRound(w, r)
	if !ok {
		return
	}

	var (
		data        []byte
		contentType string
		err         error
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "md", "markdown":
		data, contentType = []byte(storage.ExportMarkdown(round)), "text/markdown; charset=utf-8"
	case "json":
		data, err = storage.ExportJSON(round)
		contentType = "application/json"
	case "yaml", "yml":
		data, err = storage.ExportYAML(round)
		contentType = "application/yaml"
	default:
		writeError(w, http.StatusBadRequest, "unknown format "+strconv.Quote(format))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
