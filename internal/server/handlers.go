package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/engine"
)

const maxAlarmBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "kubilitics-rca",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleAlarm accepts a JSON or plain-text alarm. The investigation id comes
// from the investigation_id query parameter or the X-Investigation-ID header
// and is generated when absent.
func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlarmBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxAlarmBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "alarm exceeds 1MiB")
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		writeError(w, http.StatusBadRequest, "alarm body is required")
		return
	}
	if _, err := models.ParseAlarm(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.URL.Query().Get("investigation_id")
	if id == "" {
		id = r.Header.Get("X-Investigation-ID")
	}
	id, err = s.svc.Submit(r.Context(), id, body)
	if err != nil {
		s.logger.Error("failed to enqueue alarm", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "could not enqueue alarm")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"investigation_id": id,
		"status_url":       fmt.Sprintf("/api/v1/investigations/%s", id),
		"stream_url":       fmt.Sprintf("/api/v1/investigations/%s/stream", id),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.svc.List(r.Context(), limit, offset)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investigations": list, "count": len(list)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inv, err := s.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type overrideRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req overrideRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	status, err := models.ParseStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if err != nil || (status != models.StatusConcluded && status != models.StatusFailed) {
		writeError(w, http.StatusBadRequest, "status must be CONCLUDED or FAILED")
		return
	}

	if err := s.svc.Override(r.Context(), id, status, req.Reason); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("investigation overridden",
		zap.String("investigation_id", id),
		zap.String("status", string(status)),
		zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]any{"investigation_id": id, "status": status})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAlreadyTerminal), errors.Is(err, models.ErrStorageConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
