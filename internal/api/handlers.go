// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/common/validation"
	"bnpl-copilot/internal/models"
	indextrace "bnpl-copilot/internal/workers/data-access/index-trace"
)

const HeaderSessionID = "X-Session-ID"

type errorBody struct {
	Error *apperrors.StandardError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, stdErr *apperrors.StandardError) {
	writeJSON(w, apperrors.HTTPStatus(stdErr.Code), errorBody{Error: stdErr})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.NewInvalidRequestError("body must be a JSON object with a message"))
		return
	}

	key := req.SessionID
	if key == "" {
		key = "ip:" + clientIP(r)
	}
	if !s.limiter.Allow(key) {
		w.Header().Set("Retry-After", "1")
		writeError(w, apperrors.NewRateLimitedError(key))
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	resp, err := s.chat.Chat(r.Context(), req)
	if err != nil {
		stdErr := s.errors.Handle(r.Context(), err, map[string]interface{}{
			logger.FieldSessionID: req.SessionID,
		})
		w.Header().Set(HeaderSessionID, req.SessionID)
		writeError(w, stdErr)
		return
	}

	sessionID := resp.SessionID
	if sessionID == "" {
		sessionID = req.SessionID
	}
	w.Header().Set(HeaderSessionID, sessionID)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", map[string]interface{}{"error": err.Error()})
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if vr := validation.ValidateSessionID(sessionID); !vr.Valid || sessionID == "" {
		writeError(w, apperrors.NewInvalidRequestError("invalid session id"))
		return
	}
	if s.traces == nil {
		writeError(w, apperrors.NewDataUnavailableError("trace_log", errors.New("trace indexing is disabled")))
		return
	}

	input := &indextrace.Input{
		SessionID: sessionID,
		Event:     r.URL.Query().Get("event"),
	}
	input.Pagination.From, _ = strconv.Atoi(r.URL.Query().Get("from"))
	input.Pagination.Size, _ = strconv.Atoi(r.URL.Query().Get("size"))

	out, err := s.traces.Execute(r.Context(), input)
	if err != nil {
		if errors.Is(err, indextrace.ErrIndexNotFound) {
			writeJSON(w, http.StatusOK, &indextrace.Output{Traces: []models.TraceRecord{}})
			return
		}
		stdErr := s.errors.Handle(r.Context(), apperrors.NewDataUnavailableError("trace_log", err), map[string]interface{}{
			logger.FieldSessionID: sessionID,
		})
		writeError(w, stdErr)
		return
	}
	if out.Traces == nil {
		out.Traces = []models.TraceRecord{}
	}
	writeJSON(w, http.StatusOK, out)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
