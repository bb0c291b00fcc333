package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/boardcast/recorder/internal/capture"
	"github.com/boardcast/recorder/internal/health"
	"github.com/boardcast/recorder/internal/ingest"
	"github.com/boardcast/recorder/internal/logging"
	"github.com/boardcast/recorder/internal/recording"
)

type offerRequest struct {
	SDP            string                   `json:"sdp"`
	ScreenStreamID string                   `json:"screenStreamId"`
	CameraStreamID string                   `json:"cameraStreamId,omitempty"`
	BoardID        string                   `json:"boardId,omitempty"`
	WorkspaceID    string                   `json:"workspaceId,omitempty"`
	Title          string                   `json:"title,omitempty"`
	ICEServers     []ingest.ICEServerConfig `json:"iceServers,omitempty"`
}

type offerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, recording.ErrBusy), errors.Is(err, capture.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, capture.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, recording.ErrLowDisk):
		return http.StatusInsufficientStorage
	case errors.Is(err, capture.ErrPauseUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, ingest.ErrEmptyOffer), errors.Is(err, recording.ErrNegotiation):
		return http.StatusBadRequest
	case errors.Is(err, recording.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, logging.KeyError, err)
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SDP == "" {
		writeError(w, http.StatusBadRequest, "sdp is required")
		return
	}

	answer, err := s.rec.Begin(r.Context(), recording.BeginRequest{
		SDP:            req.SDP,
		ScreenStreamID: req.ScreenStreamID,
		CameraStreamID: req.CameraStreamID,
		ICEServers:     req.ICEServers,
		BoardID:        req.BoardID,
		WorkspaceID:    req.WorkspaceID,
		Title:          req.Title,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{SDP: answer, Type: "answer"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.rec.Finish(r.Context())
	if errors.Is(err, recording.ErrNothingRecorded) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Pause(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rec.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Resume(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rec.Status())
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.rec.Abort()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.Status())
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	keys, err := s.rec.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": keys})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := s.health.Summary()
	status := http.StatusOK
	if s.health.Overall() == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, summary)
}
