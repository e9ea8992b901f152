package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/sessionrelay/pkg/backend"
	"github.com/lkarlslund/sessionrelay/pkg/completion"
	openai "github.com/sashabaranov/go-openai"
)

const maxRequestBody = 32 << 20

func writeError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, openai.ErrorResponse{Error: &openai.APIError{
		Type:    typ,
		Message: message,
		Code:    status,
	}})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	cfg := s.store.Snapshot()
	created := time.Now().Unix()
	models := make([]openai.Model, 0, len(cfg.ModelList))
	for _, id := range cfg.ModelList {
		models = append(models, openai.Model{ID: id, Object: "model", OwnedBy: "anthropic", CreatedAt: created})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	var req completion.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid json: "+err.Error())
		return
	}

	resp, err := s.svc.Complete(r.Context(), req)
	if err != nil {
		status, typ := classifyError(err)
		log.Warn("completion failed", "model", req.Model, "status", status, "err", err)
		writeError(w, status, typ, err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	w.Header().Set("Content-Type", resp.ContentType)
	if resp.Stream {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
	}
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				log.Debug("client write failed", "err", writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Debug("completion stream ended", "err", readErr)
			}
			return
		}
	}
}

// classifyError maps orchestrator errors to an HTTP status and an OpenAI
// error type.
func classifyError(err error) (int, string) {
	var invalidModel *completion.InvalidModelError
	var httpErr *backend.HTTPError
	switch {
	case errors.Is(err, completion.ErrEmptyMessages), errors.As(err, &invalidModel):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, completion.ErrNoValidCredential):
		return http.StatusServiceUnavailable, "no_valid_cookie"
	case errors.Is(err, completion.ErrUnsupportedMode):
		return http.StatusNotImplemented, "unsupported_mode"
	case errors.As(err, &httpErr):
		status := httpErr.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		typ := httpErr.Type
		if typ == "" {
			typ = "backend_error"
		}
		return status, typ
	}
	return http.StatusBadGateway, "backend_error"
}
