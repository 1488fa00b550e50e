package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/imagewire/pacsbridge/types"
)

// handleQido serves metadata queries at the given hierarchy level.
func (s *Server) handleQido(level types.QueryLevel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.runCall(w, r, types.CallSpec{
			Kind:  types.KindQido,
			Level: level,
			Query: queryFromRequest(r, ""),
		})
	}
}

// handleWado serves binary retrievals. format is the optional rendering
// selector ("rendered", "pixeldata", "thumbnail").
func (s *Server) handleWado(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.runCall(w, r, types.CallSpec{
			Kind:  types.KindWado,
			Query: queryFromRequest(r, format),
		})
	}
}

// handleWadoURI serves the legacy flat-parameter retrieval.
func (s *Server) handleWadoURI(w http.ResponseWriter, r *http.Request) {
	s.runCall(w, r, types.CallSpec{
		Kind:  types.KindWadoURI,
		Query: queryFromRequest(r, ""),
	})
}

// handleStow accepts a multipart/related body and forwards it verbatim.
func (s *Server) handleStow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.BodyLimit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	s.runCall(w, r, types.CallSpec{
		Kind:        types.KindStow,
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
	})
}

// runCall pushes one call through the queue and writes the HTTP result.
func (s *Server) runCall(w http.ResponseWriter, r *http.Request, spec types.CallSpec) {
	tenant := TenantFromContext(r.Context())

	reply, err := s.queue.Do(r.Context(), tenant, spec)
	if err != nil {
		s.writeCallError(w, r, spec, err)
		return
	}
	s.metrics.ObserveCall(string(spec.Kind), "success")
	if spec.Kind == types.KindStow {
		s.metrics.AddStreamBytes("upload", len(spec.Body))
	}

	if reply.IsBinary() {
		s.metrics.AddStreamBytes("download", len(reply.Bytes))
		contentType := reply.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(reply.Bytes)
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	if err := json.NewEncoder(w).Encode(reply.Data); err != nil {
		s.logger.Warn("failed to encode response",
			zap.String("call", string(spec.Kind)),
			zap.Error(err))
	}
}

// writeCallError maps a classified call failure to its HTTP shape.
func (s *Server) writeCallError(w http.ResponseWriter, r *http.Request, spec types.CallSpec, err error) {
	if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
		// Caller went away; nothing useful to write.
		return
	}

	kind, ok := types.FailureKindOf(err)
	if !ok {
		kind = types.FailRetriesExhausted
	}
	s.metrics.ObserveCall(string(spec.Kind), kind.String())
	s.logger.Warn("call failed",
		zap.String("call", string(spec.Kind)),
		zap.String("failure", kind.String()),
		zap.Error(err))

	switch kind {
	case types.FailAuthInvalid:
		writeError(w, http.StatusUnauthorized, "token not valid")
	case types.FailNoConnection:
		writeError(w, http.StatusBadGateway, "no client connected")
	default:
		// The classified error text carries the call kind and the last
		// attempt's correlation id for the caller's support ticket.
		msg := "call failed"
		var callErr *types.CallError
		if errors.As(err, &callErr) {
			msg = callErr.Error()
		}
		writeError(w, http.StatusInternalServerError, msg)
	}
}

// queryFromRequest merges the caller's query parameters with the
// path-derived DICOM identifiers.
func queryFromRequest(r *http.Request, format string) map[string]string {
	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	for param, key := range map[string]string{
		"study":    "StudyInstanceUID",
		"series":   "SeriesInstanceUID",
		"instance": "SOPInstanceUID",
	} {
		if v := chi.URLParam(r, param); v != "" {
			query[key] = v
		}
	}
	if format != "" {
		query["dataFormat"] = format
	}
	return query
}

// writeError writes a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
