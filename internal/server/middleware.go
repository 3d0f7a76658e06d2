package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// requestLogger logs method, path, status, and duration for each request.
func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}

// recoverer converts handler panics into 500s instead of dropped
// connections.
func recoverer(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeError maps a typed error onto the wire: taxonomy code → status, with
// a JSON body naming the code.
func writeError(w http.ResponseWriter, err error) {
	code := oxerr.CodeOf(err)
	status := code.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  code.String(),
	})
}

// writeJSON serializes a 200 response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSONBody decodes a JSON request body, typing malformed input.
func decodeJSONBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return oxerr.InvalidInput("malformed request body: %v", err)
	}
	return nil
}

// pathHash parses the {hash} path value, answering 400 on malformed input.
func pathHash(w http.ResponseWriter, r *http.Request) (hasher.Hash, bool) {
	h, err := hasher.Parse(r.PathValue("hash"))
	if err != nil {
		writeError(w, err)
		return hasher.Zero, false
	}
	return h, true
}
