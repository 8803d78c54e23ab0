package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/auth"
	"github.com/triage-ai/semgate/internal/tools"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-Id"

// authMiddleware resolves the caller identity and stores it in the request
// context.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.Auth.Authenticate(r)
		if err != nil {
			if errors.Is(err, auth.ErrAuthUnavailable) {
				d.Logger.Warn("auth backend unavailable", zap.Error(err))
				writeError(w, apperror.New(apperror.KindNotReady, "AUTH_UNAVAILABLE", "authentication is temporarily unavailable"))
				return
			}
			d.Logger.Info("auth failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, apperror.New(apperror.KindUnauthenticated, "UNAUTHENTICATED", err.Error()))
			return
		}
		next(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	}
}

// requestID propagates the caller's X-Request-Id or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(tools.WithRequestID(r.Context(), id)))
	})
}

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.String("request_id", tools.RequestID(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError renders err as {code, message, kind, details, suggestions,
// retryable}. Errors without a kind are reported as internal.
func writeError(w http.ResponseWriter, err error) {
	e, ok := apperror.As(err)
	if !ok {
		e = apperror.New(apperror.KindInternal, "INTERNAL_ERROR", "internal error")
	}
	writeJSON(w, apperror.HTTPStatus(e.Kind), e)
}

func queryInt(q interface{ Get(string) string }, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
