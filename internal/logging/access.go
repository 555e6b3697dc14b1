// Package logging writes one structured line per served HTTP request.
package logging

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"ai_routing/internal/utils"
)

// RequestLog is what gets logged for a request. Bodies and headers are
// never logged since they carry provider secrets.
type RequestLog struct {
	RequestID  string
	Method     string
	Path       string
	Status     int
	Bytes      int
	Duration   time.Duration
	RemoteAddr string
}

func (l RequestLog) keyvals() []interface{} {
	return []interface{}{
		"request_id", l.RequestID,
		"method", l.Method,
		"path", l.Path,
		"status", l.Status,
		"bytes", l.Bytes,
		"duration_ms", l.Duration.Milliseconds(),
		"remote_addr", l.RemoteAddr,
	}
}

// AccessLog logs every request after it completes. Server errors log at
// error level, client errors at warn.
func AccessLog(logger *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := RequestLog{
				RequestID:  chimw.GetReqID(r.Context()),
				Method:     r.Method,
				Path:       r.URL.Path,
				Status:     status,
				Bytes:      ww.BytesWritten(),
				Duration:   time.Since(start),
				RemoteAddr: r.RemoteAddr,
			}
			switch {
			case status >= 500:
				logger.Error("Request served", entry.keyvals()...)
			case status >= 400:
				logger.Warn("Request served", entry.keyvals()...)
			default:
				logger.Debug("Request served", entry.keyvals()...)
			}
		})
	}
}
