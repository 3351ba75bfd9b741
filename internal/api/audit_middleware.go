package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/example/teller-assist/internal/auth"
	"github.com/example/teller-assist/internal/security"
	"github.com/example/teller-assist/pkg/audit"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// auditSlot is filled in by recordAuditActor once the caller is
// authenticated further down the chain.
type auditSlot struct {
	clientID string
}

type auditSlotKey struct{}

func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			slot := &auditSlot{}

			start := time.Now()
			next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), auditSlotKey{}, slot)))
			dur := time.Since(start)

			a.Append(audit.Event{
				Kind:          "http",
				CorrelationID: security.CorrelationIDFromContext(r.Context()),
				Actor:         slot.clientID,
				Action:        r.Method,
				Subject:       r.URL.Path,
				Outcome:       strconv.Itoa(sw.status),
				Fields: map[string]string{
					"peer":   security.ClientCertSubject(r),
					"dur_ms": strconv.FormatInt(dur.Milliseconds(), 10),
				},
			})
		})
	}
}

func recordAuditActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slot, ok := r.Context().Value(auditSlotKey{}).(*auditSlot); ok {
			if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
				slot.clientID = ai.ClientID
			}
		}
		next.ServeHTTP(w, r)
	})
}
