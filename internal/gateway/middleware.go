package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/observability"
	"github.com/threadline-ai/threadline/pkg/models"
)

// userHandler is an authenticated endpoint: the resolved user arrives as an
// argument instead of being re-read from the context in every handler.
type userHandler func(w http.ResponseWriter, r *http.Request, user *models.User)

// authenticated resolves the caller before the handler runs and stamps the
// request context with a request id and the user id for log correlation.
// The request id is echoed in the X-Request-ID response header so clients
// can quote it when reporting a failure.
func (s *Server) authenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithRequestID(r.Context(), uuid.NewString())
		w.Header().Set("X-Request-ID", observability.RequestIDFrom(ctx))

		user, err := s.auth.Authenticate(r.WithContext(ctx))
		if err != nil {
			s.log.Warn(ctx, "request rejected", "error", err, "path", r.URL.Path)
			writeUnauthenticated(w)
			return
		}

		ctx = observability.WithUserID(ctx, user.ID.String())
		ctx = auth.WithUser(ctx, user)
		next(w, r.WithContext(ctx), user)
	})
}

// statusRecorder captures the response status for the request metrics. It
// passes Flush through so the SSE path keeps working behind the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(
				r.Method,
				r.URL.Path,
				strconv.Itoa(rec.status),
				time.Since(started).Seconds(),
			)
		}
	})
}
