package httpapi

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/ratelimit"
	"github.com/blobgate/blobgate/internal/server/auth"
)

type ctxKey int

const ownerIDKey ctxKey = iota

// ownerID returns the authenticated owner from the request context.
func ownerID(ctx context.Context) string {
	id, _ := ctx.Value(ownerIDKey).(string)
	return id
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// withAuth validates the bearer token and stashes the owner id in the
// context. No token, no service.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(common.AuthorizationHeaderName)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(r.Context(), w, common.ErrNotAuthenticated)
			return
		}

		id, err := auth.GetOwnerIDFromToken(token, []byte(s.config.SecretKey))
		if err != nil {
			s.writeError(r.Context(), w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ownerIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRateLimit checks the principal's bucket for the route's class. The
// principal is the authenticated owner, or the client address on public
// routes. X-RateLimit headers go out on every limited response.
func (s *Server) withRateLimit(class ratelimit.Class, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := ownerID(r.Context())
		if principal == "" {
			principal = clientAddr(r)
		}

		d, err := s.limiter.Allow(r.Context(), principal, class)
		if err != nil {
			// The limiter stack already fell back to local buckets; an error
			// here is unexpected. Failing open keeps the service usable.
			s.logger.Error(r.Context(), "rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		if d.Limit >= 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(d.Reset.Seconds())), 10))
		}

		if !d.Allowed {
			s.writeJSON(r.Context(), w, http.StatusTooManyRequests, map[string]any{
				"error":     "Throttled",
				"message":   "rate limit exceeded, try again later",
				"limitType": string(class),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
