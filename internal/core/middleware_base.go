package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"propcanvas/internal/types"
)

// statusRecorder wraps http.ResponseWriter so logging and metrics middleware
// can observe the status code after the handler chain has run.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.status = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write records the implicit 200 when a handler writes a body without
// calling WriteHeader first.
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.status = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Recoverer converts a panic anywhere in the handler chain into a logged
// stack trace and a standard 500 envelope. It must be the outermost
// middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}

			s.Logger.Error("panic recovered",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("panic", fmt.Sprintf("%v", rvr)),
				slog.String("stack", string(debug.Stack())),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			// Hand-formatted payload: json.Marshal could itself panic here.
			body := fmt.Sprintf(`{"error":{"code":%q,"message":"an unexpected error occurred","request_id":%q}}`,
				string(types.ErrCodeInternalUnexpected),
				types.GetRequestID(r.Context()),
			)
			_, _ = w.Write([]byte(body))
		}()

		next.ServeHTTP(w, r)
	})
}

// RequestLogger emits one structured line per request with method, path,
// status, duration, and request id. Headers named in redactedHeaders
// (webhook signatures, credentials) are logged as [REDACTED]; every other
// header is logged verbatim to keep provider-callback debugging possible.
func RequestLogger(logger *slog.Logger, redactedHeaders []string) func(http.Handler) http.Handler {
	redacted := make(map[string]struct{}, len(redactedHeaders))
	for _, h := range redactedHeaders {
		redacted[strings.ToLower(h)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sr, r)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sr.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if reqID := types.GetRequestID(r.Context()); reqID != "" {
				args = append(args, slog.String("request_id", reqID))
			}

			var headerArgs []any
			for name, values := range r.Header {
				if _, hide := redacted[strings.ToLower(name)]; hide {
					headerArgs = append(headerArgs, slog.String(name, "[REDACTED]"))
					continue
				}
				headerArgs = append(headerArgs, slog.String(name, strings.Join(values, ", ")))
			}
			if len(headerArgs) > 0 {
				args = append(args, slog.Group("headers", headerArgs...))
			}

			switch {
			case sr.status >= 500:
				logger.Error("request completed", args...)
			case sr.status >= 400:
				logger.Warn("request completed", args...)
			default:
				logger.Info("request completed", args...)
			}
		})
	}
}

// MetricsMiddleware records latency and count per route. The chi route
// pattern ("/v1/billing/subscriptions/{id}") is used instead of the raw URL
// path so path parameters do not explode metric cardinality. A nil Metrics
// collector disables recording.
func (s *Server) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sr, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}

		s.Metrics.RecordRequest(r.Method, endpoint, strconv.Itoa(sr.status), time.Since(start))
	})
}

// SecurityHeadersMiddleware sets baseline security headers on every
// response, including error responses produced further down the chain.
func (s *Server) SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

// NewCORSMiddleware answers preflight requests and sets Access-Control
// headers for allowed origins. A "*" entry allows everything; otherwise the
// Origin header must match an entry exactly. Webhook callbacks are
// server-to-server and never carry an Origin, so they pass through
// untouched.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
		origins[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := ""
			switch {
			case allowAll:
				allowed = "*"
			case origin != "":
				if _, ok := origins[origin]; ok {
					allowed = origin
				}
			}

			if allowed != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", allowed)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
				h.Set("Access-Control-Expose-Headers", "X-Request-Id")
				h.Set("Access-Control-Max-Age", "86400")
				h.Set("Access-Control-Allow-Credentials", "true")
				if allowed != "*" {
					h.Set("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
