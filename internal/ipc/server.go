package ipc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/domain"
)

// Server wraps an HTTP server with HiveForge routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to cfg.ListenAddr.
func NewServer(h *Handler, cfg config.ServerConfig) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           Routes(h, cfg.RateLimitPerMinute),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Routes builds the API handler. A non-positive perMinute disables rate
// limiting.
func Routes(h *Handler, perMinute int) http.Handler {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Thread endpoints.
	mux.HandleFunc("GET /api/v1/threads", h.ListThreads)
	mux.HandleFunc("GET /api/v1/threads/{threadID}", h.GetThread)
	mux.HandleFunc("GET /api/v1/threads/{threadID}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/threads/{threadID}/events/stream", h.StreamEvents)

	// Intake and inspection.
	mux.HandleFunc("POST /api/v1/issues", h.CreateIssue)
	mux.HandleFunc("GET /api/v1/mail/{recipient}", h.ListMail)
	mux.HandleFunc("GET /api/v1/beads", h.ListBeads)
	mux.HandleFunc("GET /api/v1/events", h.TailEvents)

	mux.Handle("GET /metrics", h.Metrics.Handler())

	var handler http.Handler = mux
	if perMinute > 0 {
		handler = rateLimitMiddleware(rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute), handler)
	}
	return corsMiddleware(handler)
}

// Start begins listening for HTTP connections. Blocks until the server stops.
// A graceful shutdown is not reported as an error.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local dashboard access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects requests beyond the limiter's budget with 429.
func rateLimitMiddleware(l *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, domain.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
