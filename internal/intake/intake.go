// Package intake is the HTTP API accepting job submissions.
package intake

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/oss-compass/openchecker/internal/auth"
	"github.com/oss-compass/openchecker/internal/broker"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
)

const defaultMaxBody = 1 << 20

// Publisher is implemented by broker.Publisher.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg broker.Message) error
	Ping(ctx context.Context) error
}

type Config struct {
	Directory *auth.Directory
	Issuer    *auth.Issuer
	Publisher Publisher
	// Queue receives the accepted jobs.
	Queue string
	// MaxBody caps request bodies, 1 MiB when zero.
	MaxBody int64
	// NewID generates task ids, uuid v4 when nil.
	NewID func() string
}

type Server struct {
	dir     *auth.Directory
	issuer  *auth.Issuer
	pub     Publisher
	queue   string
	maxBody int64
	newID   func() string
}

func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Directory == nil:
		return nil, errors.New("intake: user directory is nil")
	case cfg.Issuer == nil:
		return nil, errors.New("intake: token issuer is nil")
	case cfg.Publisher == nil:
		return nil, errors.New("intake: publisher is nil")
	case cfg.Queue == "":
		return nil, errors.New("intake: queue is empty")
	}
	s := &Server{
		dir:     cfg.Directory,
		issuer:  cfg.Issuer,
		pub:     cfg.Publisher,
		queue:   cfg.Queue,
		maxBody: cfg.MaxBody,
		newID:   cfg.NewID,
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBody
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// Handler returns the routes of the intake API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(s.maxBody))

	r.Get("/healthz", s.healthz)
	r.Post("/auth", s.authenticate)
	r.Group(func(r chi.Router) {
		r.Use(s.bearer)
		r.Post("/opencheck", s.submit)
		r.Get("/test", s.echo)
		r.Post("/test", s.echo)
	})
	return r
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errs := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "intake listening", "addr", addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.pub.Ping(ctx); err != nil {
		slog.WarnContext(r.Context(), "broker unreachable", "error", err)
		fail(w, r, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// echo returns the request body, or the query parameters of a body-less request.
func (s *Server) echo(w http.ResponseWriter, r *http.Request) {
	var body any
	if r.ContentLength != 0 && r.Body != nil {
		if err := render.DecodeJSON(r.Body, &body); err != nil {
			fail(w, r, http.StatusBadRequest, "invalid json")
			return
		}
	}
	user, _ := userFrom(r.Context())
	render.JSON(w, r, map[string]any{
		"method":  r.Method,
		"user_id": user.ID,
		"query":   r.URL.Query(),
		"body":    body,
	})
}

func fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
