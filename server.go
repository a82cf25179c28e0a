package cachingproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Server exposes a handler on http://localhost:<port>/.
// Every path and method under that prefix reaches the handler.
type Server struct {
	http *http.Server
	port int
}

// NewServer wraps the handler with request logging and routes everything to it.
func NewServer(handler http.Handler, port int, logger zerolog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(
		hlog.NewHandler(logger),
		// the request id goes to the log only, no header is added to the response
		hlog.RequestIDHandler("req_id", ""),
		hlog.AccessHandler(logAccess),
	)
	router.Handle("/*", handler)
	// chi only routes its own method table, anything else lands here
	router.MethodNotAllowed(handler.ServeHTTP)

	return &Server{
		http: &http.Server{
			Addr:    fmt.Sprintf("localhost:%d", port),
			Handler: router,
		},
		port: port,
	}
}

func logAccess(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("Sent response to client")
}

// URL returns the prefix the server answers on.
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d/", s.port)
}

// Addr returns the local address the server binds to.
func (s *Server) Addr() string {
	return s.http.Addr
}

// ListenAndServe binds the local port and serves until Shutdown is called.
// It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	return ignoreClosed(s.http.ListenAndServe())
}

// Serve serves on an already bound listener until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	return ignoreClosed(s.http.Serve(l))
}

// Shutdown stops accepting connections and waits for in-flight requests
// until the context is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func getRequestSourceIp(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
