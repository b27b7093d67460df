// Package web serves the bot's small HTTP surface: a liveness probe and a
// version endpoint, used by the deployment environment.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gobridge/herald/bot"
)

// Server is the HTTP side of the bot.
type Server struct {
	addr    string
	version string
	logf    bot.Logger
}

// New constructs a *Server listening on addr.
func New(addr, version string, logf bot.Logger) *Server {
	return &Server{
		addr:    addr,
		version: version,
		logf:    logf,
	}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	r.HandleFunc("/version", s.handleVersion).Methods("GET")

	srv := &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	errc := make(chan error, 1)
	go func() {
		s.logf("http: listening on %s", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.version))
}
