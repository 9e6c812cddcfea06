// Package server exposes plan review and approval over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/sw33tLie/shelfsync/internal/utils"
	"github.com/sw33tLie/shelfsync/pkg/engine"
)

type Server struct {
	Engine   *engine.Engine
	Username string
	Password string
}

func New(e *engine.Engine, user, pass string) *Server {
	return &Server{
		Engine:   e,
		Username: user,
		Password: pass,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/stats", s.basicAuth(s.handleStats))
	mux.HandleFunc("GET /api/plans", s.basicAuth(s.handlePlans))
	mux.HandleFunc("GET /api/plans/{id}", s.basicAuth(s.handlePlan))
	mux.HandleFunc("POST /api/plans/{id}/approve", s.basicAuth(s.handleApprove))
	mux.HandleFunc("POST /api/plans/{id}/apply", s.basicAuth(s.handleApply))
	mux.HandleFunc("POST /api/plans/{id}/recover", s.basicAuth(s.handleRecover))
	mux.HandleFunc("POST /api/automap", s.basicAuth(s.handleAutoMap))
	mux.HandleFunc("GET /api/audit", s.basicAuth(s.handleAudit))

	return mux
}

func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	utils.Log.Infof("Starting server on %s", addr)
	return srv.ListenAndServe()
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Username == "" && s.Password == "" {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
