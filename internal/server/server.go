package server

import (
	"net/http"

	"github.com/ctwatch/ctwatch/internal/utils"
	"github.com/ctwatch/ctwatch/pkg/cancel"
	"github.com/ctwatch/ctwatch/pkg/pipeline"
	"github.com/ctwatch/ctwatch/pkg/storage"
)

type Server struct {
	DB           *storage.DB
	Orchestrator *pipeline.Orchestrator
	Registry     *cancel.Registry
	Username     string
	Password     string
}

func New(db *storage.DB, orch *pipeline.Orchestrator, reg *cancel.Registry, user, pass string) *Server {
	return &Server{
		DB:           db,
		Orchestrator: orch,
		Registry:     reg,
		Username:     user,
		Password:     pass,
	}
}

func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/refresh", s.basicAuth(s.handleRefresh))
	mux.HandleFunc("POST /api/cancel", s.basicAuth(s.handleCancel))
	mux.HandleFunc("GET /api/status", s.basicAuth(s.handleStatus))
	mux.HandleFunc("GET /api/records", s.basicAuth(s.handleRecords))

	utils.Log.Infof("Starting status server on %s", addr)
	return http.ListenAndServe(addr, mux)
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
