// Package httpapi serves the client-facing HTTP API backed by a docdb.DB.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docraft/docraft/internal/docdb"
	"github.com/docraft/docraft/internal/docstore"
	"github.com/docraft/docraft/internal/raft"
	"github.com/docraft/docraft/internal/types"
)

// Server serves the HTTP API backed by a DB.
type Server struct {
	db *docdb.DB
}

func New(db *docdb.DB) *Server {
	return &Server{db: db}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Get("/metrics", s.Metrics)
	r.Route("/collections/{collection}", func(r chi.Router) {
		r.Get("/", s.Find)
		r.Post("/", s.Create)
		r.Patch("/{id}", s.Update)
		r.Delete("/{id}", s.Delete)
	})
	return r
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.db.Status())
}

func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state_machine": s.db.Metrics(),
		"peers":         s.db.PeerMetrics(),
	})
}

func (s *Server) Create(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	res, err := s.db.Create(r.Context(), collection, doc)
	s.writeApplyResult(w, res, err)
}

func (s *Server) Update(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	res, err := s.db.Update(r.Context(), collection, id, updates)
	s.writeApplyResult(w, res, err)
}

func (s *Server) Delete(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")
	res, err := s.db.Delete(r.Context(), collection, id)
	s.writeApplyResult(w, res, err)
}

func (s *Server) Find(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	query := make(map[string]any)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	docs, err := s.db.Find(collection, query)
	if err != nil {
		if errors.Is(err, docstore.ErrCollectionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "read_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": docs})
}

func (s *Server) writeApplyResult(w http.ResponseWriter, res types.ApplyResult, err error) {
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			writeJSON(w, http.StatusMisdirectedRequest, map[string]any{
				"ok":          false,
				"err_code":    "not_leader",
				"leader_hint": s.db.LeaderHint(),
			})
			return
		}
		writeError(w, http.StatusServiceUnavailable, "propose_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "err_code": errCode, "err_msg": msg})
}
