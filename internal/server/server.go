// Package server exposes the annotation service over HTTP: listing with
// visibility applied, creation, bulk save, verification, deletion,
// leaderboard, reference features, and CSV export.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/planetatlas/atlas-cli/internal/access"
	"github.com/planetatlas/atlas-cli/internal/annotation"
	"github.com/planetatlas/atlas-cli/internal/reference"
	"github.com/planetatlas/atlas-cli/internal/session"
	"github.com/planetatlas/atlas-cli/internal/store"
	atlassync "github.com/planetatlas/atlas-cli/internal/sync"
)

// identityHeader carries the caller's user id. An absent header means
// an anonymous viewer. Roles are never read from the client; they are
// resolved from the role table per request.
const identityHeader = "X-User-ID"

// Server holds the HTTP handler dependencies.
type Server struct {
	store    store.Store
	access   *access.Controller
	features *reference.Loader
	palette  *reference.Palette
	origins  []string
	log      *zap.Logger
}

// New wires a Server. origins configures CORS; empty means allow all.
func New(st store.Store, ac *access.Controller, features *reference.Loader, origins []string) *Server {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		store:    st,
		access:   ac,
		features: features,
		palette:  reference.NewPalette(),
		origins:  origins,
		log:      zap.L().With(zap.String("component", "server")),
	}
}

// SetPalette replaces the default marker palette.
func (s *Server) SetPalette(p *reference.Palette) {
	s.palette = p
}

// Router builds the chi router with CORS for browser clients.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type", identityHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/annotations", s.handleList)
		r.Post("/annotations", s.handleCreate)
		r.Put("/annotations/bulk", s.handleBulkSave)
		r.Delete("/annotations/{id}", s.handleDelete)
		r.Post("/annotations/{id}/verify", s.handleVerify)
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/features", s.handleFeatures)
		r.Get("/export", s.handleExport)
	})

	return r
}

func (s *Server) session(r *http.Request) (session.Session, error) {
	uid := r.Header.Get(identityHeader)
	if uid == "" {
		return session.Anonymous(), nil
	}
	return s.access.ResolveSession(r.Context(), uid)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	explorerContext := r.URL.Query().Get("context")
	if explorerContext == "" {
		writeError(w, http.StatusBadRequest, "context is required")
		return
	}

	sess, err := s.session(r)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	items, err := s.store.ListAnnotations(r.Context(), explorerContext, store.Viewer{
		UserID:   sess.UserID,
		Reviewer: sess.Reviewer,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if items == nil {
		items = []annotation.Annotation{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !sess.Authenticated() {
		writeError(w, http.StatusUnauthorized, "sign in to save annotations")
		return
	}

	var a annotation.Annotation
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := normalizeIncoming(&a); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.OwnerID = &sess.UserID
	a.Verified = false
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	id, err := s.store.InsertAnnotation(r.Context(), &a)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	a.ID = id
	a.Sync = annotation.SyncSynced
	writeJSON(w, http.StatusCreated, a)
}

// normalizeIncoming applies the same label and note rules the drawing
// machine enforces: a box must carry a label, and all free text is
// trimmed and capped.
func normalizeIncoming(a *annotation.Annotation) error {
	if a.Rect != nil || a.Label != "" {
		label, err := annotation.NormalizeLabel(a.Label)
		if err != nil {
			return err
		}
		a.Label = label
	}
	a.Notes = annotation.NormalizeNotes(a.Notes)
	return nil
}

func (s *Server) handleBulkSave(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !sess.Authenticated() {
		writeError(w, http.StatusUnauthorized, "sign in to save annotations")
		return
	}

	var req struct {
		Context string                  `json:"context"`
		Items   []annotation.Annotation `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Context == "" {
		writeError(w, http.StatusBadRequest, "context is required")
		return
	}
	for i := range req.Items {
		req.Items[i].Context = req.Context
		req.Items[i].OwnerID = &sess.UserID
		if err := normalizeIncoming(&req.Items[i]); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := req.Items[i].Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.store.ReplaceUserAnnotations(r.Context(), sess.UserID, req.Context, req.Items); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"saved": len(req.Items)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	a, err := s.store.GetAnnotation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "annotation not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	if !access.CanDelete(a, sess) {
		writeError(w, http.StatusForbidden, "not allowed to delete this annotation")
		return
	}
	if err := s.store.DeleteAnnotation(r.Context(), id); err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	a, err := s.store.GetAnnotation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "annotation not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	err = s.access.Verify(r.Context(), a, sess)
	switch {
	case errors.Is(err, access.ErrForbidden):
		writeError(w, http.StatusForbidden, "reviewer role required")
	case errors.Is(err, access.ErrAlreadyVerified):
		writeError(w, http.StatusConflict, "already verified")
	case err != nil:
		s.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	ranks, err := s.access.Leaderboard(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if ranks == nil {
		ranks = []store.Rank{}
	}
	writeJSON(w, http.StatusOK, ranks)
}

// featureView is a reference feature plus its resolved marker color.
type featureView struct {
	reference.Feature
	Color string `json:"color"`
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := s.features.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "reference catalog unavailable")
		return
	}
	out := make([]featureView, 0, len(features))
	for _, f := range features {
		out = append(out, featureView{Feature: f, Color: s.palette.ColorFor(f.Category)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	explorerContext := r.URL.Query().Get("context")
	if explorerContext == "" {
		writeError(w, http.StatusBadRequest, "context is required")
		return
	}

	sess, err := s.session(r)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	items, err := s.store.ListAnnotations(r.Context(), explorerContext, store.Viewer{
		UserID:   sess.UserID,
		Reviewer: sess.Reviewer,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	if len(items) == 0 {
		writeError(w, http.StatusNotFound, "nothing to export")
		return
	}

	filename := atlassync.ExportFilename(explorerContext+"-annotations", "csv", time.Now())
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := atlassync.ExportCSV(w, items); err != nil {
		s.log.Error("csv export failed", zap.Error(err))
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
