// Package server exposes the scan pipeline over HTTP and websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pagewatch/platform/internal/apperr"
	"github.com/pagewatch/platform/internal/scanner"
	"github.com/pagewatch/platform/internal/session"
	"github.com/pagewatch/platform/internal/trace"
	"github.com/pagewatch/platform/internal/vision"
)

// Server hosts the REST endpoints and event stream. It also implements
// scanner.Hooks so loop events reach websocket clients.
type Server struct {
	orch *scanner.Orchestrator
	mgr  *session.Manager
	hub  *Hub
}

func New(orch *scanner.Orchestrator, mgr *session.Manager) *Server {
	return &Server{orch: orch, mgr: mgr, hub: NewHub()}
}

// Attach sets the orchestrator after construction. The server doubles as
// the orchestrator's hooks, so the two are wired in two steps.
func (s *Server) Attach(orch *scanner.Orchestrator) { s.orch = orch }

// Hub exposes the event hub for teardown.
func (s *Server) Hub() *Hub { return s.hub }

// OnSnapshot implements scanner.Hooks.
func (s *Server) OnSnapshot(text, imagePath string) {
	s.hub.Broadcast(Event{Type: "snapshot", Text: text, ImagePath: imagePath})
}

// OnPageTurn implements scanner.Hooks.
func (s *Server) OnPageTurn(count int) {
	s.hub.Broadcast(Event{Type: "page_turn", PageCount: count})
}

// OnPageInfo receives vision results: the session title is updated when
// the model named the book, and the result is broadcast.
func (s *Server) OnPageInfo(info vision.PageInfo) {
	if info.BookTitle != "" {
		if err := s.mgr.SetBookTitle(context.Background(), info.BookTitle); err != nil {
			slog.Debug("book title update skipped", "error", err)
		}
	}
	s.hub.Broadcast(Event{Type: "page_info", Payload: info})
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(trace.Middleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/scan", s.handleScan)
		r.Post("/scan/start", s.handleScanStart)
		r.Post("/scan/stop", s.handleScanStop)
		r.Post("/session/start", s.handleSessionStart)
		r.Post("/session/end", s.handleSessionEnd)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}/snapshots", s.handleSnapshots)
	})
	r.Get("/ws", s.hub.Handle)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	resp := map[string]any{
		"running":    st.Running,
		"page_count": st.PageCount,
		"last_text":  st.LastText,
	}
	if sess, ok := s.mgr.Current(); ok {
		resp["session"] = sess
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.ManualTrigger(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	s.orch.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookTitle string `json:"book_title"`
	}
	if r.Body != nil {
		// Empty body means an untitled session.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sess, err := s.mgr.Start(r.Context(), req.BookTitle)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.orch.BindSession(sess.ID)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	s.orch.UnbindSession()
	if err := s.mgr.End(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.mgr.Store().ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []session.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.mgr.Store().GetSession(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	snaps, err := s.mgr.Store().ListSnapshots(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if snaps == nil {
		snaps = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(apperr.CodeOf(err)),
	})
}
