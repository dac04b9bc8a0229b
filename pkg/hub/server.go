package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/opendx28/slicerhub/pkg/log"
	"github.com/opendx28/slicerhub/pkg/metrics"
	"github.com/opendx28/slicerhub/pkg/store"
)

// Server is the hub's HTTP surface.
type Server struct {
	hub    *Hub
	router *mux.Router
	logger zerolog.Logger
}

// NewServer builds the router around the hub.
func NewServer(h *Hub) *Server {
	s := &Server{
		hub:    h,
		logger: log.WithComponent("http"),
	}

	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleLanding).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLoginForm).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/share", s.handleShare).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/unshare", s.handleUnshare).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/close", s.handleClose).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	// the proxy's root route forwards anything unmatched here
	r.NotFoundHandler = s.instrument(http.HandlerFunc(s.handleFallback))

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()

		next.ServeHTTP(rec, r)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method).Observe(timer.Duration().Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("Request handled")
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/index.html", http.StatusFound)
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.hub.Store().ListSessions()
	if err != nil {
		s.errorPage(w, http.StatusInternalServerError, "Hub error", "Could not list sessions.")
		return
	}
	page, err := renderLanding(sessions, false)
	if err != nil {
		s.errorPage(w, http.StatusInternalServerError, "Hub error", "Could not render the landing page.")
		return
	}
	s.writeHTML(w, http.StatusOK, page)
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	page, err := renderLogin("")
	if err != nil {
		s.errorPage(w, http.StatusInternalServerError, "Hub error", "Could not render the login page.")
		return
	}
	s.writeHTML(w, http.StatusOK, page)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.errorPage(w, http.StatusBadRequest, "Bad request", "Malformed login form.")
		return
	}
	user := r.PostFormValue("username")
	password := r.PostFormValue("password")

	ok, err := s.hub.creds.Verify(r.Context(), user, password)
	if err != nil {
		s.errorPage(w, http.StatusInternalServerError, "Hub error", "Credential check failed, try again.")
		return
	}
	if !ok {
		metrics.LoginFailuresTotal.WithLabelValues("auth").Inc()
		s.loginError(w, http.StatusUnauthorized, "Invalid username or password.")
		return
	}

	session, _, err := s.hub.EnsureSession(r.Context(), user)
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		metrics.LoginFailuresTotal.WithLabelValues("capacity").Inc()
		s.loginError(w, http.StatusUnauthorized, "The hub is at capacity, try again later.")
		return
	case err != nil:
		metrics.LoginFailuresTotal.WithLabelValues("launch").Inc()
		s.logger.Error().Err(err).Str("user", user).Msg("Session launch failed")
		s.errorPage(w, http.StatusInternalServerError, "Launch failed",
			"Your session could not be started. Nothing was left behind; try again.")
		return
	}

	http.Redirect(w, r, "/sessions/"+session.ID, http.StatusFound)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.hub.Store().GetSession(id)
	if errors.Is(err, store.ErrSessionNotFound) {
		s.errorPage(w, http.StatusNotFound, "Not found", "No such session.")
		return
	}
	if err != nil {
		s.errorPage(w, http.StatusInternalServerError, "Hub error", "Could not load the session.")
		return
	}

	page, err := renderSession(session, s.hub.BaseURL())
	if err != nil {
		s.errorPage(w, http.StatusInternalServerError, "Hub error", "Could not render the session page.")
		return
	}
	s.writeHTML(w, http.StatusOK, page)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	s.setShared(w, r, true)
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	s.setShared(w, r, false)
}

func (s *Server) setShared(w http.ResponseWriter, r *http.Request, shared bool) {
	id := mux.Vars(r)["id"]
	interactive := r.FormValue("interactive") == "1"

	_, err := s.hub.SetShared(r.Context(), id, shared, interactive)
	if errors.Is(err, store.ErrSessionNotFound) {
		s.errorPage(w, http.StatusNotFound, "Not found", "No such session.")
		return
	}
	if err != nil {
		s.errorPage(w, http.StatusInternalServerError, "Hub error", "Could not update the session.")
		return
	}
	http.Redirect(w, r, "/sessions/"+id, http.StatusFound)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.hub.Close(r.Context(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		s.errorPage(w, http.StatusNotFound, "Not found", "No such session.")
		return
	}
	if err != nil {
		s.errorPage(w, http.StatusInternalServerError, "Hub error", "Could not close the session.")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// handleFallback answers unmatched paths with an informational page. The
// proxy's root location forwards everything it has no session route for,
// so this is what a visitor sees on a stale or mistyped link.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	page, err := renderMessage("3D Slicer Hub",
		"This address does not belong to a live session. Log in to start one.")
	if err != nil {
		http.Error(w, "hub error", http.StatusInternalServerError)
		return
	}
	s.writeHTML(w, http.StatusOK, page)
}

func (s *Server) loginError(w http.ResponseWriter, status int, message string) {
	page, err := renderLogin(message)
	if err != nil {
		http.Error(w, message, status)
		return
	}
	s.writeHTML(w, status, page)
}

func (s *Server) errorPage(w http.ResponseWriter, status int, title, message string) {
	page, err := renderMessage(title, message)
	if err != nil {
		http.Error(w, message, status)
		return
	}
	s.writeHTML(w, status, page)
}

func (s *Server) writeHTML(w http.ResponseWriter, status int, page []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(page)
}
