package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rescal/internal/config"
	"rescal/internal/ics"
	appLog "rescal/internal/log"
	"rescal/internal/model"
)

// Aggregator produces the merged reservation calendar.
type Aggregator interface {
	Aggregate(ctx context.Context, cutoff time.Time, locations []string) (string, error)
	Collect(ctx context.Context, cutoff time.Time, locations []string) ([]model.Event, error)
}

const banner = "iCal Aggregator is running. Access the feed at /reservations.ical"

// Server serves the merged calendar over HTTP.
type Server struct {
	cfg  *config.Config
	mux  *http.ServeMux
	live Aggregator
	// demo serves the static reservation list; nil disables /demo.ical.
	demo Aggregator
	now  func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, live, demo Aggregator) *Server {
	s := &Server{
		cfg:  cfg,
		mux:  http.NewServeMux(),
		live: live,
		demo: demo,
		now:  time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return logRequests(h)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="rescal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// logRequests logs one line per request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		appLog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

// StartServer serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func StartServer(ctx context.Context, cfg *config.Config, live, demo Aggregator) error {
	s := NewServer(cfg, live, demo)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /reservations.ical", s.calendarHandler(func() Aggregator { return s.live }))
	s.mux.HandleFunc("GET /reservations.ics", s.calendarHandler(func() Aggregator { return s.live }))
	s.mux.HandleFunc("GET /demo.ical", s.calendarHandler(func() Aggregator { return s.demo }))
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(banner))
}

// calendarHandler serves the merged calendar of the selected aggregator.
//
// GET /reservations.ical?startDate=2025-01-01&locations=Putnam&locations=Whitcomb
//   - startDate (alias startDateParam): RFC3339 or YYYY-MM-DD, default now
//     minus lookback_days
//   - locations (alias locationsParam): owner name substrings, repeatable
func (s *Server) calendarHandler(pick func() Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agg := pick()
		if agg == nil {
			http.NotFound(w, r)
			return
		}

		cutoff, locations, err := s.parseQuery(r)
		if err != nil {
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
			return
		}

		body, err := agg.Aggregate(r.Context(), cutoff, locations)
		if err != nil {
			appLog.Error("calendar aggregation failed", err, "path", r.URL.Path)
			http.Error(w, "Internal Server Error: Could not generate iCal feed.", http.StatusInternalServerError)
			return
		}

		h := w.Header()
		h.Set("Content-Type", "text/calendar; charset=utf-8")
		h.Set("Content-Disposition", `attachment; filename="reservations.ics"`)
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}
}

// eventDTO is a JSON-friendly view of a merged event.
type eventDTO struct {
	ReservationID string    `json:"reservation_id"`
	Owner         string    `json:"owner"`
	UID           string    `json:"uid"`
	Summary       string    `json:"summary"`
	Description   string    `json:"description"`
	Location      string    `json:"location"`
	URL           string    `json:"url"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end,omitzero"`
}

type eventsResponse struct {
	Events []eventDTO `json:"events"`
	Cutoff time.Time  `json:"cutoff"`
}

// handleEvents returns the merged live events as JSON, using the same query
// parameters as the calendar routes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cutoff, locations, err := s.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.live.Collect(r.Context(), cutoff, locations)
	if err != nil {
		appLog.Error("api events: aggregation failed", err)
		writeError(w, http.StatusInternalServerError, "failed to aggregate reservations")
		return
	}

	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		c := ev.Component
		uid, _ := c.First(ics.PropUID)
		url, _ := c.First(ics.PropURL)
		dtos = append(dtos, eventDTO{
			ReservationID: ev.Reservation.ID,
			Owner:         ev.Reservation.OwnerName,
			UID:           uid,
			Summary:       c.Text(ics.PropSummary),
			Description:   c.Text(ics.PropDescription),
			Location:      c.Text(ics.PropLocation),
			URL:           url,
			Start:         ev.Start,
			End:           ev.End,
		})
	}

	writeJSON(w, http.StatusOK, eventsResponse{Events: dtos, Cutoff: cutoff})
}

// parseQuery reads the cutoff date and location filters.
func (s *Server) parseQuery(r *http.Request) (time.Time, []string, error) {
	q := r.URL.Query()

	raw := strings.TrimSpace(q.Get("startDate"))
	if raw == "" {
		raw = strings.TrimSpace(q.Get("startDateParam"))
	}
	cutoff := s.now().Add(-s.cfg.Lookback())
	if raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			return time.Time{}, nil, err
		}
		cutoff = t
	}

	var locations []string
	for _, key := range []string{"locations", "locationsParam"} {
		for _, v := range q[key] {
			if v = strings.TrimSpace(v); v != "" {
				locations = append(locations, v)
			}
		}
	}
	return cutoff, locations, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid startDate %q", s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
