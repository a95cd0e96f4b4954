package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotcheck/internal/config"
	"slotcheck/internal/ics"
	appLog "slotcheck/internal/log"
	"slotcheck/internal/model"
	"slotcheck/internal/ruleset"
	"slotcheck/internal/slot"
)

// maxPreview caps the preview parameter of /api/check.
const maxPreview = 100

// Server exposes slot checks over HTTP.
type Server struct {
	cfg     *config.Config
	fetcher *ics.Fetcher
	mux     *http.ServeMux

	// now is replaced in tests.
	now func() time.Time

	// ICS feeds are re-read at most every jobsCacheTTL.
	jobsMu    sync.RWMutex
	jobsCache *jobsCache
}

type jobsCache struct {
	jobs      []model.Job
	updatedAt time.Time
}

const jobsCacheTTL = 30 * time.Second

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, fetcher *ics.Fetcher) *Server {
	if fetcher == nil {
		fetcher = ics.NewFetcher(ics.DefaultCacheDir())
	}
	s := &Server{
		cfg:     cfg,
		fetcher: fetcher,
		mux:     http.NewServeMux(),
		now:     time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth rather than lock everyone out.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
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
			w.Header().Set("WWW-Authenticate", `Basic realm="slotcheck", charset="UTF-8"`)
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

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, cfg *config.Config, fetcher *ics.Fetcher) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           NewServer(cfg, fetcher).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/check", s.handleCheck)
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// checkRequest is the body of POST /api/check.
type checkRequest struct {
	Name             string   `json:"name,omitempty"`
	IncludeRule      string   `json:"include_rule"`
	ExcludeRule      string   `json:"exclude_rule,omitempty"`
	ExcludeDatetimes []string `json:"exclude_datetimes,omitempty"`
	// Now is RFC 3339; empty means the server clock.
	Now string `json:"now,omitempty"`
	// Width is a Go duration; empty means the configured slot width.
	Width   string `json:"width,omitempty"`
	Preview int    `json:"preview,omitempty"`
}

type windowDTO struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type eventDTO struct {
	Kind   model.EventKind `json:"kind"`
	At     time.Time       `json:"at"`
	Detail string          `json:"detail,omitempty"`
}

// checkResponse is the JSON shape of one evaluated job.
type checkResponse struct {
	RunID      string      `json:"run_id"`
	Name       string      `json:"name,omitempty"`
	SourceID   string      `json:"source_id,omitempty"`
	UID        string      `json:"uid,omitempty"`
	Outcome    string      `json:"outcome"`
	ExitCode   int         `json:"exit_code"`
	Occurrence *time.Time  `json:"occurrence,omitempty"`
	Window     *windowDTO  `json:"window,omitempty"`
	Error      string      `json:"error,omitempty"`
	Trace      []eventDTO  `json:"trace,omitempty"`
	Preview    []time.Time `json:"preview,omitempty"`
	// UnmatchedExDates are excluded instants that are not occurrences of
	// the include rule.
	UnmatchedExDates []time.Time `json:"unmatched_exdates,omitempty"`
}

type jobsResponse struct {
	RunID   string          `json:"run_id"`
	Now     time.Time       `json:"now"`
	Results []checkResponse `json:"results"`
	Errors  []string        `json:"errors,omitempty"`
}

// handleCheck evaluates one job posted as JSON. A rule error is still a
// 200 response carrying outcome "error"; only unreadable requests get 4xx.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}

	var req checkRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.IncludeRule) == "" {
		writeError(w, http.StatusBadRequest, "include_rule is required")
		return
	}

	now, err := parseNow(req.Now, s.now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	width, err := s.width(req.Width)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exdates, err := ruleset.ParseExDates(req.ExcludeDatetimes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Preview < 0 || req.Preview > maxPreview {
		writeError(w, http.StatusBadRequest, "preview must be between 0 and "+strconv.Itoa(maxPreview))
		return
	}

	job := model.Job{
		Name:        req.Name,
		SourceID:    "api",
		IncludeRule: req.IncludeRule,
		ExcludeRule: req.ExcludeRule,
		ExDates:     exdates,
	}
	runID := uuid.NewString()
	resp := s.evaluate(runID, job, now, width)

	if resp.Error == "" {
		if set, err := ruleset.Parse(job.IncludeRule, job.ExcludeRule, job.ExDates, now); err == nil {
			set.MaxSkips = s.cfg.MaxSkips
			resp.UnmatchedExDates = set.UnmatchedExDates()
			if req.Preview > 0 {
				resp.Preview = set.Upcoming(now, req.Preview)
			}
		}
	}

	appLog.Info("api check", "run_id", runID, "name", job.Name, "outcome", resp.Outcome)
	writeJSON(w, http.StatusOK, resp)
}

// handleJobs evaluates every configured job and every job lifted from the
// configured ICS feeds.
//
// GET /api/jobs?now=RFC3339&width=30m
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	q := r.URL.Query()
	now, err := parseNow(q.Get("now"), s.now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	width, err := s.width(q.Get("width"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, errs := s.loadJobs(r.Context())
	resp := jobsResponse{
		RunID:   uuid.NewString(),
		Now:     now.UTC(),
		Results: make([]checkResponse, 0, len(jobs)),
	}
	for _, err := range errs {
		resp.Errors = append(resp.Errors, err.Error())
	}
	for _, job := range jobs {
		resp.Results = append(resp.Results, s.evaluate(resp.RunID, job, now, width))
	}

	appLog.Info("api jobs", "run_id", resp.RunID, "jobs", len(jobs), "errors", len(errs))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) evaluate(runID string, job model.Job, now time.Time, width time.Duration) checkResponse {
	res := slot.Evaluate(slot.Request{Job: job, Now: now, Width: width, MaxSkips: s.cfg.MaxSkips})

	out := checkResponse{
		RunID:    runID,
		Name:     job.Name,
		SourceID: job.SourceID,
		UID:      job.UID,
		Outcome:  res.Outcome.String(),
		ExitCode: res.Outcome.ExitCode(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
		return out
	}
	if t, ok := res.Occurrence.Get(); ok {
		u := t.UTC()
		out.Occurrence = &u
	}
	out.Window = &windowDTO{Start: res.Window.Start, End: res.Window.End}
	out.Trace = make([]eventDTO, 0, len(res.Trace))
	for _, e := range res.Trace {
		out.Trace = append(out.Trace, eventDTO{Kind: e.Kind, At: e.At, Detail: e.Detail})
	}
	return out
}

// loadJobs returns the configured jobs followed by the ICS jobs. Feeds that
// fail are reported and skipped.
func (s *Server) loadJobs(ctx context.Context) ([]model.Job, []error) {
	var errs []error
	jobs, err := s.cfg.ModelJobs()
	if err != nil {
		errs = append(errs, err)
		jobs = nil
	}
	if len(s.cfg.ICS) == 0 {
		return jobs, errs
	}

	s.jobsMu.RLock()
	jc := s.jobsCache
	s.jobsMu.RUnlock()
	if jc != nil && time.Since(jc.updatedAt) < jobsCacheTTL {
		return append(jobs, jc.jobs...), errs
	}

	var fromICS []model.Job
	for _, src := range s.cfg.ICS {
		id := src.ID
		if id == "" {
			id = src.URL
		}
		got, err := s.fetcher.Jobs(ctx, ics.Source{ID: id, URL: src.URL})
		if err != nil {
			appLog.Error("ics source failed", err, "id", id)
			errs = append(errs, err)
			continue
		}
		fromICS = append(fromICS, got...)
	}

	s.jobsMu.Lock()
	s.jobsCache = &jobsCache{jobs: fromICS, updatedAt: time.Now()}
	s.jobsMu.Unlock()

	return append(jobs, fromICS...), errs
}

func (s *Server) width(v string) (time.Duration, error) {
	if v == "" {
		return s.cfg.Width()
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.New("invalid width: " + err.Error())
	}
	if d <= 0 {
		return 0, errors.New("width must be positive")
	}
	return d, nil
}

func parseNow(v string, clock func() time.Time) (time.Time, error) {
	if v == "" {
		return clock(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("invalid now: " + err.Error())
	}
	return t, nil
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
