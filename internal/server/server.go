// Package server exposes the translation pipeline and the assistant over
// HTTP. Replies use the CLI's JSON shape: {"status", "data", "error"}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/baitchat/internal/assistant"
	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/registry"
	"github.com/roach88/baitchat/internal/store"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// DefaultShutdownTimeout bounds the graceful shutdown after the serving
// context ends.
const DefaultShutdownTimeout = 5 * time.Second

// Translator runs utterances through the pipeline. *pipeline.Pipeline
// implements it.
type Translator interface {
	TranslateAndSubmit(ctx context.Context, u ir.Utterance) ir.Outcome
	Translate(ctx context.Context, u ir.Utterance) ir.Outcome
}

// Asker answers questions. *assistant.Assistant implements it.
type Asker interface {
	Ask(ctx context.Context, question string) (assistant.Answer, error)
}

// Registry is the live whitelist. *registry.Registry implements it.
type Registry interface {
	Current() *registry.Snapshot
	Reload(ctx context.Context) (*registry.Snapshot, error)
}

// History reads the audit store. *store.Store implements it.
type History interface {
	Runs(ctx context.Context, f store.RunFilter) ([]store.DecisionRecord, error)
	ReadOutcomes(ctx context.Context, limit int) ([]store.OutcomeRecord, error)
}

// Quota reports the rate policy's headroom. *gate.Gate implements it.
type Quota interface {
	RateRemaining() int
}

// Deps are the components the handlers serve. Quota is optional.
type Deps struct {
	Translator Translator
	Asker      Asker
	Registry   Registry
	History    History
	Quota      Quota
}

// Server is the HTTP surface.
type Server struct {
	deps            Deps
	logger          *slog.Logger
	shutdownTimeout time.Duration
	mux             *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// New creates a Server.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:            deps,
		logger:          slog.Default(),
		shutdownTimeout: DefaultShutdownTimeout,
		mux:             http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST /v1/translate", s.handleTranslate)
	s.mux.HandleFunc("POST /v1/ask", s.handleAsk)
	s.mux.HandleFunc("GET /v1/plans", s.handlePlans)
	s.mux.HandleFunc("GET /v1/devices", s.handleDevices)
	s.mux.HandleFunc("GET /v1/history", s.handleHistory)
	s.mux.HandleFunc("POST /v1/registry/reload", s.handleReload)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("serving", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Response is the reply envelope.
type Response struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *ErrorMsg `json:"error,omitempty"`
}

// ErrorMsg describes a failed request.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Status: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{Status: "error", Error: &ErrorMsg{Code: code, Message: message}})
}

// writeErr maps err's ir code to a status.
func writeErr(w http.ResponseWriter, err error) {
	code := ir.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case ir.CodeDownstreamUnavailable:
		status = http.StatusServiceUnavailable
	case ir.CodeCancelled:
		status = http.StatusRequestTimeout
	case "":
		code = "INTERNAL"
	default:
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, string(code), err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// TranslateRequest is the body of POST /v1/translate.
type TranslateRequest struct {
	Text    string    `json:"text"`
	Context []ir.Turn `json:"context,omitempty"`
	User    string    `json:"user,omitempty"`
	DryRun  bool      `json:"dry_run,omitempty"`
}

// outcomeStatus is the HTTP status for an outcome. Clarifications are
// successful replies; rejections carry their code.
func outcomeStatus(o ir.Outcome) int {
	if o.Status != ir.OutcomeRejected {
		return http.StatusOK
	}
	switch o.Code {
	case ir.CodeRateLimited:
		return http.StatusTooManyRequests
	case ir.CodeDownstreamUnavailable:
		return http.StatusServiceUnavailable
	case ir.CodeCancelled:
		return http.StatusRequestTimeout
	case ir.CodeStalePlanOrDevice:
		return http.StatusConflict
	}
	return http.StatusUnprocessableEntity
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req TranslateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "text is required")
		return
	}

	u := ir.Utterance{Text: req.Text, Context: req.Context, User: req.User}
	var o ir.Outcome
	if req.DryRun {
		o = s.deps.Translator.Translate(r.Context(), u)
	} else {
		o = s.deps.Translator.TranslateAndSubmit(r.Context(), u)
	}

	resp := Response{Status: "ok", Data: o}
	if o.Status == ir.OutcomeRejected {
		resp.Status = "error"
		resp.Error = &ErrorMsg{Code: string(o.Code), Message: o.Message}
	}
	if o.Code == ir.CodeRateLimited {
		if secs := retryAfter(o); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	writeJSON(w, outcomeStatus(o), resp)
}

// retryAfter reads the retry delay in whole seconds from a rate limit
// message ("rate limit reached, retry in 59s").
func retryAfter(o ir.Outcome) int {
	_, after, ok := strings.Cut(o.Message, "retry in ")
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(strings.TrimSpace(after))
	if err != nil {
		return 0
	}
	return int(d.Round(time.Second).Seconds())
}

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "question is required")
		return
	}
	ans, err := s.deps.Asker.Ask(r.Context(), req.Question)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, ans)
}

// snapshot returns the live snapshot or reports that there is none.
func (s *Server) snapshot(w http.ResponseWriter) (*registry.Snapshot, bool) {
	snap := s.deps.Registry.Current()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, string(ir.CodeDownstreamUnavailable), "no plan registry loaded")
		return nil, false
	}
	return snap, true
}

// PlansReply is the body of GET /v1/plans.
type PlansReply struct {
	Generation  uint64          `json:"generation"`
	Fingerprint string          `json:"fingerprint"`
	Plans       []ir.PlanSchema `json:"plans"`
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	writeOK(w, PlansReply{Generation: snap.Generation(), Fingerprint: snap.Fingerprint(), Plans: snap.List()})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	devices := snap.Devices()
	if c := r.URL.Query().Get("category"); c != "" {
		devices = snap.DevicesIn(ir.Category(c))
	}
	if devices == nil {
		devices = []ir.DeviceRef{}
	}
	writeOK(w, devices)
}

// handleHistory lists runs, or pipeline outcomes with ?outcomes=true.
// Runs filter by ?plan= and ?since= (RFC 3339); both take ?limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}

	if q.Get("outcomes") == "true" {
		recs, err := s.deps.History.ReadOutcomes(r.Context(), limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, recs)
		return
	}

	f := store.RunFilter{Plan: q.Get("plan"), Limit: limit}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid since %q: want RFC 3339", v))
			return
		}
		f.Since = t
	}
	recs, err := s.deps.History.Runs(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	if recs == nil {
		recs = []store.DecisionRecord{}
	}
	writeOK(w, recs)
}

// ReloadReply is the body of POST /v1/registry/reload.
type ReloadReply struct {
	Generation  uint64    `json:"generation"`
	Fingerprint string    `json:"fingerprint"`
	LoadedAt    time.Time `json:"loaded_at"`
}

func reloadReply(snap *registry.Snapshot) ReloadReply {
	return ReloadReply{Generation: snap.Generation(), Fingerprint: snap.Fingerprint(), LoadedAt: snap.LoadedAt()}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Registry.Reload(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, reloadReply(snap))
}

// HealthReply is the body of GET /healthz. RateRemaining is omitted when
// the rate policy is unlimited or unknown.
type HealthReply struct {
	ReloadReply
	RateRemaining *int `json:"rate_remaining,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	reply := HealthReply{ReloadReply: reloadReply(snap)}
	if s.deps.Quota != nil {
		if n := s.deps.Quota.RateRemaining(); n >= 0 {
			reply.RateRemaining = &n
		}
	}
	writeOK(w, reply)
}
