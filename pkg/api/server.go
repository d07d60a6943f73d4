package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/nexus/pkg/kernel"
	"github.com/Mindburn-Labs/nexus/pkg/ledger"
	"github.com/Mindburn-Labs/nexus/pkg/limiter"
	"github.com/Mindburn-Labs/nexus/pkg/payment"
	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// maxTaskBytes bounds the request body of POST /v1/execute.
const maxTaskBytes = 1 << 20

// defaultPageSize is the page size of GET /v1/ledger without ?limit.
const defaultPageSize = 100

// Option configures a Server.
type Option func(*Server)

// WithRateLimit enables per-client rate limiting on /v1 routes.
func WithRateLimit(store limiter.Store) Option {
	return func(s *Server) { s.limiter = store }
}

// WithJWTSecret enables HS256 bearer authentication on /v1 routes.
func WithJWTSecret(secret []byte) Option {
	return func(s *Server) { s.jwtSecret = secret }
}

// WithPayment gates POST /v1/execute behind an invoice of priceMinor units.
// A non-positive price disables the gate. A positive price needs a gateway
// that enforces payment, or NewServer fails.
func WithPayment(g payment.Gateway, priceMinor int64) Option {
	return func(s *Server) {
		s.gateway = g
		s.priceMinor = priceMinor
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server exposes a kernel over HTTP.
type Server struct {
	kernel     *kernel.Kernel
	limiter    limiter.Store
	jwtSecret  []byte
	gateway    payment.Gateway
	priceMinor int64
	gate       *PaymentGate
	logger     *slog.Logger
}

func NewServer(k *kernel.Kernel, opts ...Option) (*Server, error) {
	s := &Server{kernel: k, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.priceMinor > 0 {
		gate, err := NewPaymentGate(s.gateway, s.priceMinor, "nexus execution")
		if err != nil {
			return nil, fmt.Errorf("payment gate: %w", err)
		}
		s.gate = gate
	}
	s.logger = s.logger.With("component", "api")
	return s, nil
}

// Handler builds the router.
//
//	GET  /health
//	POST /v1/execute
//	GET  /v1/ledger
//	GET  /v1/ledger/verify
//	GET  /v1/ledger/export
//	GET  /v1/ledger/{seq}
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
	})

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if len(s.jwtSecret) > 0 {
			r.Use(BearerAuth(s.jwtSecret))
		}
		if s.limiter != nil {
			r.Use(RateLimit(s.limiter))
		}

		r.Group(func(r chi.Router) {
			if s.gate != nil {
				r.Use(s.gate.Middleware)
			}
			r.Post("/execute", s.handleExecute)
		})

		r.Get("/ledger", s.handleLedger)
		r.Get("/ledger/verify", s.handleVerify)
		r.Get("/ledger/export", s.handleExport)
		r.Get("/ledger/{seq}", s.handleEntry)
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", GetRequestID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"identity":      s.kernel.Label(),
		"ledger_length": s.kernel.Ledger().Len(),
	})
}

// outcomeStatus maps an outcome to its HTTP status.
func outcomeStatus(o kernel.Outcome) int {
	switch o.Status {
	case kernel.StatusSuccess:
		return http.StatusOK
	case kernel.StatusBlocked:
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxTaskBytes)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		WriteBadRequest(w, r, "request body too large or unreadable")
		return
	}

	var t task.Task
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	if err := dec.Decode(&t); err != nil || t == nil {
		WriteBadRequest(w, r, "request body must be a JSON object")
		return
	}
	if dec.More() {
		WriteBadRequest(w, r, "request body must contain a single JSON object")
		return
	}

	out, err := s.kernel.Execute(r.Context(), t)
	if err != nil {
		if errors.Is(err, ledger.ErrSerialization) {
			s.logger.ErrorContext(r.Context(), "serialization failure", "error", err)
			WriteError(w, r, http.StatusInternalServerError, "Serialization Failure",
				"the task or its result has no canonical form; nothing was logged")
			return
		}
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, outcomeStatus(out), out)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	entries := make([]ledger.Entry, 0)
	i := 0
	for e := range s.kernel.Ledger().All() {
		if len(entries) >= limit {
			break
		}
		if i >= offset {
			entries = append(entries, e)
		}
		i++
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"total":   s.kernel.Ledger().Len(),
		"offset":  offset,
		"entries": entries,
	})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		WriteBadRequest(w, r, "sequence must be a non-negative integer")
		return
	}
	e, err := s.kernel.Ledger().At(seq)
	if err != nil {
		WriteNotFound(w, r, fmt.Sprintf("no ledger entry %d", seq))
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	l := s.kernel.Ledger()
	if err := l.VerifyChain(); err != nil {
		s.logger.ErrorContext(r.Context(), "ledger verification failed", "error", err)
		WriteConflict(w, r, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"length":  l.Len(),
		"head":    l.Head(),
		"digest":  l.Algorithm(),
		"chained": l.Chained(),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	b, err := ledger.Export(s.kernel.Ledger(), s.kernel.Identity())
	if errors.Is(err, ledger.ErrEmptyBundle) {
		WriteNotFound(w, r, "ledger is empty")
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "nexus-"+b.BundleID+".json"))
	WriteJSON(w, http.StatusOK, b)
}
