package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/tool-gateway/internal/artifact"
	"github.com/vnmchuo/tool-gateway/internal/auth"
	"github.com/vnmchuo/tool-gateway/internal/metrics"
	"github.com/vnmchuo/tool-gateway/internal/payment"
	"github.com/vnmchuo/tool-gateway/internal/processor"
	"github.com/vnmchuo/tool-gateway/internal/runner"
	"github.com/vnmchuo/tool-gateway/internal/usage"
	"github.com/vnmchuo/tool-gateway/pkg/ratelimit"
)

const (
	defaultMaxUploadBytes = 50 << 20
	defaultUpgradeURL     = "/premium"
)

type Runner interface {
	Run(ctx context.Context, req *runner.Request) (*runner.Outcome, error)
}

type Handler struct {
	runner    Runner
	policy    runner.Policy
	ledger    runner.Ledger
	artifacts artifact.Store
	pdf       processor.FileFetcher
	video     processor.FileFetcher
	payments  *payment.Service
	limiter   *ratelimit.Limiter
	metrics   metrics.Recorder
	tracer    trace.Tracer
	logger    zerolog.Logger

	upgradeURL string
	maxUpload  int64
}

type Option func(*Handler)

func WithArtifacts(s artifact.Store) Option { return func(h *Handler) { h.artifacts = s } }

// WithFetchers sets the backends serving /download-jobs. Process ids with a
// "pdf-" prefix go to pdf, everything else to video.
func WithFetchers(pdf, video processor.FileFetcher) Option {
	return func(h *Handler) { h.pdf, h.video = pdf, video }
}

func WithPayments(s *payment.Service) Option  { return func(h *Handler) { h.payments = s } }
func WithLimiter(l *ratelimit.Limiter) Option { return func(h *Handler) { h.limiter = l } }
func WithMetrics(m metrics.Recorder) Option   { return func(h *Handler) { h.metrics = m } }
func WithTracer(t trace.Tracer) Option        { return func(h *Handler) { h.tracer = t } }
func WithLogger(l zerolog.Logger) Option      { return func(h *Handler) { h.logger = l } }
func WithUpgradeURL(u string) Option          { return func(h *Handler) { h.upgradeURL = u } }
func WithMaxUploadBytes(n int64) Option       { return func(h *Handler) { h.maxUpload = n } }

func NewHandler(run Runner, policies runner.Policy, ledger runner.Ledger, opts ...Option) *Handler {
	h := &Handler{
		runner:     run,
		policy:     policies,
		ledger:     ledger,
		metrics:    metrics.Noop{},
		tracer:     noop.NewTracerProvider().Tracer("api"),
		logger:     zerolog.Nop(),
		upgradeURL: defaultUpgradeURL,
		maxUpload:  defaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mount registers the tool, download and payment routes. Callers install the
// identity middleware in front.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/tools/{tool}/usage", h.HandleUsage)
	r.Get("/utilities/{tool}/usage", h.HandleUsage)
	r.With(h.Throttle).Post("/utilities/{tool}/fileprocess", h.HandleFileProcess)

	r.Get("/download/{id}", h.HandleDownload)
	r.Get("/download-jobs/{processId}/file", h.HandleDownloadJob)

	if h.payments != nil {
		r.Post("/payment/create-order", h.HandleCreateOrder)
		r.Post("/payment/verify", h.HandleVerifyPayment)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// caller builds the usage caller from the resolved identity. Only a
// session-verified user id keys usage and plan lookups.
func caller(id auth.Identity) usage.Caller {
	return usage.Caller{IP: id.IP, Token: id.Token, UserID: id.UserID}
}
