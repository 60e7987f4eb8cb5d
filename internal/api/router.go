package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/davidahmann/kpregistry/internal/auth"
	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/ratelimit"
)

const (
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateReset     = "X-RateLimit-Reset"
	HeaderRetryAfter    = "Retry-After"
	HeaderRequestID     = "X-Request-Id"
)

// NewRouter wires h behind request logging, authentication, the audit log,
// admission and the idempotency cache, in that order.
func NewRouter(h *Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(h.authenticate)
	if h.Audit != nil {
		r.Use(h.audit)
	}

	r.Get("/health", h.Health)

	// Registration is reachable without a key and is not rate limited.
	r.Post("/v1/auth/register", h.Register)

	r.Group(func(r chi.Router) {
		r.Use(h.admit)
		if h.Idempotency != nil {
			r.Use(h.Idempotency.Wrap)
		}

		r.Post("/v1/auth/revoke", h.Revoke)

		r.Get("/v1/knowledge", h.SearchKnowledge)
		r.Post("/v1/knowledge", h.CreateKnowledge)
		r.Get("/v1/knowledge/{id}", h.GetKnowledge)
		r.Delete("/v1/knowledge/{id}", h.DeleteKnowledge)
		r.Post("/v1/knowledge/{id}/validate", h.ValidateKnowledge)
		r.Post("/v1/knowledge/{id}/report", h.ReportKnowledge)

		r.Get("/v1/reputation/leaderboard", h.Leaderboard)
		r.Get("/v1/reputation/{agent}", h.GetReputation)
		r.Post("/v1/reputation/{agent}/credential", h.IssueCredential)

		r.Get("/v1/credentials/issuer", h.IssuerDocument)
		r.Post("/v1/credentials/verify", h.VerifyCredential)

		r.Get("/v1/export/{agent}", h.Export)

		r.Get("/v1/admin/quarantine", h.ListQuarantine)
		r.Post("/v1/admin/quarantine/{id}/resolve", h.ResolveQuarantine)
		r.Get("/v1/admin/trust", h.Trust)
		r.Post("/v1/admin/retention/sweep", h.SweepRetention)
		r.Get("/v1/admin/audit", h.ListAudit)
	})
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, requestID)

			ctx := logging.WithLogger(r.Context(), logger)
			ctx = logging.WithAttrs(ctx,
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			logging.Info(ctx, "request",
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.Auth.Authenticate(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := auth.WithIdentity(r.Context(), id)
		if id.AgentID != "" {
			ctx = logging.WithAttrs(ctx, slog.String("agent_id", id.AgentID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := auth.FromContext(r.Context())
		d, err := h.Admission.Admit(r.Context(), id, ratelimit.DirectionForMethod(r.Method))
		if err != nil {
			writeError(w, r, err)
			return
		}

		w.Header().Set(HeaderRateLimit, strconv.Itoa(d.Limit))
		w.Header().Set(HeaderRateRemaining, strconv.Itoa(d.Remaining))
		w.Header().Set(HeaderRateReset, strconv.FormatInt(d.Reset, 10))
		if !d.Allowed {
			w.Header().Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate limit exceeded",
				"retry_after": d.RetryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
