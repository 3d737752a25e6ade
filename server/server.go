package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"referrald/auth"
	"referrald/middleware"
	"referrald/observability"
	"referrald/referral"
	"referrald/registry"
	"referrald/rewards"
	"referrald/tracking"
	"referrald/vault"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Registry  *registry.Engine
	Referrals *referral.Engine
	Tracking  *tracking.Engine
	Rewards   *rewards.Engine
	Vaults    *vault.Service
	Auth      *auth.Middleware
	Logger    *slog.Logger
	RateLimit int
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB        *gorm.DB
	Registry  *registry.Engine
	Referrals *referral.Engine
	Tracking  *tracking.Engine
	Rewards   *rewards.Engine
	Vaults    *vault.Service
	Auth      *auth.Middleware
	Logger    *slog.Logger
	Now       func() time.Time

	metrics     *observability.ReferralMetrics
	rateLimiter *middleware.RateLimiter
	router      http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency
// and rate limiting support.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		DB:        cfg.DB,
		Registry:  cfg.Registry,
		Referrals: cfg.Referrals,
		Tracking:  cfg.Tracking,
		Rewards:   cfg.Rewards,
		Vaults:    cfg.Vaults,
		Auth:      cfg.Auth,
		Logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
		metrics:   observability.Referral(),
	}
	limits := map[string]middleware.RateLimit{}
	if cfg.RateLimit > 0 {
		limits["api"] = middleware.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit),
			Burst:             cfg.RateLimit / 4,
		}
	}
	srv.rateLimiter = middleware.NewRateLimiter(limits, logger)
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.rateLimiter.Middleware("api"))
		api.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.DB, next) })
		api.Use(s.Auth.Middleware)

		api.Post("/programs", s.CreateProgram)
		api.Get("/programs/{id}", s.GetProgram)
		api.Get("/programs/{id}/stats", s.ProgramStats)
		api.Patch("/programs/{id}/settings", s.UpdateSettings)
		api.Put("/programs/{id}/eligibility", s.SetEligibility)
		api.Post("/programs/{id}/end", s.EndProgram)
		api.Post("/programs/{id}/deposits", s.DepositRewards)
		api.Post("/programs/{id}/codes", s.GenerateCode)
		api.Post("/programs/{id}/join", s.JoinProgram)
		api.Get("/programs/{id}/participants/{identity}", s.GetParticipant)
		api.Get("/programs/{id}/referrals", s.ListReferrals)

		api.Get("/codes/{code}", s.ValidateCode)

		api.Post("/referrals", s.CreateReferral)
		api.Get("/referrals/{id}", s.GetReferral)
		api.Post("/referrals/{id}/click", s.TrackClick)
		api.With(auth.RequireRole(auth.RoleAuthority)).Post("/referrals/{id}/convert", s.RecordConversion)
		api.Post("/referrals/{id}/claim", s.ClaimReward)
		api.Post("/referrals/{id}/redeem", s.RedeemEarly)
	})

	r.Route("/ops", func(ops chi.Router) {
		ops.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.DB, next) })
		ops.Use(s.Auth.Middleware)
		ops.Use(auth.RequireRole(auth.RoleAuthority))

		ops.Post("/referrals/{id}/status", s.OverrideStatus)
		ops.Post("/participants/deactivate", s.DeactivateParticipant)
		ops.Get("/fees", s.GetFeeVault)
		ops.Post("/fees", s.ManageFeeVault)
		ops.Post("/fees/mint", s.ProcessMintFee)
		ops.Post("/programs/{id}/reconcile", s.ReconcileProgram)
		ops.Post("/sweep", s.Sweep)
	})

	return r
}

// Health reports service liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.Logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.Logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidParams),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnauthorized),
		errors.Is(err, rewards.ErrUnauthorized),
		errors.Is(err, vault.ErrUnauthorized),
		errors.Is(err, tracking.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrProgramNotFound),
		errors.Is(err, referral.ErrProgramNotFound),
		errors.Is(err, tracking.ErrProgramNotFound),
		errors.Is(err, rewards.ErrProgramNotFound),
		errors.Is(err, referral.ErrCodeNotFound),
		errors.Is(err, referral.ErrParticipantNotFound),
		errors.Is(err, tracking.ErrRecordNotFound),
		errors.Is(err, rewards.ErrRecordNotFound),
		errors.Is(err, vault.ErrVaultNotFound):
		return http.StatusNotFound
	case errors.Is(err, referral.ErrDuplicateReferral),
		errors.Is(err, rewards.ErrAlreadyClaimed),
		errors.Is(err, rewards.ErrNotConverted),
		errors.Is(err, tracking.ErrInvalidTransition),
		errors.Is(err, registry.ErrProgramEnded):
		return http.StatusConflict
	case errors.Is(err, referral.ErrSelfReferral),
		errors.Is(err, referral.ErrInvalidReferrer),
		errors.Is(err, referral.ErrNotEligible),
		errors.Is(err, referral.ErrCodeInvalid),
		errors.Is(err, referral.ErrProgramInactive),
		errors.Is(err, registry.ErrProgramInactive),
		errors.Is(err, tracking.ErrProgramInactive),
		errors.Is(err, rewards.ErrLockNotElapsed),
		errors.Is(err, tracking.ErrInsufficientBalance),
		errors.Is(err, vault.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrTransferFailed),
		errors.Is(err, rewards.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, referral.ErrCodeGenerationExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
