package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/appointment-reassignment/internal/backfill"
	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/records"
	"github.com/hackgods/appointment-reassignment/internal/workflow"
)

// Workflow is the reassignment engine as seen by the HTTP layer.
type Workflow interface {
	Run(ctx context.Context, ev workflow.Event) (*workflow.AuditLog, error)
	HandleDecline(ctx context.Context, appointmentID string) (*workflow.DeclineOutcome, error)
	Accept(ctx context.Context, appointmentID string) (*records.Appointment, error)
	Cancel(ctx context.Context, appointmentID, reason string) (*workflow.CancelOutcome, error)
}

type BackfillStats interface {
	Metrics(ctx context.Context) (backfill.Metrics, error)
}

// OfferResponder delivers a patient's reply to a pending offer.
type OfferResponder interface {
	Publish(ctx context.Context, offerID, reply string) error
}

type RouterConfig struct {
	Workflow Workflow
	Backfill BackfillStats
	Store    records.Repository
	// Offers may be nil when no response channel is configured.
	Offers  OfferResponder
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Log     *logger.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Post("/workflows/unavailability", unavailabilityHandler(cfg.Workflow))

	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Post("/accept", acceptHandler(cfg.Workflow))
		r.Post("/decline", declineHandler(cfg.Workflow))
		r.Post("/cancel", cancelHandler(cfg.Workflow))
	})

	r.Post("/offers/{id}/respond", offerResponseHandler(cfg.Offers))
	r.Get("/waitlist", listWaitlistHandler(cfg.Store))
	r.Get("/backfill/metrics", backfillMetricsHandler(cfg.Backfill))

	return r
}
