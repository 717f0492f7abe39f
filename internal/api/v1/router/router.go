package router

import (
	"context"
	"net/http"

	"app/internal/api/v1/handler"
	"app/internal/config"
	"app/internal/idgen"
	"app/internal/middleware"
	"app/internal/pubsub"
	"app/internal/repository"
	"app/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// New builds the HTTP handler and its dependency graph. The returned pool is
// owned by the caller and must be closed on shutdown.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (http.Handler, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DBConnectionString)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create DB pool")
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to ping DB")
		pool.Close()
		return nil, nil, err
	}
	logger.Info().Msg("Database connection successful")

	// Resolve Stripe keys from Secret Manager when not set in the environment.
	if cfg.StripeSecretKey == "" && cfg.GCPProjectID != "" {
		secrets, err := service.NewSecretManagerService(ctx, cfg.GCPProjectID)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		defer secrets.Close()
		if cfg.StripeSecretKey, err = secrets.GetSecret(ctx, service.SecretStripeSecretKey); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if cfg.StripeWebhookSecret == "" {
			if cfg.StripeWebhookSecret, err = secrets.GetSecret(ctx, service.SecretStripeWebhookKey); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		logger.Info().Msg("Stripe keys loaded from Secret Manager")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	// Billing events are optional; without a GCP project the orchestrator
	// simply skips publishing.
	var events pubsub.Publisher
	if cfg.GCPProjectID != "" {
		publisher, err := pubsub.NewPublisher(ctx, cfg.GCPProjectID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create Pub/Sub publisher")
			pool.Close()
			return nil, nil, err
		}
		events = publisher
	}

	ids := idgen.New()
	ledgerRepo := repository.NewLedgerRepo(pool, ids)
	paymentRepo := repository.NewPaymentRepo(pool)

	creditSvc := service.NewCreditService(ledgerRepo, logger)
	gateway := service.NewStripeGateway(cfg.StripeSecretKey, logger)
	paymentSvc := service.NewPaymentService(gateway, paymentRepo, creditSvc, ids, events, cfg.PubSubBillingTopic, logger)

	creditHandler := handler.NewCreditHandler(creditSvc, validate, logger)
	paymentHandler := handler.NewPaymentHandler(paymentSvc, validate, cfg.StripeWebhookSecret, logger)

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, logger)

	apiV1Mux := http.NewServeMux()
	creditHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	paymentHandler.RegisterRoutes(apiV1Mux, authMiddleware)

	mux := http.NewServeMux()
	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return middleware.LoggerMiddleware(logger, c.Handler(mux)), pool, nil
}
