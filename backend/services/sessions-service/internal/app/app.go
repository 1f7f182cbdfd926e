package app

import (
	"context"
	"database/sql"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libdb "evcharge/backend/libs/db"
	libredis "evcharge/backend/libs/redis"
	"evcharge/backend/services/sessions-service/internal/config"
	httpserver "evcharge/backend/services/sessions-service/internal/http"
	"evcharge/backend/services/sessions-service/internal/http/handlers"
	"evcharge/backend/services/sessions-service/internal/http/middleware"
	"evcharge/backend/services/sessions-service/internal/jobs"
	"evcharge/backend/services/sessions-service/internal/metrics"
	"evcharge/backend/services/sessions-service/internal/qrcode"
	"evcharge/backend/services/sessions-service/internal/realtime"
	redisstore "evcharge/backend/services/sessions-service/internal/redis"
	"evcharge/backend/services/sessions-service/internal/repository"
	"evcharge/backend/services/sessions-service/internal/service"
)

// App wires sessions-service dependencies.
type App struct {
	cfg         *config.Config
	db          *sql.DB
	redisClient *redis.Client
	hub         *realtime.Hub
	auth        *middleware.Authenticator
	routes      httpserver.Routes
	scheduler   *jobs.Scheduler
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := libdb.NewPostgresDB(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	redisClient, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	metrics.Init(sqlDB, logger)

	sessionRepo := repository.NewSessionRepository(sqlDB)
	stationRepo := repository.NewStationRepository(sqlDB)
	spotRepo := repository.NewSpotRepository(sqlDB)
	reservationRepo := repository.NewReservationRepository(sqlDB)
	paymentRepo := repository.NewPaymentRepository(sqlDB)
	tariffRepo := repository.NewTariffRepository(sqlDB)
	userRepo := repository.NewUserRepository(sqlDB)

	hub := realtime.NewHub(logger)
	notifier := realtime.NewNotifier(hub, logger)
	qr := qrcode.NewService(cfg.QR.Secret, cfg.QR.TokenTTL)
	cache := redisstore.NewStore(redisClient, cfg.ActiveSessionTTL())

	tariffs := service.NewTariffService(tariffRepo, cfg.Billing.DefaultPrice, logger)
	payments := service.NewPaymentsService(paymentRepo, cfg.Billing.Currency, logger)
	sessions := service.NewSessionsService(service.SessionsDeps{
		Sessions:     sessionRepo,
		Spots:        spotRepo,
		Stations:     stationRepo,
		Reservations: reservationRepo,
		Users:        userRepo,
		Tariffs:      tariffs,
		Payments:     payments,
		QR:           qr,
		Cache:        cache,
		Notifier:     notifier,
	}, service.SessionsOptions{
		BaseFee:   cfg.Billing.BaseFee,
		Reference: cfg.Simulator.Reference,
	}, logger)
	reservations := service.NewReservationsService(reservationRepo, sessionRepo, spotRepo, notifier, cfg.Reservations.NoShowGrace, logger)
	spots := service.NewSpotsService(spotRepo, stationRepo, qr, notifier, logger)
	accounts := service.NewAccountsService(userRepo, notifier, logger)

	scheduled := []jobs.Job{
		jobs.ReservationSweepJob(reservations, cfg.Reservations.SweepInterval, logger),
		jobs.QRRotationJob(spots, cfg.QR.RotationInterval, logger),
	}
	if cfg.Simulator.Enabled {
		scheduled = append(scheduled, jobs.NewSnapshotJob(sessions, logger).Job(cfg.Simulator.Interval))
	}

	return &App{
		cfg:         cfg,
		db:          sqlDB,
		redisClient: redisClient,
		hub:         hub,
		auth:        middleware.NewAuthenticator(cfg.JWT.Secret),
		routes: httpserver.Routes{
			Sessions:     handlers.NewSessionsHandlers(sessions, logger),
			Spots:        handlers.NewSpotsHandlers(spots, logger),
			Reservations: handlers.NewReservationsHandlers(reservations, logger),
			Payments:     handlers.NewPaymentsHandlers(payments, logger),
			Accounts:     handlers.NewAccountsHandlers(accounts, logger),
			Metrics:      promhttp.Handler(),
			Health:       handlers.NewHealthHandler(),
		},
		scheduler: jobs.NewScheduler(logger, scheduled...),
		logger:    logger,
	}, nil
}

// Run starts the background jobs and the HTTP server. It returns after both stopped.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws := realtime.NewServer(ctx, a.hub, a.auth.IdentifyOK, realtime.ServerOptions{
		SendBuffer:     a.cfg.Realtime.SendBuffer,
		WriteTimeout:   a.cfg.Realtime.WriteTimeout,
		PingInterval:   a.cfg.Realtime.PingInterval,
		AllowedOrigins: a.cfg.Realtime.AllowedOrigins,
	}, a.logger)
	routes := a.routes
	routes.Realtime = ws.HandleWS

	server := httpserver.NewServer(
		a.cfg.HTTPAddress(),
		httpserver.NewRouter(routes, a.auth),
		a.logger,
		middleware.Recover(a.logger),
		middleware.Logging(a.logger),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.scheduler.Start(ctx)
	}()

	err := server.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// Close releases resources.
func (a *App) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
