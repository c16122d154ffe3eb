package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessiontrust/api/handler"
	apiMiddleware "sessiontrust/api/middleware"
	"sessiontrust/api/routes"
	"sessiontrust/config"
	"sessiontrust/internal/repository"
	"sessiontrust/internal/risk"
	"sessiontrust/internal/scheduler"
	"sessiontrust/internal/service"
	"sessiontrust/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	db, err := config.ConnectionDb(cfg)
	if err != nil {
		logger.WithError(err).Fatal("database unavailable")
	}
	if err := config.AutoMigrate(db); err != nil {
		logger.WithError(err).Fatal("migrate database")
	}
	logger.Info("database ready")

	clock := service.RealClock{}
	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	patternRepo := repository.NewBehaviorPatternRepository(db)
	mfaSecretRepo := repository.NewMFASecretRepository(db)
	challengeRepo := repository.NewMFAChallengeRepository(db)
	eventRepo := repository.NewSecurityEventRepository(db)

	accessManager := utils.JWTManager{
		Secret:         cfg.JWT.Secret,
		Issuer:         cfg.JWT.Issuer,
		AccessTokenTTL: cfg.JWT.AccessTokenTTL,
		Now:            clock.Now,
	}
	challengeTokens := service.ChallengeTokenIssuerJWT{
		Secret: cfg.JWT.ChallengeSecret,
		Issuer: cfg.JWT.Issuer,
		Clock:  clock,
	}
	totp := service.NewTOTPProvider(cfg.MFAIssuer)

	mailer := service.NewResendMailer(cfg.Alerts.ResendKey, cfg.Alerts.EmailFrom, cfg.Alerts.EmailTo)
	var delivery service.CodeDelivery
	if mailer.Configured() {
		delivery = mailer
	}

	events := service.NewSecurityEventRecorder(eventRepo, clock, cfg.Alerts.QueueSize, logger.WithField("component", "events"))
	scorer := risk.NewScorer(cfg.Risk)
	baselines := service.NewBaselineStore(patternRepo, sessionRepo, clock, cfg.Profile, cfg.Retry, logger.WithField("component", "baselines"))
	ledger := service.NewDeviceLedger(deviceRepo, events, clock, cfg.Ledger, cfg.Retry, logger.WithField("component", "devices"))
	registry := service.NewSessionRegistry(sessionRepo, baselines, ledger, events, clock, cfg.Registry, logger.WithField("component", "sessions"))
	challenges := service.NewMFAChallengeService(
		challengeRepo,
		mfaSecretRepo,
		challengeTokens,
		totp,
		service.BcryptCodeHasher{},
		delivery,
		events,
		clock,
		cfg.Challenge,
		logger.WithField("component", "challenges"),
	)
	trust := service.NewTrustService(
		userRepo,
		sessionRepo,
		mfaSecretRepo,
		registry,
		ledger,
		baselines,
		scorer,
		challenges,
		events,
		service.JWTSessionIssuer{Manager: &accessManager},
		clock,
		service.DefaultTrustConfig(),
		logger.WithField("component", "trust"),
	)
	monitor := service.NewSessionMonitor(
		sessionRepo,
		userRepo,
		registry,
		ledger,
		baselines,
		scorer,
		challenges,
		events,
		trust.Attempts(),
		clock,
		cfg.Monitor,
		logger.WithField("component", "monitor"),
	)
	enrollment := service.NewMFAEnrollment(userRepo, mfaSecretRepo, totp, clock, cfg.MFAIssuer)

	dispatcher := service.NewAlertDispatcher(events.Alerts(), cfg.Alerts.Timeout, logger.WithField("component", "alerts"))
	dispatcher.AddSink(service.LogAlertSink{Log: logger.WithField("component", "alerts")}, cfg.Alerts.MinLogSeverity)
	if cfg.Alerts.Webhook.URL != "" {
		dispatcher.AddSink(service.NewWebhookAlertSink(cfg.Alerts.Webhook, logger.WithField("component", "webhook")), cfg.Alerts.MinWebhook)
	}
	if mailer.Configured() && len(cfg.Alerts.EmailTo) > 0 {
		dispatcher.AddSink(mailer, cfg.Alerts.MinEmail)
	}

	app := echo.New()
	app.HideBanner = true
	app.HidePort = true
	app.Use(echoMiddleware.Recover())
	app.Use(echoMiddleware.RequestLoggerWithConfig(echoMiddleware.RequestLoggerConfig{
		LogStatus:   true,
		LogMethod:   true,
		LogURI:      true,
		LogRemoteIP: true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echoMiddleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"status":     v.Status,
				"method":     v.Method,
				"uri":        v.URI,
				"ip":         v.RemoteIP,
				"latency_ms": v.Latency.Milliseconds(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Error("request")
				return nil
			}
			entry.Info("request")
			return nil
		},
	}))

	authMiddleware := apiMiddleware.AuthMiddleware{JWT: &accessManager, Sessions: registry}
	router := routes.NewRouter(
		app,
		handler.NewTrustHandler(trust, enrollment, validate),
		handler.NewAdminHandler(trust, monitor, validate),
		authMiddleware,
	)
	router.RegisterRoutes()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app,
		ReadHeaderTimeout: 5 * time.Second,
	}

	supervisor := scheduler.NewSupervisor("sessiontrust", scheduler.SupervisorConfig{ShutdownTimeout: cfg.ShutdownTimeout}, logger.WithField("component", "supervisor"))
	supervisor.Add(&scheduler.PeriodicTask{
		Name:     "session-monitor",
		Interval: cfg.Monitor.Interval,
		Run:      monitor.Run,
		Log:      logger.WithField("component", "monitor"),
	})
	supervisor.Add(dispatcher)
	supervisor.Add(scheduler.NewHTTPService(server, cfg.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("addr", cfg.HTTPAddr).Info("server started")
	if err := supervisor.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("supervisor stopped")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("server stopped")
}
