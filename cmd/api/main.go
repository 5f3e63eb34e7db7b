package main

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/zllovesuki/lessons/booking"
	"github.com/zllovesuki/lessons/config"
	"github.com/zllovesuki/lessons/external"
	"github.com/zllovesuki/lessons/report"
	"github.com/zllovesuki/lessons/web"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       env != "production",
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Error("Cannot initialize zapsentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	conf, err := config.Load()
	if err != nil {
		logger.Fatal("Cannot load configurations",
			zap.Error(err),
		)
	}

	stripeClient := external.NewStripeClient(conf.StripeSecretKey)

	bookingManager, err := booking.NewManager(booking.ManagerOptions{
		StripeClient: stripeClient,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize BookingManager",
			zap.Error(err),
		)
	}

	bookingRouter, err := booking.NewService(booking.Options{
		BookingManager: bookingManager,
		Logger:         logger,
		WebhookSecret:  conf.StripeWebhookSecret,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Booking Service Router",
			zap.Error(err),
		)
	}

	reportManager, err := report.NewManager(report.ManagerOptions{
		StripeClient: stripeClient,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize ReportManager",
			zap.Error(err),
		)
	}

	reportRouter, err := report.NewService(report.Options{
		ReportManager: reportManager,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Report Service Router",
			zap.Error(err),
		)
	}

	webRouter, err := web.NewService(web.Options{
		Logger:         logger,
		StaticDir:      conf.StaticDir,
		PublishableKey: conf.StripePublishableKey,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Web Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	bookingRouter.Mount(rootRouter)
	reportRouter.Mount(rootRouter)
	webRouter.Mount(rootRouter)

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    conf.ListenAddr,
	}

	logger.Info("API listening",
		zap.String("Addr", conf.ListenAddr),
	)

	log.Fatalln(srv.ListenAndServe())

}
