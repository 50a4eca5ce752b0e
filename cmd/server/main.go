package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"mydoctor/internal/config"
	"mydoctor/internal/handlers"
	"mydoctor/internal/logging"
	"mydoctor/internal/middleware"
	"mydoctor/internal/services"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting My Doctor Server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	log.Printf("📋 Configuration loaded (Port: %s, Model: %s)", cfg.Port, cfg.GroqModel)

	// Conversation store with TTL eviction
	store := services.NewConversationStore(
		time.Duration(cfg.SessionTTLSeconds)*time.Second,
		cfg.MaxTurnsPerSession,
	)

	// Per-session admission limiter. Redis-backed when REDIS_URL is set so
	// replicas share one budget; in-memory otherwise.
	var limiter services.AdmissionLimiter
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Redis connection failed: %v", err)
		}
		limiter = services.NewRedisSlidingWindowLimiter(
			redisService.Client(),
			cfg.RateLimitRequests,
			time.Duration(cfg.RateLimitWindowSeconds)*time.Second,
		)
		log.Println("✅ Admission limiter backed by Redis")
	} else {
		limiter = services.NewSlidingWindowLimiter(
			cfg.RateLimitRequests,
			time.Duration(cfg.RateLimitWindowSeconds)*time.Second,
		)
		log.Println("✅ Admission limiter in memory")
	}

	// Upstream model client
	upstream := services.NewUpstreamClient(
		cfg.GroqAPIURL,
		cfg.GroqAPIKey,
		cfg.GroqModel,
		cfg.GroqVisionModel,
		cfg.MaxRetries,
		time.Duration(cfg.UpstreamTimeout)*time.Second,
	)

	// Emergency keyword detector, optionally driven by a YAML policy file
	emergency := services.NewEmergencyDetector()
	defer emergency.Close()
	if cfg.EmergencyKeywordsFile != "" {
		if err := emergency.LoadPolicyFile(cfg.EmergencyKeywordsFile); err != nil {
			log.Printf("⚠️ Could not load emergency keyword policy, using defaults: %v", err)
		} else {
			log.Printf("✅ Emergency keyword policy loaded from %s", cfg.EmergencyKeywordsFile)
		}
	}

	references := services.NewReferenceService(cfg.NCBIAPIKey)
	normalizer := services.NewResponseNormalizer()
	metrics := services.InitMetrics(store)

	orchestrator := services.NewChatOrchestrator(
		limiter, store, upstream, normalizer, emergency, references, metrics,
	)

	// Optional periodic sweep; the store always sweeps lazily on access
	var sweeper *services.SweepScheduler
	if cfg.SweepIntervalSeconds > 0 {
		sweeper, err = services.StartSweepScheduler(store, time.Duration(cfg.SweepIntervalSeconds)*time.Second)
		if err != nil {
			log.Fatalf("❌ Failed to start sweep scheduler: %v", err)
		}
	}

	app := fiber.New(fiber.Config{
		AppName:   "My Doctor API",
		BodyLimit: 16 * 1024 * 1024, // image data URLs get large
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("mydoctor")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Public=%d/min",
		rateLimitConfig.GlobalAPIMax, rateLimitConfig.PublicReadMax)

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Global API rate limiter, separate from the per-session admission check
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(store)
	chatHandler := handlers.NewChatHandler(orchestrator, store)
	sessionsHandler := handlers.NewSessionsHandler(store)

	// Routes
	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api")
	api.Post("/chat", chatHandler.Chat)
	api.Post("/chat/pin", chatHandler.Pin)
	api.Post("/chat/archive", chatHandler.Archive)
	api.Post("/chat/delete", chatHandler.Delete)
	api.Post("/chat/share", chatHandler.Share)
	api.Get("/sessions", sessionsHandler.List)
	api.Get("/history", sessionsHandler.History)
	api.Get("/share/:shareId", middleware.PublicReadRateLimiter(rateLimitConfig), sessionsHandler.ResolveShare)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if sweeper != nil {
			sweeper.Stop()
		}

		if redisService != nil {
			if err := redisService.Close(); err != nil {
				log.Printf("⚠️ Error closing Redis: %v", err)
			}
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
