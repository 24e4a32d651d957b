package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron"

	config "github.com/campaignloop/publisher/configs"
	"github.com/campaignloop/publisher/internal/api/handlers"
	"github.com/campaignloop/publisher/internal/api/middleware"
	"github.com/campaignloop/publisher/internal/generator"
	"github.com/campaignloop/publisher/internal/materializer"
	"github.com/campaignloop/publisher/internal/platform"
	"github.com/campaignloop/publisher/internal/platform/bridge"
	"github.com/campaignloop/publisher/internal/publisher"
	"github.com/campaignloop/publisher/internal/queue"
	"github.com/campaignloop/publisher/internal/repository"
	"github.com/campaignloop/publisher/internal/scheduler"
	"github.com/campaignloop/publisher/internal/tokenguard"
	"github.com/campaignloop/publisher/pkg/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()

	if cfg.OpsAPIKey == "" {
		key, err := utils.GenerateRandomKey(32)
		if err != nil {
			log.Fatalf("Failed to generate ops API key: %v", err)
		}
		cfg.OpsAPIKey = key
		log.Printf("OPS_API_KEY not set, generated one for this run: %s", key)
	}

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer closeDB(db)

	if err := db.Ping(); err != nil {
		log.Fatalf("Database is unreachable: %v", err)
	}

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	client := asynq.NewClient(redisConn)
	defer client.Close()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Printf("Error: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.FrontendURL,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Api-Key",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	ruleRepo := repository.NewScheduleRuleRepository(db)
	postRepo := repository.NewPostRepository(db)
	socialAccountRepo := repository.NewSocialAccountRepository(db)
	historyRepo := repository.NewPostingHistoryRepository(db)
	store := repository.NewMaterializationStore(db, postRepo, ruleRepo)

	registry := platform.NewRegistry()
	for _, name := range cfg.Platforms {
		registry.Register(name, bridge.New(cfg.ConnectorURL, name))
	}

	cipher := utils.NewTokenCipher(cfg.SecretKey)
	guard := tokenguard.NewGuard(socialAccountRepo, registry, cipher)
	gen := generator.NewHTTPGenerator(cfg.ContentAPIURL)

	mat := materializer.New(store, ruleRepo, postRepo, socialAccountRepo, gen)

	orch := publisher.New(postRepo, socialAccountRepo, historyRepo, registry, guard, publisher.Config{
		MaxAttempts: cfg.Scheduler.PublishMaxAttempts,
		BaseDelay:   cfg.Scheduler.PublishBaseDelay,
		VerifyDelay: cfg.Scheduler.VerifyDelay,
		CallTimeout: 30 * time.Second,
	})

	queueW := queue.NewQueue(postRepo, orch)
	enqueuer := queue.NewEnqueuer(client)

	sched := scheduler.New(ruleRepo, postRepo, socialAccountRepo, mat, enqueuer)
	sweepJob := tokenguard.NewSweepJob(socialAccountRepo, guard)

	authMiddleware := middleware.NewAuthMiddleware(*cfg)

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	ops := handlers.NewOpsHandler(sched, sweepJob)
	api.Post("/scheduler/tick", ops.TriggerTick)
	api.Post("/scheduler/token_sweep", ops.TriggerTokenSweep)
	api.Get("/scheduler/health", ops.GetHealth)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	c := cron.New()
	c.AddFunc(cronEvery(cfg.Scheduler.PollInterval), sched.Run)
	c.AddFunc(cronEvery(cfg.Scheduler.TokenSweepInterval), sweepJob.Run)
	c.Start()

	go func() {
		server := asynq.NewServer(redisConn, asynq.Config{
			Concurrency: cfg.Scheduler.WorkerConcurrency,
		})

		mux := asynq.NewServeMux()
		mux.HandleFunc(queue.TaskTypePublishPost, queueW.HandlePublishPostTask)

		log.Println("Starting the Asynq server...")
		if err := server.Run(mux); err != nil {
			log.Fatalf("Could not start Asynq server: %v", err)
		}
	}()

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("Server is running on %s", cfg.ListenAddr)

	gracefulShutdown(app, c, db)
}

func cronEvery(d time.Duration) string {
	return "@every " + d.String()
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, c *cron.Cron, db *sql.DB) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down server...")

	c.Stop()

	if err := app.Shutdown(); err != nil {
		log.Fatalf("Failed to shut down server: %v", err)
	}

	closeDB(db)
	log.Println("Server shutdown complete.")
}
