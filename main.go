package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"ews-server/collector"
	"ews-server/config"
	"ews-server/db"
	"ews-server/derive"
	"ews-server/ews"
	"ews-server/handlers"
	"ews-server/logger"
	"ews-server/middleware"
	"ews-server/models"
	"ews-server/pii"
	"ews-server/predictions"
	"ews-server/sourceapi"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.GinMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()
	pool, err := db.InitDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("unable to connect to database", "error", err)
	}
	defer pool.Close()

	if err := db.CreateSchema(ctx, pool); err != nil {
		log.Fatal("error creating database schema", "error", err)
	}
	if err := seedCourses(ctx, cfg.CourseSeedPath, pool, log); err != nil {
		log.Fatal("error seeding courses", "error", err)
	}

	cipher, err := pii.New(cfg.PII.EncryptionKey)
	if err != nil {
		log.Fatal("error initializing identity cipher", "error", err)
	}
	source, err := sourceapi.New(cfg.Source, log)
	if err != nil {
		log.Fatal("error initializing source client", "error", err)
	}
	predClient, err := predictions.New(cfg.Predictions, log)
	if err != nil {
		log.Fatal("error initializing prediction client", "error", err)
	}

	coll := collector.New(pool, source, cipher, log, cfg.DevLockCourseID)
	engine := derive.New(pool, log)
	ewsSvc := ews.New(pool, cipher, predClient, log)
	pipeline := handlers.NewPipeline(coll, engine, ewsSvc, log)

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(log))

	webhookAuth := middleware.WebhookAuth(cfg.Predictions.JWTSigningKey, cfg.Predictions.WebhookIssuer, log)

	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/pipeline/run", handlers.RunPipeline(pipeline))
		apiV1.GET("/pipeline/errors", handlers.GetPipelineErrors(pool))
		apiV1.GET("/courses", handlers.GetCourses(pool))
		apiV1.GET("/courses/:course_id/ews", handlers.GetCourseEWS(ewsSvc))
		apiV1.POST("/webhooks/predictions", webhookAuth, handlers.PredictionWebhook(ewsSvc, pool, log))
	}

	// Scheduled pipeline passes. Run reports busy if a manual run is still
	// in flight; the tick is simply skipped.
	go func() {
		ticker := time.NewTicker(cfg.PipelineInterval)
		defer ticker.Stop()
		for range ticker.C {
			if runID, started := pipeline.Run(context.Background()); started {
				log.Info("scheduled pipeline run started", "run_id", runID)
			} else {
				log.Warn("skipping scheduled run, previous run still in progress")
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.ServerPort,
		Handler: router,
	}
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Fatal("server forced to shutdown", "error", err)
		}
	}()

	log.Info("server starting", "addr", cfg.ServerPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server startup error", "error", err)
	}
	log.Info("server exited gracefully")
}

// seedCourses upserts the operator-maintained course list from courses.yaml.
// A missing seed file is fine; courses can also be registered directly in
// the database.
func seedCourses(ctx context.Context, path string, pool *pgxpool.Pool, log *logger.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("course seed file not found, skipping", "path", path)
			return nil
		}
		return err
	}
	var seeds []models.CourseSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("invalid course seed file %s: %w", path, err)
	}
	if err := db.SeedCourses(ctx, pool, seeds); err != nil {
		return err
	}
	log.Info("seeded courses", "count", len(seeds), "path", path)
	return nil
}
