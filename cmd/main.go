package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"siteexport/internal/api"
	"siteexport/internal/auth"
	"siteexport/internal/config"
	fileutil "siteexport/internal/file"
	"siteexport/internal/registry"
	"siteexport/internal/store"
	"siteexport/internal/task"
)

func main() {

	teardown := flag.Bool("teardown", false, "remove every stored record and archive file, then exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Auth.JWTSecret == "" {
		log.Fatal().Msg("auth.jwt_secret must be configured")
	}

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}
	workDir := filepath.Join(cfg.DataDir, "archives")
	if err := fileutil.EnsureDir(workDir); err != nil {
		log.Fatal().Err(err).Str("dir", workDir).Msg("ensure archive work dir")
	}

	recordStore, err := store.OpenSQLite(filepath.Join(cfg.DataDir, "records.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("open record store")
	}

	archiveRegistry := registry.New(recordStore, workDir)
	if *teardown {
		if err := archiveRegistry.Teardown(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("teardown failed")
		}
		_ = recordStore.Close()
		return
	}

	engine := task.NewEngine(recordStore, archiveRegistry, task.Options{
		WorkDir: workDir,
		Roots: task.Roots{
			Themes:  cfg.Roots.Themes,
			Plugins: cfg.Roots.Plugins,
			Uploads: cfg.Roots.Uploads,
		},
		BatchSize: cfg.BatchSize,
	})
	roleManager := auth.NewRoles(recordStore, cfg.Roles)

	router := setupRouter()
	api.NewAPI(engine, archiveRegistry, roleManager, cfg.Auth.JWTSecret).RegisterRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runSweep(sweepCtx, engine, cfg.TaskTTL, cfg.SweepInterval)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}
	stopSweep()
	if err := recordStore.Close(); err != nil {
		log.Warn().Err(err).Msg("record store close warning")
	}
	log.Info().Msg("server exited cleanly")
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

// runSweep periodically reclaims abandoned incomplete tasks and their
// partial archives. The engine itself never schedules anything; progress
// and cleanup are both driven from outside.
func runSweep(ctx context.Context, engine *task.Engine, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.SweepExpired(ctx, ttl); err != nil {
				log.Warn().Err(err).Msg("task sweep failed")
			}
		}
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}
