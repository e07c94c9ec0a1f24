// Command orchestrator runs the website-delivery pipeline engine: it
// serves the webhook ingress and query HTTP surfaces, drives the stage
// machine, and runs the outbound mirror's replay worker in the
// background.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/acme/siteflow/internal/config"
	"github.com/acme/siteflow/internal/db"
	"github.com/acme/siteflow/internal/dedupcache"
	"github.com/acme/siteflow/internal/httpapi"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/orchestrator"
	"github.com/acme/siteflow/internal/store"
	"github.com/acme/siteflow/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SITEFLOW_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	gdb, err := db.Open(cfg, log)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	st := store.New(gdb, log)
	comp := orchestrator.Wire(cfg, st, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := comp.Dispatcher.ReconcileOrphans(ctx); err != nil {
		log.Error("orphan reconciliation failed", "error", err)
	}

	go comp.Replay.Run(ctx)
	go comp.Approvals.RunReconciler(ctx)
	go pruneIngressEvents(ctx, st, cfg.IngressDedupRetention, log)

	engine := buildEngine(cfg, comp, log)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: engine,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("orchestrator listening", "port", cfg.HTTPPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func buildEngine(cfg *config.Config, comp *orchestrator.Components, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("siteflow-orchestrator"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	ingress := webhook.NewHandler(cfg.IngressSecret, comp.Store, comp.Store, comp.Approvals, comp.Orchestrator, log)
	if cfg.RedisAddr != "" {
		ingress = ingress.WithFastDedup(dedupcache.New(cfg.RedisAddr, cfg.IngressDedupRetention, log))
	}
	ingress.Register(r)

	query := httpapi.NewQueryHandler(comp.Store, log)
	query.Register(r)

	admin := httpapi.NewAdminHandler(comp.Approvals, log)
	admin.Register(r, cfg.AdminJWTSecret)

	return r
}

func pruneIngressEvents(ctx context.Context, st *store.Store, retention time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.PruneEventsOlderThan(ctx, retention); err != nil {
				log.Warn("ingress dedup prune failed", "error", err)
			}
		}
	}
}
