package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"authgate.io/internal/audit"
	"authgate.io/internal/auth"
	"authgate.io/internal/authz"
	"authgate.io/internal/config"
	"authgate.io/internal/httpapi"
	"authgate.io/internal/janitor"
	"authgate.io/internal/mail"
	"authgate.io/internal/migrate"
	"authgate.io/internal/obs"
	"authgate.io/internal/store/pg"
	"authgate.io/internal/stream"
	"authgate.io/migrations"
)

// Overridden at build time via -ldflags.
var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().WithError(err).Fatal("load config")
	}

	obs.Init()
	obs.SetLevel(cfg.LogLevel)
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store: Postgres when a DSN is configured, otherwise everything lives in
	// memory. The memory store is for development and vanishes on restart.
	var (
		store auth.Store
		db    *sql.DB
	)
	if cfg.PgDSN != "" {
		pgStore, err := pg.Open(cfg.PgDSN)
		if err != nil {
			log.WithError(err).Fatal("open postgres")
		}
		defer pgStore.Close()
		store = pgStore
		db = pgStore.DB()

		if cfg.AutoMigrate {
			if err := migrate.NewManager(db, migrations.Files, ".").Up(ctx); err != nil {
				log.WithError(err).Fatal("apply migrations")
			}
		}
	} else {
		log.Warn("AUTHGATE_PG_DSN not set, state is in-memory and will not survive a restart")
		store = auth.NewMemory()
	}

	events := stream.New()
	trail := audit.NewTrail(store.Audit(ctx), events)

	svc, err := auth.NewService(store,
		auth.WithTrail(trail),
		auth.WithMailer(mail.LogMailer{}),
		auth.WithLockoutPolicy(auth.LockoutPolicy{Threshold: cfg.LockoutThreshold, Cooldown: cfg.LockoutCooldown}),
		auth.WithSessionTTL(cfg.SessionTTL),
		auth.WithRememberTTL(cfg.RememberTTL),
		auth.WithResetTTL(cfg.ResetTTL),
		auth.WithResetBaseURL(cfg.ResetBaseURL),
	)
	if err != nil {
		log.WithError(err).Fatal("build auth service")
	}

	if cfg.Bootstrap {
		res, err := svc.Bootstrap(ctx, cfg.OwnerPassword)
		if err != nil {
			log.WithError(err).Fatal("bootstrap")
		}
		log.WithFields(map[string]any{
			"permissions_created": res.PermissionsCreated,
			"roles_created":       res.RolesCreated,
		}).Info("bootstrap complete")
		if res.Owner != nil && res.Owner.Created && cfg.OwnerPassword == "" {
			// The minted password exists nowhere else; surface it once.
			log.WithFields(map[string]any{
				"username": res.Owner.Username,
				"password": res.Owner.Password,
			}).Warn("owner account created, change this password immediately")
		}
	}

	table := authz.Default()
	if cfg.RouteMapPath != "" {
		if table, err = authz.Load(cfg.RouteMapPath); err != nil {
			log.WithError(err).Fatal("load route map")
		}
	}
	table = table.WithPublic(cfg.PublicPaths)

	checkTable := func(t *authz.Table) error {
		codes, err := store.Permissions(ctx).AllCodes(ctx)
		if err != nil {
			return err
		}
		return t.Validate(codes)
	}
	if err := checkTable(table); err != nil {
		// Not fatal: the affected routes stay locked to superusers.
		log.WithError(err).Warn("route map derives codes missing from the catalog")
	}
	provider := authz.NewProvider(table, checkTable)
	if cfg.RouteMapPath != "" {
		go func() {
			if err := provider.Watch(ctx, cfg.RouteMapPath); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("route map watcher stopped")
			}
		}()
	}

	jan := janitor.New(store, cfg.AuditRetention)
	if err := jan.Start(); err != nil {
		log.WithError(err).Fatal("start janitor")
	}

	api := httpapi.New(svc, provider,
		httpapi.WithVersion(version),
		httpapi.WithStream(events),
		httpapi.WithReadyProbe(httpapi.ReadyProbe{DB: db}),
		httpapi.WithCookieSecure(cfg.CookieSecure),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithFields(map[string]any{"addr": cfg.Addr, "version": version}).Info("authgate-api listening")
		obs.SetReady(true)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	<-jan.Stop().Done()
	log.Info("stopped")
}
