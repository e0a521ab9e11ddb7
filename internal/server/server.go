package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/zedarvates/storycore/config"
	"github.com/zedarvates/storycore/internal/cache"
	"github.com/zedarvates/storycore/internal/consistency"
	"github.com/zedarvates/storycore/internal/continuity"
	"github.com/zedarvates/storycore/internal/episode"
	"github.com/zedarvates/storycore/internal/events"
	"github.com/zedarvates/storycore/internal/runtime"
	"github.com/zedarvates/storycore/internal/similarity"
	"github.com/zedarvates/storycore/internal/store"
	"github.com/zedarvates/storycore/internal/telemetry"
	"github.com/zedarvates/storycore/internal/tracker"
)

// Run assembles the service and serves until the listener fails.
func Run(addr string, configPath string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	cfg := appconfig.LoadConfig(configPath, false)
	ctx := context.Background()

	// Postgres when configured, in-process store otherwise. The memory store
	// carries the same semantics and is enough for single-node runs.
	var st store.Store
	if dsn, err := cfg.Databases.Postgres.DSN(); err == nil {
		if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
			log.Printf("[SERVER] migrate: %v", err)
		}
		pg, err := store.NewPostgres(ctx, dsn)
		if err != nil {
			return err
		}
		st = pg
	} else {
		log.Printf("[SERVER] postgres not configured, using in-memory store")
		st = store.NewMemory()
	}

	tel := telemetry.New(cfg.Telemetry.PeriodicLogs, time.Minute)
	defer tel.Shutdown()

	bus := events.NewBus()

	// Redis is optional: with it the score cache and change notifications are
	// shared across processes, without it both stay in-process.
	var scoreCache cache.ScoreCache = cache.NewMemory()
	rdb, err := cache.Conn(ctx, cfg.Databases.Redis.Host, cfg.Databases.Redis.Port,
		cfg.Databases.Redis.Password, cfg.Databases.Redis.DB, cfg.Databases.Redis.Timeout)
	if err != nil {
		log.Printf("[SERVER] redis unavailable, using in-memory cache: %v", err)
		rdb = nil
	} else {
		scoreCache = cache.NewRedis(rdb, cfg.Cache.Namespace)
		pub := events.NewPublisher(rdb, events.StreamNotifications, 10000)
		bus.Subscribe(pub.Sink(5 * time.Second))
	}

	provider := similarity.NewStub()
	analyzer := continuity.NewAnalyzer(provider, tel, cfg.Engine.ProviderTimeout)
	engine := consistency.NewEngine(st, provider, consistency.Config{
		Cache:           scoreCache,
		Checker:         analyzer,
		Telemetry:       tel,
		TTL:             cfg.Cache.TTL,
		ProviderTimeout: cfg.Engine.ProviderTimeout,
	})
	trk, err := tracker.New(st, bus, tel)
	if err != nil {
		return err
	}
	episodes := episode.New(st, provider, bus, tel, cfg.Engine.ProviderTimeout)

	sched := &Scheduler{Engine: engine, Tracker: trk, Stop: make(chan struct{}), Rdb: rdb, Cron: cfg.Scheduler.Cron}

	st.OnChange(func(c store.Change) {
		n := scoreCache.Invalidate(context.Background(), c.EntityID)
		if n > 0 {
			log.Printf("[SERVER] invalidated %d cached scores for %s %s", n, c.EntityType, c.EntityID)
		}
		bus.Publish(events.Envelope{
			EventType:  events.EventReferenceChanged,
			EntityID:   c.EntityID,
			EntityType: string(c.EntityType),
		})
		if cfg.Scheduler.Enabled {
			sched.MarkDirty(c)
		}
	})

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(runtime.EchoAuthMiddleware(secret))
	(&ReferenceHandler{Store: st}).Register(protected)
	(&ValidateHandler{Engine: engine, Tracker: trk}).Register(protected)
	(&IssueHandler{Tracker: trk}).Register(protected)
	(&EpisodeHandler{Service: episodes}).Register(protected)

	if cfg.Scheduler.Enabled {
		sched.Start()
		defer close(sched.Stop)
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
