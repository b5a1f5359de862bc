package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/config"
	"github.com/ehr/edflow/internal/domain/emergency"
	"github.com/ehr/edflow/internal/platform/aiscore"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/cache"
	"github.com/ehr/edflow/internal/platform/db"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/platform/middleware"
	"github.com/ehr/edflow/internal/platform/scheduler"
	"github.com/ehr/edflow/internal/platform/telemetry"
)

// defaultStaffing is the on-duty count reported by the in-memory store,
// which has no shift roster.
var defaultStaffing = emergency.Staffing{Nurses: 8, Physicians: 3}

// app holds everything serve and optimize share.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	hub     *events.Hub
	bus     *events.Bus
	metrics *telemetry.PromSink
	module  *emergency.Module
	tasks   *scheduler.Runner
	closers []io.Closer
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	c, err := a.openCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hub = events.NewHub(logger)
	transports, err := a.openTransports(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.bus = events.NewBus(logger, transports...)

	a.metrics = telemetry.NewPromSink(telemetry.NewRegistry())

	var ai emergency.AIScorer
	if cfg.AIScorerURL != "" {
		client := aiscore.NewClient(cfg.AIScorerURL, cfg.AIScorerTimeout, aiscore.WithAPIKey(cfg.AIScorerAPIKey))
		ai = emergency.NewModelScorer(client)
		logger.Info().Str("url", cfg.AIScorerURL).Msg("severity model enabled")
	}

	a.module = emergency.NewModule(store, c, ai, moduleConfig(cfg), emergency.Deps{
		Events:  a.bus,
		Metrics: a.metrics,
		Log:     logger.With().Str("module", "emergency").Logger(),
		Tracer:  telemetry.Tracer("github.com/ehr/edflow/emergency"),
	})

	a.tasks = scheduler.NewRunner(logger)
	a.tasks.Add("capacity-refresh", cfg.CapacityRefreshInterval, func(ctx context.Context) error {
		_, err := a.module.Capacity.Refresh(ctx)
		return err
	})
	a.tasks.Add("flow-optimize", cfg.FlowOptimizeInterval, func(ctx context.Context) error {
		res, err := a.module.Flow.OptimizeFlow(ctx)
		if err != nil {
			return err
		}
		logger.Debug().
			Int("bottlenecks", len(res.Bottlenecks)).
			Int("applied", res.AppliedActions).
			Msg("flow cycle complete")
		return nil
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) (emergency.Store, error) {
	switch a.cfg.Store {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, db.PoolOptions{
			MaxConns:        a.cfg.DBMaxConns,
			MinConns:        a.cfg.DBMinConns,
			MaxConnLifetime: time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.log.Info().Msg("connected to database")
		return emergency.NewPGStore(pool), nil
	default:
		store := emergency.NewMemoryStore()
		if err := store.SeedDefaultLayout(time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("seed bed layout: %w", err)
		}
		store.SetStaffing(defaultStaffing)
		a.log.Warn().Msg("using in-memory store; state is lost on restart")
		return store, nil
	}
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := cache.NewRedisClient(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client)
	return client, nil
}

func (a *app) openCache(ctx context.Context) (cache.Store, error) {
	if a.cfg.CacheBackend == config.CacheRedis {
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return cache.NewRedisStore(client, "ed:"), nil
	}
	mem := cache.NewMemoryStore()
	mem.StartCleanup(ctx, time.Minute)
	return mem, nil
}

func (a *app) openTransports(ctx context.Context) ([]events.Transport, error) {
	var out []events.Transport
	for _, name := range a.cfg.EventBackends {
		switch name {
		case "hub":
			out = append(out, a.hub)
		case "redis":
			client, err := a.redisClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("connect to redis: %w", err)
			}
			out = append(out, events.NewRedisTransport(client, "ed."))
		case "amqp":
			t, err := events.DialAMQP(a.cfg.AMQPURL, a.cfg.AMQPExchange)
			if err != nil {
				return nil, fmt.Errorf("dial amqp: %w", err)
			}
			a.closers = append(a.closers, t)
			out = append(out, t)
		case "nats":
			t, err := events.ConnectNATS(a.cfg.NATSURL, "ed")
			if err != nil {
				return nil, fmt.Errorf("connect to nats: %w", err)
			}
			a.closers = append(a.closers, t)
			out = append(out, t)
		default:
			return nil, fmt.Errorf("unknown event backend %q", name)
		}
	}
	return out, nil
}

func moduleConfig(cfg *config.Config) emergency.ModuleConfig {
	mc := emergency.DefaultModuleConfig()
	mc.Capacity.TTL = cfg.CapacityTTL()
	mc.Capacity.OccupancyAlert = cfg.OccupancyAlertThreshold
	mc.Capacity.WaitAlertMinutes = cfg.WaitAlertMinutes
	mc.Capacity.DivertOccupancy = cfg.DivertOccupancy
	mc.Capacity.DivertQueueLength = cfg.DivertQueueLength
	mc.Flow.MaxAutoActions = cfg.FlowMaxAutoActions
	return mc
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.IsDev() && a.cfg.AuthSigningKey == "" && a.cfg.AuthJWKSURL == "" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		JWKSURL:    a.cfg.AuthJWKSURL,
		SigningKey: []byte(a.cfg.AuthSigningKey),
	})
}

func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.log))
	e.Use(a.metrics.HTTPMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Probes and scraping sit outside authentication.
	e.GET("/health", a.health)
	e.GET("/metrics", a.metrics.Handler())

	secured := e.Group("", a.authMiddleware())
	if a.cfg.RequestTimeout > 0 {
		secured.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))
	}
	secured.GET("/ws", a.hub.ServeWS)
	a.module.Handler.RegisterRoutes(secured.Group("/api/v1"), secured.Group("/fhir"))
	return e
}

func (a *app) health(c echo.Context) error {
	if a.pool != nil {
		return db.HealthHandler(a.pool)(c)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"store":      a.cfg.Store,
		"ws_clients": a.hub.ClientCount(),
	})
}

func (a *app) startScheduler(ctx context.Context) {
	go a.tasks.Start(ctx)
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return nil
}
