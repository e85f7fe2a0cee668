package svc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/gateway/breaker"
	"github.com/relaygate/relaygate/internal/gateway/config"
	"github.com/relaygate/relaygate/internal/gateway/delivery"
	"github.com/relaygate/relaygate/internal/gateway/discovery"
	"github.com/relaygate/relaygate/internal/gateway/jwt"
	"github.com/relaygate/relaygate/internal/gateway/metrics"
	"github.com/relaygate/relaygate/internal/gateway/presence"
	"github.com/relaygate/relaygate/internal/gateway/ratelimit"
	"github.com/relaygate/relaygate/internal/gateway/registry"
	"github.com/relaygate/relaygate/internal/gateway/session"
	"github.com/relaygate/relaygate/internal/gateway/tracing"
	"github.com/relaygate/relaygate/internal/gateway/websocket"
)

// ServiceContext owns every long-lived component of the gateway and the
// wiring between them.
type ServiceContext struct {
	Config   config.Config
	WorkerID string
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Tracer   *tracing.Tracer

	Registry    *registry.Registry
	Tracker     *presence.Tracker
	Engine      *delivery.Engine
	Coordinator *session.Coordinator
	WSServer    *websocket.Server

	ConnLimiter      *ratelimit.Limiter
	PrincipalLimiter *ratelimit.Limiter
	ConnMsgLimiter   *ratelimit.Limiter

	Registrar   *discovery.Registrar
	redisClient *redis.Client
}

// NewServiceContext builds the gateway's component graph from config.
func NewServiceContext(c config.Config) *ServiceContext {
	logger, err := buildLogger(c.Log)
	if err != nil {
		panic(fmt.Sprintf("logger initialization failed: %v", err))
	}

	m := metrics.New("relaygate")

	tracer, err := tracing.NewTracer(&c.Tracing, logger)
	if err != nil {
		panic(fmt.Sprintf("tracing initialization failed: %v", err))
	}

	// Durable event store: redis in production, in-memory for
	// single-node development setups.
	var store delivery.Store
	var redisClient *redis.Client
	if c.Redis.Enable {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		rs, err := delivery.NewRedisStore(redisClient, logger)
		if err != nil {
			panic(fmt.Sprintf("redis store initialization failed: %v", err))
		}
		store = rs
		logger.Info("using redis event store", zap.String("addr", c.Redis.Addr))
	} else {
		store = delivery.NewMemoryStore()
		logger.Warn("using in-memory event store, queued events will not survive restarts")
	}

	cb := breaker.New("event-store", breaker.Config{}, logger)

	reg := registry.New(registry.Config{
		MaxConnections:      c.Limits.MaxConnections,
		MaxConnectionsPerIP: c.Limits.MaxConnectionsPerIP,
		AuthDeadline:        c.Auth.Deadline(),
	}, logger)
	reg.SetEvictHook(func(connID string) {
		m.AuthDeadlineEvicted.Inc()
	})

	// The tracker is created after the engine, so the interest closure
	// reads it through this variable.
	var tracker *presence.Tracker

	engine := delivery.NewEngine(store, cb, delivery.Config{
		MaxDrainBatch:      c.Delivery.MaxDrainBatch,
		PaceDelay:          c.Delivery.PaceDelay(),
		StorageTimeout:     c.Delivery.StorageTimeout(),
		DeliveredRetention: c.Delivery.DeliveredRetention(),
		AbandonedRetention: c.Delivery.AbandonedRetention(),
		VolatileTTL:        c.Delivery.VolatileTTL(),
		SweepInterval:      c.Delivery.SweepInterval(),
		OnDrain: func(delivered int, elapsed time.Duration) {
			m.EventsDrained.Add(float64(delivered))
			m.DrainDuration.Observe(elapsed.Seconds())
		},
	}, func(principalID string) bool {
		if len(reg.ConnectionsFor(principalID)) > 0 {
			return true
		}
		return tracker != nil && tracker.Online(principalID)
	}, logger)

	notifier := &meteredNotifier{
		next:    session.NewBroadcaster(reg, logger),
		metrics: m,
	}
	tracker = presence.NewTracker(c.Presence.GracePeriod(), reg, notifier, logger)

	connLimiter := ratelimit.NewLimiter(c.RateLimit.ConnPerIP, c.RateLimit.ConnWindow(), logger)
	principalLimiter := ratelimit.NewLimiter(c.RateLimit.MsgPerPrincipal, c.RateLimit.MsgWindow(), logger)
	connMsgLimiter := ratelimit.NewLimiter(c.RateLimit.MsgPerConnection, c.RateLimit.MsgWindow(), logger)

	jwtManager := jwt.NewManager(c.Auth.Secret, c.Auth.Expire(), c.Auth.Issuer)

	coordinator := session.NewCoordinator(
		reg, tracker, engine,
		connLimiter, principalLimiter, connMsgLimiter,
		jwtManager,
		session.Config{OversizeBytes: c.RateLimit.OversizeBytes},
		logger,
	)

	wsServer := websocket.NewServer(coordinator, m, logger)

	workerID := uuid.NewString()

	var registrar *discovery.Registrar
	if c.Etcd.Enable {
		registrar, err = discovery.NewRegistrar(c.Etcd.Hosts, logger)
		if err != nil {
			panic(fmt.Sprintf("etcd initialization failed: %v", err))
		}
		addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
		if err := registrar.Register(c.Etcd.Key, workerID, addr); err != nil {
			panic(fmt.Sprintf("worker registration failed: %v", err))
		}
	}

	return &ServiceContext{
		Config:           c,
		WorkerID:         workerID,
		Logger:           logger,
		Metrics:          m,
		Tracer:           tracer,
		Registry:         reg,
		Tracker:          tracker,
		Engine:           engine,
		Coordinator:      coordinator,
		WSServer:         wsServer,
		ConnLimiter:      connLimiter,
		PrincipalLimiter: principalLimiter,
		ConnMsgLimiter:   connMsgLimiter,
		Registrar:        registrar,
		redisClient:      redisClient,
	}
}

// Start launches the background loops: the delivery sweep and the
// limiter window reapers. They stop when ctx is cancelled.
func (sc *ServiceContext) Start(ctx context.Context) {
	go sc.Engine.Run(ctx)
	go sc.ConnLimiter.Run(ctx, sc.Config.RateLimit.SweepInterval())
	go sc.PrincipalLimiter.Run(ctx, sc.Config.RateLimit.SweepInterval())
	go sc.ConnMsgLimiter.Run(ctx, sc.Config.RateLimit.SweepInterval())
}

// Shutdown tears components down in dependency order: deregister from
// discovery first so no new traffic arrives, then close sessions, then
// flush telemetry.
func (sc *ServiceContext) Shutdown(ctx context.Context) {
	if sc.Registrar != nil {
		if err := sc.Registrar.Close(); err != nil {
			sc.Logger.Warn("failed to close etcd registrar", zap.Error(err))
		}
	}

	sc.Coordinator.Shutdown()

	if sc.redisClient != nil {
		if err := sc.redisClient.Close(); err != nil {
			sc.Logger.Warn("failed to close redis client", zap.Error(err))
		}
	}

	if err := sc.Tracer.Shutdown(ctx); err != nil {
		sc.Logger.Warn("failed to shut down tracer", zap.Error(err))
	}

	_ = sc.Logger.Sync()
}

// buildLogger constructs the zap logger the components share.
func buildLogger(c config.LogConfig) (*zap.Logger, error) {
	if c.Mode == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// meteredNotifier layers presence metrics over the broadcast notifier.
type meteredNotifier struct {
	next    *session.Broadcaster
	metrics *metrics.Metrics
}

func (n *meteredNotifier) OnPresenceChanged(principalID string, online bool) {
	if online {
		n.metrics.PresenceTransitions.WithLabelValues("online").Inc()
		n.metrics.OnlinePrincipals.Inc()
	} else {
		n.metrics.PresenceTransitions.WithLabelValues("offline").Inc()
		n.metrics.OnlinePrincipals.Dec()
	}
	n.next.OnPresenceChanged(principalID, online)
}
