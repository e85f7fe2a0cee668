package config

import (
	"time"

	"github.com/zeromicro/go-zero/rest"

	"github.com/relaygate/relaygate/internal/gateway/tracing"
)

// Config is the gateway's top-level configuration, loaded from YAML via
// go-zero's conf package.
type Config struct {
	rest.RestConf

	Log       LogConfig
	Etcd      EtcdConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Limits    LimitsConfig
	RateLimit RateLimitConfig
	Presence  PresenceConfig
	Delivery  DeliveryConfig
	Ingress   IngressConfig
	Tracing   tracing.Config
}

// LogConfig mirrors the logx setup shared by all workers.
type LogConfig struct {
	ServiceName         string `json:",default=relaygate-gateway"`
	Mode                string `json:",default=console,options=console|file|volume"`
	Path                string `json:",default=logs/gateway"`
	Level               string `json:",default=info,options=debug|info|error|severe"`
	Compress            bool   `json:",default=false"`
	KeepDays            int    `json:",default=7"`
	StackCooldownMillis int    `json:",default=100"`
}

// EtcdConfig controls worker self-registration for discovery.
type EtcdConfig struct {
	Enable bool     `json:",default=false"`
	Hosts  []string `json:",optional"`
	Key    string   `json:",default=relaygate/gateways"`
}

// RedisConfig selects the durable event store. With Enable false the
// gateway falls back to an in-memory store and loses durability across
// restarts.
type RedisConfig struct {
	Enable   bool   `json:",default=true"`
	Addr     string `json:",default=localhost:6379"`
	Password string `json:",optional"`
	DB       int    `json:",default=0"`
}

// AuthConfig controls token verification and the post-accept
// authentication deadline.
type AuthConfig struct {
	Secret      string `json:",optional"`
	Issuer      string `json:",default=relaygate"`
	ExpireSec   int    `json:",default=3600"`
	DeadlineSec int    `json:",default=30"`
}

// Expire is the token lifetime.
func (c AuthConfig) Expire() time.Duration {
	return time.Duration(c.ExpireSec) * time.Second
}

// Deadline is how long an accepted connection may stay unauthenticated.
func (c AuthConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSec) * time.Second
}

// LimitsConfig holds the hard connection ceilings.
type LimitsConfig struct {
	MaxConnections      int `json:",default=100000"`
	MaxConnectionsPerIP int `json:",default=100"`
}

// RateLimitConfig holds the sliding-window limits for connection
// attempts and inbound messages.
type RateLimitConfig struct {
	ConnPerIP        int `json:",default=3000"`
	ConnWindowSec    int `json:",default=900"`
	MsgPerPrincipal  int `json:",default=600"`
	MsgPerConnection int `json:",default=300"`
	MsgWindowSec     int `json:",default=60"`
	OversizeBytes    int `json:",default=65536"`
	SweepIntervalSec int `json:",default=300"`
}

// ConnWindow is the window for connection-attempt limiting.
func (c RateLimitConfig) ConnWindow() time.Duration {
	return time.Duration(c.ConnWindowSec) * time.Second
}

// MsgWindow is the window for message limiting.
func (c RateLimitConfig) MsgWindow() time.Duration {
	return time.Duration(c.MsgWindowSec) * time.Second
}

// SweepInterval is how often idle limiter windows are reaped.
func (c RateLimitConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// PresenceConfig controls the disconnect grace period.
type PresenceConfig struct {
	GracePeriodSec int `json:",default=60"`
}

// GracePeriod is how long a fully disconnected principal stays online.
func (c PresenceConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSec) * time.Second
}

// DeliveryConfig tunes the event delivery engine.
type DeliveryConfig struct {
	MaxDrainBatch         int `json:",default=500"`
	PaceDelayMs           int `json:",default=50"`
	StorageTimeoutMs      int `json:",default=2000"`
	DeliveredRetentionHrs int `json:",default=24"`
	AbandonedRetentionHrs int `json:",default=720"`
	VolatileTTLSec        int `json:",default=3600"`
	SweepIntervalSec      int `json:",default=60"`
}

// PaceDelay is the inter-event gap during a reconnect drain.
func (c DeliveryConfig) PaceDelay() time.Duration {
	return time.Duration(c.PaceDelayMs) * time.Millisecond
}

// StorageTimeout bounds each event store call.
func (c DeliveryConfig) StorageTimeout() time.Duration {
	return time.Duration(c.StorageTimeoutMs) * time.Millisecond
}

// DeliveredRetention is how long delivered events are kept before purge.
func (c DeliveryConfig) DeliveredRetention() time.Duration {
	return time.Duration(c.DeliveredRetentionHrs) * time.Hour
}

// AbandonedRetention is how long undelivered events are kept before
// being abandoned.
func (c DeliveryConfig) AbandonedRetention() time.Duration {
	return time.Duration(c.AbandonedRetentionHrs) * time.Hour
}

// VolatileTTL is how long volatile queue entries outlive their enqueue.
func (c DeliveryConfig) VolatileTTL() time.Duration {
	return time.Duration(c.VolatileTTLSec) * time.Second
}

// SweepInterval is the background sweep cadence.
func (c DeliveryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// IngressConfig throttles HTTP requests ahead of the websocket upgrade.
type IngressConfig struct {
	Enable bool `json:",default=false"`
	Rate   int  `json:",default=1000"`
	Burst  int  `json:",default=2000"`
}
