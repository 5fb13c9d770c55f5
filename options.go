package realtime

import (
	"net/http"
	"time"
)

// Config collects everything the hub and server need. Zero values are filled
// in by defaults; use the With* options rather than building one by hand.
type Config struct {
	Logger  Logger
	Metrics Metrics

	Heartbeat HeartbeatConfig
	Queue     QueueConfig
	Pool      PoolConfig

	Workers     int
	WorkerQueue int

	Store MessageStore

	PubSub         PubSub
	NodeID         string
	ClusterChannel string

	Compression bool

	// Per-user inbound rate limit. Zero disables the limiter.
	MessageRate  float64
	MessageBurst int

	MetricsInterval time.Duration

	Authenticator Authenticator
	CheckOrigin   func(r *http.Request) bool

	ReadBufferSize  int
	WriteBufferSize int

	middlewares []Middleware

	// backlogRetry is how often queued frames are retried against their
	// connections.
	backlogRetry time.Duration
}

func defaultConfig() Config {
	return Config{
		Logger:  defaultLogger(),
		Metrics: noopMetrics{},
		Heartbeat: HeartbeatConfig{
			Interval:      30 * time.Second,
			PongTimeout:   60 * time.Second,
			WriteWait:     10 * time.Second,
			ReadLimit:     1 << 20,
			SweepInterval: 15 * time.Second,
		},
		Queue: QueueConfig{
			Size:        256,
			EnqueueWait: 200 * time.Millisecond,
			BacklogSize: 10000,
		},
		Pool: PoolConfig{
			InitialPools:    4,
			PoolCapacity:    2500,
			RejectThreshold: 0.95,
			Policy:          PolicyReject,
			MaxConnsPerUser: 10,
			ThrottleRate:    100,
			ThrottleBurst:   200,
		},
		Workers:         8,
		WorkerQueue:     2048,
		Store:           noopStore{},
		NodeID:          "local",
		ClusterChannel:  "realtime.cluster",
		Compression:     true,
		MetricsInterval: 10 * time.Second,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

func (cfg Config) withDefaults() Config {
	def := defaultConfig()

	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = def.Metrics
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if cfg.Heartbeat.PongTimeout <= 0 {
		cfg.Heartbeat.PongTimeout = def.Heartbeat.PongTimeout
	}
	if cfg.Heartbeat.WriteWait <= 0 {
		cfg.Heartbeat.WriteWait = def.Heartbeat.WriteWait
	}
	if cfg.Heartbeat.ReadLimit <= 0 {
		cfg.Heartbeat.ReadLimit = def.Heartbeat.ReadLimit
	}
	if cfg.Heartbeat.SweepInterval <= 0 {
		cfg.Heartbeat.SweepInterval = def.Heartbeat.SweepInterval
	}
	if cfg.Queue.Size <= 0 {
		cfg.Queue.Size = def.Queue.Size
	}
	if cfg.Queue.EnqueueWait <= 0 {
		cfg.Queue.EnqueueWait = def.Queue.EnqueueWait
	}
	if cfg.Pool.InitialPools <= 0 {
		cfg.Pool.InitialPools = def.Pool.InitialPools
	}
	if cfg.Pool.PoolCapacity <= 0 {
		cfg.Pool.PoolCapacity = def.Pool.PoolCapacity
	}
	if cfg.Pool.RejectThreshold <= 0 || cfg.Pool.RejectThreshold > 1 {
		cfg.Pool.RejectThreshold = def.Pool.RejectThreshold
	}
	if cfg.Pool.Policy == "" {
		cfg.Pool.Policy = def.Pool.Policy
	}
	if cfg.Pool.ThrottleRate <= 0 {
		cfg.Pool.ThrottleRate = def.Pool.ThrottleRate
	}
	if cfg.Pool.ThrottleBurst <= 0 {
		cfg.Pool.ThrottleBurst = def.Pool.ThrottleBurst
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.WorkerQueue <= 0 {
		cfg.WorkerQueue = def.WorkerQueue
	}
	if cfg.Store == nil {
		cfg.Store = def.Store
	}
	if cfg.NodeID == "" {
		cfg.NodeID = def.NodeID
	}
	if cfg.ClusterChannel == "" {
		cfg.ClusterChannel = def.ClusterChannel
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = def.MetricsInterval
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = def.WriteBufferSize
	}
	if cfg.backlogRetry <= 0 {
		cfg.backlogRetry = 250 * time.Millisecond
	}
	return cfg
}

type Option func(*Config)

func WithLogger(l Logger) Option {
	return func(cfg *Config) { cfg.Logger = l }
}

func WithMetricsExporter(m Metrics) Option {
	return func(cfg *Config) { cfg.Metrics = m }
}

func WithHeartbeat(hb HeartbeatConfig) Option {
	return func(cfg *Config) { cfg.Heartbeat = hb }
}

func WithQueueConfig(q QueueConfig) Option {
	return func(cfg *Config) { cfg.Queue = q }
}

func WithPoolConfig(p PoolConfig) Option {
	return func(cfg *Config) { cfg.Pool = p }
}

func WithWorkers(workers, queueSize int) Option {
	return func(cfg *Config) {
		cfg.Workers = workers
		cfg.WorkerQueue = queueSize
	}
}

func WithStore(s MessageStore) Option {
	return func(cfg *Config) { cfg.Store = s }
}

// WithPubSub joins this node to a cluster bus. nodeID must be unique per node
// so a node can skip its own replayed events.
func WithPubSub(bus PubSub, nodeID string) Option {
	return func(cfg *Config) {
		cfg.PubSub = bus
		cfg.NodeID = nodeID
	}
}

func WithClusterChannel(channel string) Option {
	return func(cfg *Config) { cfg.ClusterChannel = channel }
}

func WithCompression(enabled bool) Option {
	return func(cfg *Config) { cfg.Compression = enabled }
}

// WithMessageRateLimit caps inbound events per user. Zero rate disables it.
func WithMessageRateLimit(ratePerSec float64, burst int) Option {
	return func(cfg *Config) {
		cfg.MessageRate = ratePerSec
		cfg.MessageBurst = burst
	}
}

func WithMetricsInterval(d time.Duration) Option {
	return func(cfg *Config) { cfg.MetricsInterval = d }
}

func WithAuthenticator(a Authenticator) Option {
	return func(cfg *Config) { cfg.Authenticator = a }
}

func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(cfg *Config) { cfg.CheckOrigin = fn }
}

func WithBufferSizes(read, write int) Option {
	return func(cfg *Config) {
		cfg.ReadBufferSize = read
		cfg.WriteBufferSize = write
	}
}

// WithMiddleware appends to the dispatch chain. Recover and rate limiting are
// installed by the hub; these run after them, before the event handler.
func WithMiddleware(m ...Middleware) Option {
	return func(cfg *Config) { cfg.middlewares = append(cfg.middlewares, m...) }
}
