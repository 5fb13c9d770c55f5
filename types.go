package realtime

import (
	"net/http"
	"time"
)

type ConnID string

type UserID string

type ConversationID string

type PoolID string

// ConnState tracks where a connection is in its lifecycle. Transitions are
// one-way: connecting -> open -> closing -> closed.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type DisconnectReason string

const (
	DisconnectNormal           DisconnectReason = "normal"
	DisconnectReadError        DisconnectReason = "read_error"
	DisconnectWriteError       DisconnectReason = "write_error"
	DisconnectSlowConsumer     DisconnectReason = "slow_consumer"
	DisconnectHeartbeatTimeout DisconnectReason = "heartbeat_timeout"
	DisconnectServerStop       DisconnectReason = "server_shutdown"
	DisconnectPoolEvacuated    DisconnectReason = "pool_evacuated"
	DisconnectCapacity         DisconnectReason = "capacity_rejected"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type PresenceRecord struct {
	UserID     UserID         `json:"userId"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
}

// AdmissionPolicy decides what happens when every pool is at or above the
// reject threshold.
type AdmissionPolicy string

const (
	// PolicyReject refuses new connections with DisconnectCapacity.
	PolicyReject AdmissionPolicy = "reject"
	// PolicyExpand provisions an additional pool and admits into it.
	PolicyExpand AdmissionPolicy = "expand"
)

// PoolStatus is a point-in-time snapshot of one pool.
type PoolStatus struct {
	ID             PoolID  `json:"poolId"`
	Capacity       int     `json:"capacity"`
	Connections    int     `json:"connections"`
	HealthyConns   int     `json:"healthyConnections"`
	UtilizationPct float64 `json:"utilization"`
	Draining       bool    `json:"isShuttingDown"`
}

// HealthyRatio is 1.0 for an empty pool so idle pools never read unhealthy.
func (ps PoolStatus) HealthyRatio() float64 {
	if ps.Connections == 0 {
		return 1.0
	}
	return float64(ps.HealthyConns) / float64(ps.Connections)
}

// Unhealthy matches the operator definition: draining, or fewer than 95% of
// members answering heartbeats.
func (ps PoolStatus) Unhealthy() bool {
	return ps.Draining || ps.HealthyRatio() < 0.95
}

// SystemMetrics is the aggregate snapshot served to the operations dashboard
// and fed into the insight engine.
type SystemMetrics struct {
	TotalConnections   int          `json:"totalConnections"`
	TotalCapacity      int          `json:"totalCapacity"`
	UtilizationPct     float64      `json:"currentUtilization"`
	MessagesPerSecond  float64      `json:"messagesPerSecond"`
	AvgLatencyMs       float64      `json:"averageLatency"`
	ErrorRatePct       float64      `json:"errorRate"`
	QueueLength        int          `json:"queueLength"`
	Pools              []PoolStatus `json:"pools"`
	CompressionEnabled bool         `json:"compressionEnabled"`
	ThrottlingEnabled  bool         `json:"throttlingEnabled"`
}

func (m SystemMetrics) UnhealthyPools() int {
	n := 0
	for _, p := range m.Pools {
		if p.Unhealthy() {
			n++
		}
	}
	return n
}

type HubStats struct {
	Connections int
	Users       int
	Rooms       int
	InMessages  uint64
	OutMessages uint64
	Errors      uint64
	Drops       uint64
}

type QueueConfig struct {
	// Size of each connection's outbound buffer.
	Size int
	// EnqueueWait bounds how long a broadcaster may block on one slow
	// consumer before the frame is dropped and counted as an error.
	EnqueueWait time.Duration
	// BacklogSize bounds the shared retry queue for frames that hit a
	// full buffer. Zero disables the backlog.
	BacklogSize int
}

type HeartbeatConfig struct {
	Interval    time.Duration
	PongTimeout time.Duration
	WriteWait   time.Duration
	ReadLimit   int64
	// SweepInterval controls how often each pool scans for connections
	// whose last probe is older than PongTimeout.
	SweepInterval time.Duration
}

type PoolConfig struct {
	InitialPools    int
	PoolCapacity    int
	RejectThreshold float64
	Policy          AdmissionPolicy
	MaxConnsPerUser int
	// ThrottleRate and ThrottleBurst shape admissions once throttling is
	// engaged by the control plane.
	ThrottleRate  float64
	ThrottleBurst int
}

// Authenticator resolves the connecting user from the upgrade request. The
// surrounding platform owns credential checking; this subsystem only consumes
// the resolved identity.
type Authenticator interface {
	Authenticate(r *http.Request) (UserID, error)
}

// AuthenticatorFunc adapts a plain function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (UserID, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (UserID, error) { return f(r) }

type Metrics interface {
	IncConnections(delta int)
	IncMessagesIn(kind string)
	IncMessagesOut(kind string)
	IncErrors(kind string)
	IncDropped(reason string)
	SetQueueDepth(n int)
	ObserveDispatchLatency(kind string, d time.Duration)
}
