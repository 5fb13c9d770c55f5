package realtime

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrSlowConsumer     = errors.New("slow consumer")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRateLimited      = errors.New("rate limited")
	ErrWorkerPoolClosed = errors.New("worker pool closed")
	ErrWorkerQueueFull  = errors.New("worker queue full")
	ErrPoolFull         = errors.New("pool at capacity")
	ErrPoolDraining     = errors.New("pool is draining")
	ErrPoolNotFound     = errors.New("pool not found")
	ErrCapacity         = errors.New("all pools at capacity")
	ErrThrottled        = errors.New("admission throttled")
	ErrUserConnLimit    = errors.New("user connection limit reached")
	ErrUnknownAction    = errors.New("unknown admin action")
	ErrHubShuttingDown  = errors.New("hub is shutting down")
)
