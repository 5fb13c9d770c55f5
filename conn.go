package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn wraps one client's duplex stream plus bookkeeping: owner identity,
// lifecycle state and the last heartbeat seen. It is owned by exactly one
// pool; the registry only holds a lookup reference.
type Conn struct {
	id     ConnID
	userID UserID
	poolID PoolID

	tr  Transport
	hub *Hub

	send chan []byte
	done chan struct{}

	state    atomic.Int32
	lastBeat atomic.Int64
	detached atomic.Bool

	closeOnce sync.Once

	enqueueWait  time.Duration
	pingInterval time.Duration
}

func newConn(userID UserID, tr Transport, hub *Hub, qcfg QueueConfig, hb HeartbeatConfig) *Conn {
	c := &Conn{
		id:           ConnID(uuid.NewString()),
		userID:       userID,
		tr:           tr,
		hub:          hub,
		send:         make(chan []byte, qcfg.Size),
		done:         make(chan struct{}),
		enqueueWait:  qcfg.EnqueueWait,
		pingInterval: hb.Interval,
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

func (c *Conn) ID() ConnID     { return c.id }
func (c *Conn) UserID() UserID { return c.userID }
func (c *Conn) Pool() PoolID   { return c.poolID }

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) touch() {
	c.lastBeat.Store(time.Now().UnixNano())
}

func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastBeat.Load())
}

func (c *Conn) stale(timeout time.Duration) bool {
	return time.Since(c.LastHeartbeat()) > timeout
}

func (c *Conn) start() {
	c.state.Store(int32(StateOpen))
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) readLoop() {
	for {
		data, err := c.tr.Read()
		if err != nil {
			reason := DisconnectReadError
			if errors.Is(err, ErrConnectionClosed) {
				reason = DisconnectNormal
			}
			c.hub.Detach(c, reason)
			return
		}
		c.touch()
		c.hub.Dispatch(c, data)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.tr.Write(msg); err != nil {
				c.hub.Detach(c, DisconnectWriteError)
				return
			}
		case <-ticker.C:
			if err := c.tr.Ping(); err != nil {
				c.hub.Detach(c, DisconnectWriteError)
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue places a frame on the outbound buffer. A full buffer blocks the
// caller for at most enqueueWait, then the frame is dropped so one slow
// consumer can never stall a room broadcast.
func (c *Conn) enqueue(data []byte) error {
	if c.State() >= StateClosing {
		return ErrConnectionClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(c.enqueueWait)
	defer timer.Stop()

	select {
	case c.send <- data:
		return nil
	case <-timer.C:
		return ErrSendQueueFull
	case <-c.done:
		return ErrConnectionClosed
	}
}

func (c *Conn) sendEvent(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// close is idempotent; cleanup around it is driven by Hub.Detach.
func (c *Conn) close(reason DisconnectReason) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.tr.Close(reason)
	})
}
