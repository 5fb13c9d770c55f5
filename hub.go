package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Hub wires the registry, presence tracker, conversation router, pool manager
// and metrics collector together and owns the inbound dispatch path. Every
// connection attaches through it and every disconnect, whatever triggered it,
// funnels through Detach so cleanup happens exactly once.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	log    Logger

	registry  *Registry
	presence  *PresenceTracker
	rooms     *ConversationRouter
	pools     *PoolManager
	workers   *WorkerPool
	collector *Collector
	store     MessageStore
	backlog   *backlogQueue

	handler HandlerFunc

	pubsub         PubSub
	nodeID         string
	clusterChannel string
	subCloser      io.Closer

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
}

func NewHub(ctx context.Context, cfg Config) *Hub {
	cfg = cfg.withDefaults()
	hctx, cancel := context.WithCancel(ctx)

	h := &Hub{
		ctx:            hctx,
		cancel:         cancel,
		cfg:            cfg,
		log:            cfg.Logger,
		presence:       NewPresenceTracker(),
		pools:          NewPoolManager(cfg.Pool, cfg.Logger),
		workers:        NewWorkerPool(cfg.Workers, cfg.WorkerQueue),
		collector:      NewCollector(cfg.Metrics),
		store:          cfg.Store,
		backlog:        newBacklogQueue(cfg.Queue.BacklogSize),
		pubsub:         cfg.PubSub,
		nodeID:         cfg.NodeID,
		clusterChannel: cfg.ClusterChannel,
	}

	h.registry = NewRegistry(h.presence)
	h.rooms = NewConversationRouter(h.registry, h.deliver)
	h.presence.SetSink(h.onPresenceChange)
	h.pools.setDetach(h.Detach)
	h.collector.setQueueProvider(h.backlog.len)

	mws := []Middleware{RecoverMiddleware(h.log)}
	if cfg.MessageRate > 0 {
		mws = append(mws, RateLimitMiddleware(NewKeyedLimiter(cfg.MessageRate, cfg.MessageBurst)))
	}
	mws = append(mws, cfg.middlewares...)
	h.handler = Chain(mws...)(h.handleEvent)

	if h.pubsub != nil {
		sub, err := h.pubsub.Subscribe(h.ctx, h.clusterChannel, h.handleClusterPayload)
		if err != nil {
			h.log.Error("cluster subscribe failed", "channel", h.clusterChannel, "err", err)
		} else {
			h.subCloser = sub
		}
	}

	go h.collector.run(h.ctx, cfg.MetricsInterval)
	go h.sweepLoop()
	if h.backlog != nil {
		go h.backlogLoop()
	}

	return h
}

func (h *Hub) Registry() *Registry        { return h.registry }
func (h *Hub) Presence() *PresenceTracker { return h.presence }
func (h *Hub) Rooms() *ConversationRouter { return h.rooms }
func (h *Hub) Pools() *PoolManager        { return h.pools }

// Attach admits the connection, registers it and starts its read/write loops.
// On any admission failure the connection is closed before the error returns,
// so a rejected client always receives a close frame.
func (h *Hub) Attach(c *Conn) error {
	if h.shuttingDown.Load() {
		c.close(DisconnectServerStop)
		return ErrHubShuttingDown
	}

	if max := h.cfg.Pool.MaxConnsPerUser; max > 0 && h.registry.CountFor(c.UserID()) >= max {
		h.collector.MessageFailed("user_conn_limit")
		c.close(DisconnectCapacity)
		return ErrUserConnLimit
	}

	poolID, err := h.pools.Admit(c)
	if err != nil {
		h.collector.MessageFailed("admission")
		h.log.Warn("admission rejected",
			"user_id", c.UserID(), "err", err)
		c.close(DisconnectCapacity)
		return err
	}

	h.registry.Register(c)
	h.collector.ConnAdmitted()
	c.start()

	_ = h.sendTo(c, newEnvelope(EventConnected, ConnectedPayload{
		ConnectionID: c.ID(),
		PoolID:       poolID,
		UserID:       c.UserID(),
	}))

	h.log.Info("connection attached",
		"conn_id", c.ID(), "user_id", c.UserID(), "pool_id", poolID)
	return nil
}

// Detach runs the full teardown for a connection: pool slot, registry entry,
// room membership on last connection, presence, counters, then the transport
// close. The CAS guarantees the sequence runs exactly once no matter how many
// paths (read error, write error, sweep, evacuation, shutdown) race to it.
func (h *Hub) Detach(c *Conn, reason DisconnectReason) {
	if c == nil || !c.detached.CompareAndSwap(false, true) {
		return
	}

	c.close(reason)
	h.pools.removeConn(c)

	uid := c.UserID()
	if h.registry.CountFor(uid) == 1 {
		h.rooms.RemoveUser(uid)
	}
	if remaining := h.registry.Unregister(c); remaining == 0 {
		h.rooms.RemoveUser(uid)
	}

	h.collector.ConnClosed()
	h.log.Info("connection detached",
		"conn_id", c.ID(), "user_id", uid, "reason", string(reason))
}

// Dispatch decodes an inbound frame and hands it to the worker pool. Protocol
// errors never close the connection; malformed frames and unknown event types
// are counted or logged and the stream continues.
func (h *Hub) Dispatch(c *Conn, raw []byte) {
	if h.shuttingDown.Load() {
		return
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		h.collector.MessageFailed("protocol")
		h.log.Warn("malformed frame",
			"conn_id", c.ID(), "user_id", c.UserID(), "err", err)
		return
	}

	kind, ok := ParseEventKind(env.Type)
	if !ok {
		h.log.Warn("unknown event type ignored",
			"type", env.Type, "conn_id", c.ID(), "user_id", c.UserID())
		return
	}
	h.collector.MessageIn(kind.String())

	evCtx := &Context{Context: h.ctx, Conn: c, Hub: h, Kind: kind}
	submitted := h.workers.TrySubmit(func() {
		start := time.Now()
		err := h.handler(evCtx, env)
		h.collector.ObserveLatency(kind.String(), time.Since(start))
		if err != nil {
			h.collector.MessageFailed(kind.String())
			h.log.Warn("event handler failed",
				"type", env.Type, "user_id", c.UserID(), "err", err)
		}
	})
	if submitted != nil {
		h.collector.MessageFailed("overload")
		h.log.Warn("dispatch queue saturated, frame dropped",
			"type", env.Type, "user_id", c.UserID())
	}
}

func (h *Hub) handleEvent(ctx *Context, env RawEnvelope) error {
	switch ctx.Kind {
	case KindHeartbeat:
		return ctx.Send(EventHeartbeatAck, HeartbeatAckPayload{ServerTime: time.Now().UTC()})

	case KindJoinConversation:
		if env.ConversationID == "" {
			return fmt.Errorf("join_conversation: %w", ErrInvalidPayload)
		}
		h.rooms.Join(ctx.Conn.UserID(), env.ConversationID)
		return nil

	case KindLeaveConversation:
		if env.ConversationID == "" {
			return fmt.Errorf("leave_conversation: %w", ErrInvalidPayload)
		}
		h.rooms.Leave(ctx.Conn.UserID(), env.ConversationID)
		return nil

	case KindSendMessage:
		return h.handleSendMessage(ctx, env)

	case KindMarkRead:
		return h.handleMarkRead(ctx, env)

	case KindTyping:
		return h.handleTyping(ctx, env)

	case KindUnknown:
		return nil
	}
	return nil
}

func (h *Hub) handleSendMessage(ctx *Context, env RawEnvelope) error {
	var p SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("send_message: %w", ErrInvalidPayload)
	}
	if p.ConversationID == "" || p.Content == "" {
		return fmt.Errorf("send_message: %w", ErrInvalidPayload)
	}
	if p.MessageType == "" {
		p.MessageType = "text"
	}

	sender := ctx.Conn.UserID()
	msgID := uuid.NewString()

	out := newEnvelope(EventNewMessage, NewMessagePayload{
		MessageID:      msgID,
		ConversationID: p.ConversationID,
		SenderID:       sender,
		Content:        p.Content,
		MessageType:    p.MessageType,
	})
	out.ConversationID = p.ConversationID

	h.rooms.Broadcast(p.ConversationID, out, sender)
	h.publishCluster(clusterRoom, p.ConversationID, "", sender, out)

	// Persist off the dispatch path; a store failure never blocks delivery.
	msg := StoredMessage{
		ID:             msgID,
		ConversationID: p.ConversationID,
		SenderID:       sender,
		Content:        p.Content,
		MessageType:    p.MessageType,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.workers.TrySubmit(func() { h.saveMessage(msg) }); err != nil {
		h.saveMessage(msg)
	}

	return ctx.Send(EventMessageSent, MessageSentPayload{
		MessageID:      msgID,
		ConversationID: p.ConversationID,
	})
}

func (h *Hub) saveMessage(msg StoredMessage) {
	if err := h.store.SaveMessage(h.ctx, msg); err != nil {
		h.collector.MessageFailed("store")
		h.log.Error("message save failed",
			"message_id", msg.ID, "conversation_id", msg.ConversationID, "err", err)
	}
}

func (h *Hub) handleMarkRead(ctx *Context, env RawEnvelope) error {
	var p MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("mark_read: %w", ErrInvalidPayload)
	}
	if p.MessageID == "" || p.ConversationID == "" {
		return fmt.Errorf("mark_read: %w", ErrInvalidPayload)
	}

	reader := ctx.Conn.UserID()
	out := newEnvelope(EventMessageRead, MessageReadPayload{
		MessageID:      p.MessageID,
		ConversationID: p.ConversationID,
		ReaderID:       reader,
	})
	out.ConversationID = p.ConversationID

	h.rooms.Broadcast(p.ConversationID, out, reader)
	// The reader's other devices sync their read state directly.
	h.rooms.SendDirect(reader, out)
	h.publishCluster(clusterRoom, p.ConversationID, "", reader, out)
	h.publishCluster(clusterUser, "", reader, "", out)
	return nil
}

func (h *Hub) handleTyping(ctx *Context, env RawEnvelope) error {
	var p TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("typing: %w", ErrInvalidPayload)
	}
	if p.ConversationID == "" {
		return fmt.Errorf("typing: %w", ErrInvalidPayload)
	}

	sender := ctx.Conn.UserID()
	out := newEnvelope(EventUserTyping, UserTypingPayload{
		ConversationID: p.ConversationID,
		UserID:         sender,
		IsTyping:       p.IsTyping,
	})
	out.ConversationID = p.ConversationID

	h.rooms.Broadcast(p.ConversationID, out, sender)
	h.publishCluster(clusterRoom, p.ConversationID, "", sender, out)
	return nil
}

// deliver is the single egress point for every frame. Success and failure
// counting happens here so no path can deliver or drop uncounted.
func (h *Hub) deliver(c *Conn, data []byte, eventType string) error {
	err := c.enqueue(data)
	switch {
	case err == nil:
		h.collector.MessageOut(eventType)
		return nil
	case errors.Is(err, ErrSendQueueFull):
		h.collector.MessageDropped(eventType)
		if h.backlog != nil {
			if h.backlog.push(c.ID(), data, eventType) {
				h.collector.MessageDropped("backlog_evicted")
			}
		}
		return err
	default:
		h.collector.MessageFailed(eventType)
		return err
	}
}

func (h *Hub) sendTo(c *Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.deliver(c, data, env.Type)
}

// onPresenceChange fans a presence transition out to every connection except
// the subject's own, then replays it to cluster peers.
func (h *Hub) onPresenceChange(subject UserID, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	for _, c := range h.registry.All() {
		if c.UserID() == subject {
			continue
		}
		_ = h.deliver(c, data, env.Type)
	}
	h.publishCluster(clusterPresence, "", subject, subject, env)
}

const (
	clusterRoom     = "room"
	clusterUser     = "user"
	clusterPresence = "presence"
)

// clusterEnvelope is the frame exchanged between nodes over the pub/sub bus.
type clusterEnvelope struct {
	NodeID         string          `json:"nodeId"`
	Kind           string          `json:"kind"`
	ConversationID ConversationID  `json:"conversationId,omitempty"`
	UserID         UserID          `json:"userId,omitempty"`
	Exclude        UserID          `json:"exclude,omitempty"`
	EventType      string          `json:"eventType"`
	Frame          json.RawMessage `json:"frame"`
}

func (h *Hub) publishCluster(kind string, convID ConversationID, target, exclude UserID, env Envelope) {
	if h.pubsub == nil {
		return
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	payload, err := json.Marshal(clusterEnvelope{
		NodeID:         h.nodeID,
		Kind:           kind,
		ConversationID: convID,
		UserID:         target,
		Exclude:        exclude,
		EventType:      env.Type,
		Frame:          frame,
	})
	if err != nil {
		return
	}

	if err := h.pubsub.Publish(h.ctx, h.clusterChannel, payload); err != nil {
		h.collector.MessageFailed("cluster_publish")
		h.log.Warn("cluster publish failed", "kind", kind, "err", err)
	}
}

func (h *Hub) handleClusterPayload(payload []byte) {
	var ce clusterEnvelope
	if err := json.Unmarshal(payload, &ce); err != nil {
		h.log.Warn("malformed cluster frame", "err", err)
		return
	}
	if ce.NodeID == h.nodeID {
		return
	}

	switch ce.Kind {
	case clusterRoom:
		h.rooms.broadcastRaw(ce.ConversationID, ce.Frame, ce.EventType, ce.Exclude)
	case clusterUser:
		h.rooms.sendDirectRaw(ce.UserID, ce.Frame, ce.EventType)
	case clusterPresence:
		for _, c := range h.registry.All() {
			if c.UserID() == ce.Exclude {
				continue
			}
			_ = h.deliver(c, ce.Frame, ce.EventType)
		}
	default:
		h.log.Warn("unknown cluster frame kind", "kind", ce.Kind)
	}
}

func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(h.cfg.Heartbeat.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := h.pools.sweepStale(h.cfg.Heartbeat.PongTimeout); n > 0 {
				h.log.Warn("stale connections swept", "count", n)
			}
		case <-h.ctx.Done():
			return
		}
	}
}

// backlogLoop retries queued frames against their connections. A frame whose
// connection has since closed, or whose buffer is still full, is discarded;
// its drop was already counted at enqueue time.
func (h *Hub) backlogLoop() {
	ticker := time.NewTicker(h.cfg.backlogRetry)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, item := range h.backlog.drain(256) {
				c, ok := h.registry.ByID(item.connID)
				if !ok {
					continue
				}
				if c.enqueue(item.data) == nil {
					h.collector.MessageOut(item.eventType)
				}
			}
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) clearBacklog() int {
	return h.backlog.clear()
}

// SystemMetrics assembles the aggregate snapshot for the dashboard and the
// insight engine.
func (h *Hub) SystemMetrics() SystemMetrics {
	pools := h.pools.AllPools(h.cfg.Heartbeat.PongTimeout)

	total, capacity := 0, 0
	for _, p := range pools {
		total += p.Connections
		capacity += p.Capacity
	}
	util := 0.0
	if capacity > 0 {
		util = float64(total) / float64(capacity) * 100
	}

	return SystemMetrics{
		TotalConnections:   total,
		TotalCapacity:      capacity,
		UtilizationPct:     util,
		MessagesPerSecond:  h.collector.MessagesPerSecond(),
		AvgLatencyMs:       h.collector.AvgLatencyMs(),
		ErrorRatePct:       h.collector.ErrorRatePct(),
		QueueLength:        h.backlog.len(),
		Pools:              pools,
		CompressionEnabled: h.cfg.Compression,
		ThrottlingEnabled:  h.pools.ThrottlingEnabled(),
	}
}

// InsightsReport evaluates the current snapshot.
func (h *Hub) InsightsReport() Insights {
	return Evaluate(h.SystemMetrics())
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		Connections: h.registry.Count(),
		Users:       h.registry.UserCount(),
		Rooms:       h.rooms.RoomCount(),
		InMessages:  h.collector.MessagesIn(),
		OutMessages: h.collector.MessagesOut(),
		Errors:      h.collector.Failures(),
		Drops:       h.collector.Dropped(),
	}
}

// GracefulShutdown stops admissions, closes every connection with a
// server_shutdown reason and waits for the registry to empty, bounded by ctx.
func (h *Hub) GracefulShutdown(ctx context.Context) error {
	var err error
	h.shutdownOnce.Do(func() {
		h.shuttingDown.Store(true)

		if h.subCloser != nil {
			_ = h.subCloser.Close()
		}

		for _, c := range h.registry.All() {
			h.Detach(c, DisconnectServerStop)
		}

		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for h.registry.Count() > 0 {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				break wait
			case <-ticker.C:
			}
		}

		h.pools.shutdown()
		h.workers.Shutdown()
		h.cancel()
		h.log.Info("hub shut down", "drained", err == nil)
	})
	return err
}
