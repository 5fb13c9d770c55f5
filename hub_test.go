package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport. Inbound frames are pushed onto the
// in channel; outbound frames are recorded for inspection.
type fakeTransport struct {
	in chan []byte

	mu     sync.Mutex
	writes [][]byte
	reason DisconnectReason
	closed bool

	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 32)}
}

func (f *fakeTransport) Read() ([]byte, error) {
	data, ok := <-f.in
	if !ok {
		return nil, ErrConnectionClosed
	}
	return data, nil
}

func (f *fakeTransport) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnectionClosed
	}
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTransport) Ping() error { return nil }

func (f *fakeTransport) Close(reason DisconnectReason) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.closed = true
		f.mu.Unlock()
		close(f.in)
	})
	return nil
}

func (f *fakeTransport) closeReason() DisconnectReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// countType decodes recorded writes and counts frames of one event type.
func (f *fakeTransport) countType(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, data := range f.writes {
		var env RawEnvelope
		if json.Unmarshal(data, &env) == nil && env.Type == eventType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) lastOfType(eventType string) (RawEnvelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.writes) - 1; i >= 0; i-- {
		var env RawEnvelope
		if json.Unmarshal(f.writes[i], &env) == nil && env.Type == eventType {
			return env, true
		}
	}
	return RawEnvelope{}, false
}

func newTestHub(t *testing.T, mutate ...func(*Config)) *Hub {
	t.Helper()

	cfg := Config{
		Logger: noopLogger{},
		Pool: PoolConfig{
			InitialPools:    2,
			PoolCapacity:    8,
			RejectThreshold: 0.95,
			Policy:          PolicyReject,
			MaxConnsPerUser: 4,
		},
		Queue: QueueConfig{
			Size:        32,
			EnqueueWait: 20 * time.Millisecond,
			BacklogSize: 64,
		},
		Workers:         2,
		WorkerQueue:     64,
		MetricsInterval: time.Hour,
		backlogRetry:    time.Hour,
		Heartbeat: HeartbeatConfig{
			Interval:      time.Minute,
			PongTimeout:   time.Minute,
			WriteWait:     time.Second,
			ReadLimit:     1 << 20,
			SweepInterval: time.Hour,
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	h := NewHub(context.Background(), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.GracefulShutdown(ctx)
	})
	return h
}

func attach(t *testing.T, h *Hub, userID UserID) (*Conn, *fakeTransport) {
	t.Helper()

	ft := newFakeTransport()
	c := newConn(userID, ft, h, h.cfg.Queue, h.cfg.Heartbeat)
	require.NoError(t, h.Attach(c))
	return c, ft
}

func sendFrame(t *testing.T, ft *fakeTransport, eventType string, payload any, convID ConversationID) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(RawEnvelope{
		Type:           eventType,
		Payload:        raw,
		Timestamp:      time.Now().UTC(),
		ConversationID: convID,
	})
	require.NoError(t, err)
	ft.in <- frame
}

func awaitType(t *testing.T, ft *fakeTransport, eventType string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ft.countType(eventType) >= want
	}, 2*time.Second, 10*time.Millisecond,
		"waiting for %d %s frame(s), have %d", want, eventType, ft.countType(eventType))
}

func TestAttachSendsConnectedGreeting(t *testing.T) {
	h := newTestHub(t)
	c, ft := attach(t, h, "alice")

	awaitType(t, ft, EventConnected, 1)

	env, ok := ft.lastOfType(EventConnected)
	require.True(t, ok)

	var p ConnectedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, c.ID(), p.ConnectionID)
	require.Equal(t, UserID("alice"), p.UserID)
	require.NotEmpty(t, p.PoolID)
	require.Equal(t, 1, h.registry.Count())
}

func TestHeartbeatAck(t *testing.T) {
	h := newTestHub(t)
	_, ft := attach(t, h, "alice")

	sendFrame(t, ft, "heartbeat", struct{}{}, "")
	awaitType(t, ft, EventHeartbeatAck, 1)
}

func TestSendMessageFanOut(t *testing.T) {
	h := newTestHub(t)

	_, senderFT := attach(t, h, "alice")
	_, bobFT1 := attach(t, h, "bob")
	_, bobFT2 := attach(t, h, "bob")
	_, outsiderFT := attach(t, h, "walter")

	h.rooms.Join("alice", "conv-1")
	h.rooms.Join("bob", "conv-1")

	sendFrame(t, senderFT, "send_message", SendMessagePayload{
		ConversationID: "conv-1",
		Content:        "hello",
	}, "")

	// Every connection of every other member gets exactly one new_message.
	awaitType(t, bobFT1, EventNewMessage, 1)
	awaitType(t, bobFT2, EventNewMessage, 1)

	// The sender gets an ack, not an echo; non-members get nothing.
	awaitType(t, senderFT, EventMessageSent, 1)
	require.Equal(t, 0, senderFT.countType(EventNewMessage))
	require.Equal(t, 0, outsiderFT.countType(EventNewMessage))

	env, ok := bobFT1.lastOfType(EventNewMessage)
	require.True(t, ok)
	var p NewMessagePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, UserID("alice"), p.SenderID)
	require.Equal(t, "hello", p.Content)
	require.Equal(t, "text", p.MessageType)
	require.NotEmpty(t, p.MessageID)
}

func TestSendMessagePersistsAsync(t *testing.T) {
	store := NewMemoryStore()
	h := newTestHub(t, func(cfg *Config) { cfg.Store = store })

	_, ft := attach(t, h, "alice")
	h.rooms.Join("alice", "conv-1")

	sendFrame(t, ft, "send_message", SendMessagePayload{
		ConversationID: "conv-1",
		Content:        "persist me",
	}, "")

	require.Eventually(t, func() bool {
		return len(store.Messages("conv-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := store.Messages("conv-1")[0]
	require.Equal(t, UserID("alice"), msg.SenderID)
	require.Equal(t, "persist me", msg.Content)
}

func TestMarkReadBroadcastAndDeviceSync(t *testing.T) {
	h := newTestHub(t)

	_, readerFT1 := attach(t, h, "alice")
	_, readerFT2 := attach(t, h, "alice")
	_, bobFT := attach(t, h, "bob")

	h.rooms.Join("alice", "conv-1")
	h.rooms.Join("bob", "conv-1")

	sendFrame(t, readerFT1, "mark_read", MarkReadPayload{
		MessageID:      "m-1",
		ConversationID: "conv-1",
	}, "")

	awaitType(t, bobFT, EventMessageRead, 1)
	// The reader's other device syncs its read state too.
	awaitType(t, readerFT2, EventMessageRead, 1)

	env, ok := bobFT.lastOfType(EventMessageRead)
	require.True(t, ok)
	var p MessageReadPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, UserID("alice"), p.ReaderID)
	require.Equal(t, "m-1", p.MessageID)
}

func TestTypingExcludesSender(t *testing.T) {
	h := newTestHub(t)

	_, aliceFT := attach(t, h, "alice")
	_, bobFT := attach(t, h, "bob")

	h.rooms.Join("alice", "conv-1")
	h.rooms.Join("bob", "conv-1")

	sendFrame(t, aliceFT, "typing", TypingPayload{
		ConversationID: "conv-1",
		IsTyping:       true,
	}, "")

	awaitType(t, bobFT, EventUserTyping, 1)
	require.Equal(t, 0, aliceFT.countType(EventUserTyping))

	sendFrame(t, aliceFT, "typing", TypingPayload{
		ConversationID: "conv-1",
		IsTyping:       false,
	}, "")
	awaitType(t, bobFT, EventUserTyping, 2)

	// Start then stop: exactly one of each, in order.
	var states []bool
	bobFT.mu.Lock()
	for _, data := range bobFT.writes {
		var env RawEnvelope
		if json.Unmarshal(data, &env) != nil || env.Type != EventUserTyping {
			continue
		}
		var p UserTypingPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		states = append(states, p.IsTyping)
	}
	bobFT.mu.Unlock()
	require.Equal(t, []bool{true, false}, states)
}

func TestJoinLeaveViaEnvelope(t *testing.T) {
	h := newTestHub(t)
	_, ft := attach(t, h, "alice")

	sendFrame(t, ft, "join_conversation", struct{}{}, "conv-9")
	require.Eventually(t, func() bool {
		return h.rooms.IsMember("alice", "conv-9")
	}, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, ft, "leave_conversation", struct{}{}, "conv-9")
	require.Eventually(t, func() bool {
		return !h.rooms.IsMember("alice", "conv-9")
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, h.rooms.RoomCount())
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	h := newTestHub(t)
	c, ft := attach(t, h, "alice")

	ft.in <- []byte("{not json")
	ft.in <- []byte(`{"payload": {}}`)

	require.Eventually(t, func() bool {
		return h.collector.Failures() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, StateOpen, c.State())
	require.Equal(t, 1, h.registry.Count())

	// The stream still works after the garbage.
	sendFrame(t, ft, "heartbeat", struct{}{}, "")
	awaitType(t, ft, EventHeartbeatAck, 1)
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	h := newTestHub(t)
	c, ft := attach(t, h, "alice")

	sendFrame(t, ft, "bogus_event", struct{}{}, "")
	sendFrame(t, ft, "heartbeat", struct{}{}, "")
	awaitType(t, ft, EventHeartbeatAck, 1)

	require.Equal(t, StateOpen, c.State())
}

func TestDetachRunsOnce(t *testing.T) {
	h := newTestHub(t)
	c, ft := attach(t, h, "alice")
	h.rooms.Join("alice", "conv-1")

	h.Detach(c, DisconnectNormal)
	h.Detach(c, DisconnectNormal)
	h.Detach(c, DisconnectReadError)

	require.Equal(t, 0, h.registry.Count())
	require.Equal(t, 0, h.pools.TotalConnections())
	require.False(t, h.rooms.IsMember("alice", "conv-1"))
	require.Equal(t, DisconnectNormal, ft.closeReason())
	require.Equal(t, uint64(1), h.collector.closes.Load())
}

func TestClientCloseCleansUp(t *testing.T) {
	h := newTestHub(t)
	c, ft := attach(t, h, "alice")
	h.rooms.Join("alice", "conv-1")

	_ = ft.Close(DisconnectNormal)

	require.Eventually(t, func() bool {
		return h.registry.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, h.rooms.IsMember("alice", "conv-1"))
	require.Equal(t, StateClosed, c.State())
}

func TestLastConnectionLeavesRooms(t *testing.T) {
	h := newTestHub(t)
	c1, _ := attach(t, h, "alice")
	c2, _ := attach(t, h, "alice")
	h.rooms.Join("alice", "conv-1")

	h.Detach(c1, DisconnectNormal)
	require.True(t, h.rooms.IsMember("alice", "conv-1"))

	h.Detach(c2, DisconnectNormal)
	require.False(t, h.rooms.IsMember("alice", "conv-1"))
}

func TestPerUserConnectionCap(t *testing.T) {
	h := newTestHub(t, func(cfg *Config) { cfg.Pool.MaxConnsPerUser = 2 })

	attach(t, h, "alice")
	attach(t, h, "alice")

	ft := newFakeTransport()
	c := newConn("alice", ft, h, h.cfg.Queue, h.cfg.Heartbeat)
	err := h.Attach(c)
	require.ErrorIs(t, err, ErrUserConnLimit)
	require.Equal(t, DisconnectCapacity, ft.closeReason())
	require.Equal(t, 2, h.registry.CountFor("alice"))
}

func TestSlowConsumerDropGoesToBacklog(t *testing.T) {
	h := newTestHub(t, func(cfg *Config) {
		cfg.Queue = QueueConfig{Size: 1, EnqueueWait: 5 * time.Millisecond, BacklogSize: 8}
	})

	// Not started, so nothing drains the send buffer.
	c := newConn("slow", newFakeTransport(), h, h.cfg.Queue, h.cfg.Heartbeat)

	require.NoError(t, h.deliver(c, []byte(`{"type":"new_message"}`), EventNewMessage))
	err := h.deliver(c, []byte(`{"type":"new_message"}`), EventNewMessage)
	require.ErrorIs(t, err, ErrSendQueueFull)

	require.Equal(t, uint64(1), h.collector.Dropped())
	require.Equal(t, 1, h.backlog.len())
}

func TestGracefulShutdown(t *testing.T) {
	h := newTestHub(t)
	_, ft1 := attach(t, h, "alice")
	_, ft2 := attach(t, h, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.GracefulShutdown(ctx))

	require.Equal(t, 0, h.registry.Count())
	require.Equal(t, DisconnectServerStop, ft1.closeReason())
	require.Equal(t, DisconnectServerStop, ft2.closeReason())

	ft := newFakeTransport()
	c := newConn("carol", ft, h, h.cfg.Queue, h.cfg.Heartbeat)
	require.ErrorIs(t, h.Attach(c), ErrHubShuttingDown)
}

func TestPresenceFanOut(t *testing.T) {
	h := newTestHub(t)

	_, aliceFT := attach(t, h, "alice")
	_, bobFT := attach(t, h, "bob")

	// Everyone already online saw bob come up; bob never sees his own event.
	awaitType(t, aliceFT, EventUserOnline, 1)
	require.Equal(t, 0, bobFT.countType(EventUserOnline))

	// A second device for bob is silent.
	bobC2, _ := attach(t, h, "bob")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, aliceFT.countType(EventUserOnline))

	// Dropping one of two devices is silent; dropping the last one is not.
	h.Detach(bobC2, DisconnectNormal)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, aliceFT.countType(EventUserOffline))

	for _, c := range h.registry.ConnectionsFor("bob") {
		h.Detach(c, DisconnectNormal)
	}
	awaitType(t, aliceFT, EventUserOffline, 1)

	env, ok := aliceFT.lastOfType(EventUserOffline)
	require.True(t, ok)
	var p PresencePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, UserID("bob"), p.UserID)
	require.Equal(t, PresenceOffline, p.Status)
}

func TestSystemMetricsSnapshot(t *testing.T) {
	h := newTestHub(t)
	attach(t, h, "alice")
	attach(t, h, "bob")

	m := h.SystemMetrics()
	require.Equal(t, 2, m.TotalConnections)
	require.Equal(t, 16, m.TotalCapacity)
	require.InDelta(t, 12.5, m.UtilizationPct, 0.01)
	require.Len(t, m.Pools, 2)
	require.False(t, m.ThrottlingEnabled)
}

func TestClusterReplayAcrossHubs(t *testing.T) {
	bus := NewMemoryPubSub()

	h1 := newTestHub(t, func(cfg *Config) {
		cfg.PubSub = bus
		cfg.NodeID = "node-1"
	})
	h2 := newTestHub(t, func(cfg *Config) {
		cfg.PubSub = bus
		cfg.NodeID = "node-2"
	})

	_, aliceFT := attach(t, h1, "alice")
	_, bobFT := attach(t, h2, "bob")

	h1.rooms.Join("alice", "conv-1")
	h2.rooms.Join("bob", "conv-1")

	sendFrame(t, aliceFT, "send_message", SendMessagePayload{
		ConversationID: "conv-1",
		Content:        "cross-node",
	}, "")

	awaitType(t, bobFT, EventNewMessage, 1)
	// The originating node must not re-deliver its own replayed frame.
	awaitType(t, aliceFT, EventMessageSent, 1)
	require.Equal(t, 0, aliceFT.countType(EventNewMessage))
}

func TestManyConcurrentAttaches(t *testing.T) {
	h := newTestHub(t, func(cfg *Config) {
		cfg.Pool = PoolConfig{
			InitialPools:    4,
			PoolCapacity:    50,
			RejectThreshold: 0.95,
			Policy:          PolicyReject,
			MaxConnsPerUser: 4,
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ft := newFakeTransport()
			c := newConn(UserID(fmt.Sprintf("user-%d", n)), ft, h, h.cfg.Queue, h.cfg.Heartbeat)
			_ = h.Attach(c)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 100, h.registry.Count())
	require.Equal(t, 100, h.pools.TotalConnections())
}
