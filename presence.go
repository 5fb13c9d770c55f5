package realtime

import (
	"sync"
	"time"
)

type presenceEntry struct {
	connections int
	lastSeen    time.Time
}

// PresenceSink receives the online/offline event for a user together with the
// subject, so the fan-out can exclude the user themselves.
type PresenceSink func(subject UserID, ev Envelope)

// PresenceTracker derives online/offline transitions from registry mutations.
// It emits online exactly when a user's connection count goes 0 to 1 and
// offline exactly when it goes 1 to 0; intermediate transitions are silent so
// multi-device sessions never flap.
type PresenceTracker struct {
	mu      sync.Mutex
	entries map[UserID]*presenceEntry
	sink    PresenceSink
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{entries: make(map[UserID]*presenceEntry)}
}

// SetSink installs the fan-out callback. Must be called before connections
// arrive; the hub does this during construction.
func (p *PresenceTracker) SetSink(sink PresenceSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

func (p *PresenceTracker) OnConnectionOpened(userID UserID) {
	if userID == "" {
		return
	}

	p.mu.Lock()
	e, ok := p.entries[userID]
	if !ok {
		e = &presenceEntry{}
		p.entries[userID] = e
	}
	e.connections++
	e.lastSeen = time.Now().UTC()
	emit := e.connections == 1
	sink := p.sink
	last := e.lastSeen
	p.mu.Unlock()

	if emit && sink != nil {
		sink(userID, presenceEnvelope(userID, PresenceOnline, last))
	}
}

func (p *PresenceTracker) OnConnectionClosed(userID UserID) {
	if userID == "" {
		return
	}

	p.mu.Lock()
	e, ok := p.entries[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.connections > 0 {
		e.connections--
	}
	e.lastSeen = time.Now().UTC()
	emit := e.connections == 0
	sink := p.sink
	last := e.lastSeen
	p.mu.Unlock()

	if emit && sink != nil {
		sink(userID, presenceEnvelope(userID, PresenceOffline, last))
	}
}

func (p *PresenceTracker) Record(userID UserID) (PresenceRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[userID]
	if !ok {
		return PresenceRecord{}, false
	}

	status := PresenceOffline
	if e.connections > 0 {
		status = PresenceOnline
	}
	return PresenceRecord{UserID: userID, Status: status, LastSeenAt: e.lastSeen}, true
}

func (p *PresenceTracker) OnlineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.entries {
		if e.connections > 0 {
			n++
		}
	}
	return n
}

func presenceEnvelope(userID UserID, status PresenceStatus, lastSeen time.Time) Envelope {
	eventType := EventUserOnline
	if status == PresenceOffline {
		eventType = EventUserOffline
	}
	env := newEnvelope(eventType, PresencePayload{
		UserID:     userID,
		Status:     status,
		LastSeenAt: lastSeen,
	})
	env.UserID = userID
	return env
}
