package realtime

import (
	"hash/fnv"
	"sync"
)

const registryShards = 16

type registryShard struct {
	mu     sync.RWMutex
	byID   map[ConnID]*Conn
	byUser map[UserID]map[ConnID]*Conn
}

// Registry is the single source of truth for which users are currently
// connected. It is sharded by user so concurrent joins and leaves only
// contend on one shard, and every mutation notifies the presence tracker
// before returning so presence never lags connection state.
type Registry struct {
	shards   [registryShards]*registryShard
	presence *PresenceTracker
}

func NewRegistry(presence *PresenceTracker) *Registry {
	r := &Registry{presence: presence}
	for i := range r.shards {
		r.shards[i] = &registryShard{
			byID:   make(map[ConnID]*Conn),
			byUser: make(map[UserID]map[ConnID]*Conn),
		}
	}
	return r
}

func (r *Registry) shardFor(userID UserID) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%registryShards]
}

func (r *Registry) Register(c *Conn) {
	if c == nil {
		return
	}

	s := r.shardFor(c.UserID())
	s.mu.Lock()
	s.byID[c.ID()] = c
	if _, ok := s.byUser[c.UserID()]; !ok {
		s.byUser[c.UserID()] = make(map[ConnID]*Conn)
	}
	s.byUser[c.UserID()][c.ID()] = c
	s.mu.Unlock()

	r.presence.OnConnectionOpened(c.UserID())
}

// Unregister removes the connection and reports how many connections the
// owner still has, so callers can run last-connection cleanup.
func (r *Registry) Unregister(c *Conn) int {
	if c == nil {
		return 0
	}

	s := r.shardFor(c.UserID())
	s.mu.Lock()
	_, present := s.byID[c.ID()]
	delete(s.byID, c.ID())
	remaining := 0
	if userConns, ok := s.byUser[c.UserID()]; ok {
		delete(userConns, c.ID())
		remaining = len(userConns)
		if remaining == 0 {
			delete(s.byUser, c.UserID())
		}
	}
	s.mu.Unlock()

	if present {
		r.presence.OnConnectionClosed(c.UserID())
	}
	return remaining
}

func (r *Registry) ByID(id ConnID) (*Conn, bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		c, ok := s.byID[id]
		s.mu.RUnlock()
		if ok {
			return c, true
		}
	}
	return nil, false
}

func (r *Registry) ConnectionsFor(userID UserID) []*Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	userConns, ok := s.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(userConns))
	for _, c := range userConns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) CountFor(userID UserID) int {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[userID])
}

func (r *Registry) IsOnline(userID UserID) bool {
	return r.CountFor(userID) > 0
}

func (r *Registry) All() []*Conn {
	var out []*Conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.byID {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}

func (r *Registry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.byID)
		s.mu.RUnlock()
	}
	return total
}

func (r *Registry) UserCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.byUser)
		s.mu.RUnlock()
	}
	return total
}
