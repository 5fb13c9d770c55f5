package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pool is one capacity-bounded shard of connections. Each pool has its own
// lock, so registry churn and broadcast fan-out cost stays proportional to
// the pool, not the whole system.
type Pool struct {
	id       PoolID
	capacity int

	mu    sync.RWMutex
	conns map[ConnID]*Conn

	draining  atomic.Bool
	createdAt time.Time
}

func newPool(id PoolID, capacity int) *Pool {
	return &Pool{
		id:        id,
		capacity:  capacity,
		conns:     make(map[ConnID]*Conn),
		createdAt: time.Now().UTC(),
	}
}

func (p *Pool) ID() PoolID { return p.id }

func (p *Pool) add(c *Conn) error {
	if p.draining.Load() {
		return ErrPoolDraining
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) >= p.capacity {
		return ErrPoolFull
	}
	p.conns[c.ID()] = c
	c.poolID = p.id
	return nil
}

func (p *Pool) remove(id ConnID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.conns[id]; !ok {
		return false
	}
	delete(p.conns, id)
	return true
}

func (p *Pool) size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

func (p *Pool) utilization() float64 {
	if p.capacity == 0 {
		return 1.0
	}
	return float64(p.size()) / float64(p.capacity)
}

func (p *Pool) snapshot() []*Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// staleConns returns members whose last heartbeat is older than timeout.
func (p *Pool) staleConns(timeout time.Duration) []*Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Conn
	for _, c := range p.conns {
		if c.stale(timeout) {
			out = append(out, c)
		}
	}
	return out
}

func (p *Pool) status(hbTimeout time.Duration) PoolStatus {
	p.mu.RLock()
	total := len(p.conns)
	healthy := 0
	for _, c := range p.conns {
		if !c.stale(hbTimeout) {
			healthy++
		}
	}
	p.mu.RUnlock()

	util := 0.0
	if p.capacity > 0 {
		util = float64(total) / float64(p.capacity) * 100
	}

	return PoolStatus{
		ID:             p.id,
		Capacity:       p.capacity,
		Connections:    total,
		HealthyConns:   healthy,
		UtilizationPct: util,
		Draining:       p.draining.Load(),
	}
}
