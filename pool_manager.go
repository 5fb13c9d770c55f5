package realtime

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// PoolManager shards connections across independent pools and performs
// load-aware admission: new connections go to the pool with the lowest
// utilization, and once every pool sits at or above the reject threshold the
// configured policy either refuses the connection or provisions another pool.
type PoolManager struct {
	cfg PoolConfig
	log Logger

	mu    sync.RWMutex
	pools map[PoolID]*Pool

	seq        atomic.Uint64
	throttling atomic.Bool
	limiter    *rate.Limiter

	// detach runs the hub's atomic cleanup for a connection the manager
	// is closing (evacuation, heartbeat sweep).
	detach func(c *Conn, reason DisconnectReason)
}

func NewPoolManager(cfg PoolConfig, log Logger) *PoolManager {
	if log == nil {
		log = noopLogger{}
	}

	pm := &PoolManager{
		cfg:     cfg,
		log:     log,
		pools:   make(map[PoolID]*Pool),
		limiter: rate.NewLimiter(rate.Limit(cfg.ThrottleRate), cfg.ThrottleBurst),
		detach:  func(c *Conn, reason DisconnectReason) { c.close(reason) },
	}

	for i := 0; i < cfg.InitialPools; i++ {
		pm.provision(cfg.PoolCapacity)
	}
	return pm
}

func (pm *PoolManager) setDetach(fn func(c *Conn, reason DisconnectReason)) {
	if fn != nil {
		pm.detach = fn
	}
}

func (pm *PoolManager) provision(capacity int) *Pool {
	id := PoolID(fmt.Sprintf("pool-%d", pm.seq.Add(1)))
	p := newPool(id, capacity)

	pm.mu.Lock()
	pm.pools[id] = p
	pm.mu.Unlock()

	pm.log.Info("pool provisioned", "pool_id", id, "capacity", capacity)
	return p
}

// Provision adds a pool of the default capacity and returns its id. This is
// the scale_up admin action.
func (pm *PoolManager) Provision() PoolID {
	return pm.provision(pm.cfg.PoolCapacity).ID()
}

// Admit places the connection into the least-utilized pool that is not
// draining and returns the chosen pool id.
func (pm *PoolManager) Admit(c *Conn) (PoolID, error) {
	if pm.throttling.Load() && !pm.limiter.Allow() {
		return "", ErrThrottled
	}

	// Selection and insertion race against other admissions; retry a few
	// times before treating a filled-up winner as capacity exhaustion.
	for attempt := 0; attempt < 3; attempt++ {
		best, minUtil := pm.selectPool()

		if best == nil || minUtil >= pm.cfg.RejectThreshold {
			if pm.cfg.Policy == PolicyExpand {
				best = pm.provision(pm.cfg.PoolCapacity)
			} else {
				return "", ErrCapacity
			}
		}

		switch err := best.add(c); err {
		case nil:
			return best.ID(), nil
		case ErrPoolFull, ErrPoolDraining:
			continue
		default:
			return "", err
		}
	}

	return "", ErrCapacity
}

func (pm *PoolManager) selectPool() (*Pool, float64) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var best *Pool
	minUtil := 0.0
	for _, p := range pm.pools {
		if p.draining.Load() {
			continue
		}
		u := p.utilization()
		if best == nil || u < minUtil {
			best = p
			minUtil = u
		}
	}
	return best, minUtil
}

// Evacuate drains a pool: it stops admitting, closes every member with a
// close reason distinguishable from a client disconnect, and removes the
// pool once empty.
func (pm *PoolManager) Evacuate(poolID PoolID) error {
	pm.mu.RLock()
	p, ok := pm.pools[poolID]
	pm.mu.RUnlock()
	if !ok {
		return ErrPoolNotFound
	}

	p.draining.Store(true)
	for _, c := range p.snapshot() {
		pm.detach(c, DisconnectPoolEvacuated)
	}

	pm.mu.Lock()
	delete(pm.pools, poolID)
	pm.mu.Unlock()

	pm.log.Info("pool evacuated", "pool_id", poolID)
	return nil
}

// Restart evacuates the pool and immediately provisions an equal-capacity
// replacement, so the action is capacity-neutral.
func (pm *PoolManager) Restart(poolID PoolID) (PoolID, error) {
	pm.mu.RLock()
	p, ok := pm.pools[poolID]
	pm.mu.RUnlock()
	if !ok {
		return "", ErrPoolNotFound
	}

	capacity := p.capacity
	if err := pm.Evacuate(poolID); err != nil {
		return "", err
	}
	return pm.provision(capacity).ID(), nil
}

func (pm *PoolManager) removeConn(c *Conn) {
	if c.Pool() == "" {
		return
	}

	pm.mu.RLock()
	p, ok := pm.pools[c.Pool()]
	pm.mu.RUnlock()
	if ok {
		p.remove(c.ID())
	}
}

func (pm *PoolManager) Status(poolID PoolID, hbTimeout time.Duration) (PoolStatus, bool) {
	pm.mu.RLock()
	p, ok := pm.pools[poolID]
	pm.mu.RUnlock()
	if !ok {
		return PoolStatus{}, false
	}
	return p.status(hbTimeout), true
}

func (pm *PoolManager) AllPools(hbTimeout time.Duration) []PoolStatus {
	pm.mu.RLock()
	pools := make([]*Pool, 0, len(pm.pools))
	for _, p := range pm.pools {
		pools = append(pools, p)
	}
	pm.mu.RUnlock()

	out := make([]PoolStatus, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.status(hbTimeout))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (pm *PoolManager) TotalConnections() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	total := 0
	for _, p := range pm.pools {
		total += p.size()
	}
	return total
}

func (pm *PoolManager) TotalCapacity() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	total := 0
	for _, p := range pm.pools {
		total += p.capacity
	}
	return total
}

// EnableThrottling engages admission-control backpressure.
func (pm *PoolManager) EnableThrottling() {
	pm.throttling.Store(true)
	pm.log.Warn("admission throttling enabled",
		"rate", pm.cfg.ThrottleRate, "burst", pm.cfg.ThrottleBurst)
}

func (pm *PoolManager) ThrottlingEnabled() bool {
	return pm.throttling.Load()
}

// sweepStale closes connections whose heartbeat is older than timeout.
// Absence of a probe is treated identically to an explicit close.
func (pm *PoolManager) sweepStale(timeout time.Duration) int {
	pm.mu.RLock()
	pools := make([]*Pool, 0, len(pm.pools))
	for _, p := range pm.pools {
		pools = append(pools, p)
	}
	pm.mu.RUnlock()

	closed := 0
	for _, p := range pools {
		for _, c := range p.staleConns(timeout) {
			pm.detach(c, DisconnectHeartbeatTimeout)
			closed++
		}
	}
	return closed
}

func (pm *PoolManager) shutdown() {
	pm.mu.RLock()
	ids := make([]PoolID, 0, len(pm.pools))
	for id := range pm.pools {
		ids = append(ids, id)
	}
	pm.mu.RUnlock()

	for _, id := range ids {
		_ = pm.Evacuate(id)
	}
}
