package realtime

import "fmt"

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
	StatusError    HealthStatus = "error"
)

// Insights is the operator-facing health assessment derived from a metrics
// snapshot: a reliability score in [0,100], a qualitative status and an
// ordered list of recommendations.
type Insights struct {
	ReliabilityScore float64      `json:"reliabilityScore"`
	Status           HealthStatus `json:"status"`
	Recommendations  []string     `json:"recommendations"`
}

// Evaluate is pure: the same snapshot always yields the same insights, which
// keeps the recommendation list deterministic for the dashboard.
func Evaluate(m SystemMetrics) Insights {
	return Insights{
		ReliabilityScore: reliabilityScore(m),
		Status:           healthStatus(m),
		Recommendations:  recommendations(m),
	}
}

// reliabilityScore starts at 100 and deducts for capacity pressure, errors,
// latency, unhealthy pools and backlog, clamped to [0,100].
func reliabilityScore(m SystemMetrics) float64 {
	score := 100.0

	if m.UtilizationPct > 80 {
		score -= 2 * (m.UtilizationPct - 80)
	}

	score -= 5 * m.ErrorRatePct

	if m.AvgLatencyMs > 100 {
		score -= minf(20, (m.AvgLatencyMs-100)/10)
	}

	score -= 10 * float64(m.UnhealthyPools())

	if m.QueueLength > 0 {
		score -= minf(20, float64(m.QueueLength)/1000*20)
	}

	return clamp(score, 0, 100)
}

func healthStatus(m SystemMetrics) HealthStatus {
	switch {
	case m.UnhealthyPools() > 0 || m.ErrorRatePct > 10:
		return StatusError
	case m.UtilizationPct > 90 || m.ErrorRatePct > 5:
		return StatusCritical
	case m.UtilizationPct > 70 || m.AvgLatencyMs > 200:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

func recommendations(m SystemMetrics) []string {
	var recs []string

	if m.UtilizationPct > 80 {
		recs = append(recs, fmt.Sprintf(
			"Capacity utilization at %.1f%%: provision additional pool capacity (scale_up).",
			m.UtilizationPct))
	}

	if m.AvgLatencyMs > 100 {
		recs = append(recs, fmt.Sprintf(
			"Average delivery latency %.0fms exceeds 100ms: investigate slow consumers or reduce fan-out size.",
			m.AvgLatencyMs))
	}

	if m.QueueLength > 1000 {
		recs = append(recs, fmt.Sprintf(
			"Message backlog at %d frames: drain the queue or clear it (clear_queue).",
			m.QueueLength))
	}

	if imbalanced(m.Pools) {
		recs = append(recs,
			"Load imbalance between pools detected: evacuate the hottest pool to rebalance connections.")
	}

	if m.ErrorRatePct > 5 {
		recs = append(recs, fmt.Sprintf(
			"Error rate at %.1f%% exceeds 5%%: inspect transport failures and dropped frames.",
			m.ErrorRatePct))
	}

	if n := m.UnhealthyPools(); n > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d pool(s) unhealthy: restart the affected pool (restart_pool).", n))
	}

	if !m.CompressionEnabled && m.MessagesPerSecond > 1000 {
		recs = append(recs,
			"High message volume without compression: enable per-message compression to cut bandwidth.")
	}

	if len(recs) == 0 {
		recs = append(recs, "System operating optimally. No action required.")
	}
	return recs
}

// imbalanced reports a spread of more than 30 percentage points between the
// busiest and quietest active pool.
func imbalanced(pools []PoolStatus) bool {
	minUtil, maxUtil := 0.0, 0.0
	active := 0
	for _, p := range pools {
		if p.Draining {
			continue
		}
		if active == 0 {
			minUtil, maxUtil = p.UtilizationPct, p.UtilizationPct
		} else {
			if p.UtilizationPct < minUtil {
				minUtil = p.UtilizationPct
			}
			if p.UtilizationPct > maxUtil {
				maxUtil = p.UtilizationPct
			}
		}
		active++
	}
	return active >= 2 && maxUtil-minUtil > 30
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
