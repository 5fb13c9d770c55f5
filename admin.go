package realtime

import "fmt"

// Admin actions accepted by Execute.
const (
	ActionRestartPool      = "restart_pool"
	ActionScaleUp          = "scale_up"
	ActionEnableThrottling = "enable_throttling"
	ActionClearQueue       = "clear_queue"
)

type ActionRequest struct {
	Action string `json:"action"`
	PoolID string `json:"poolId,omitempty"`
	// Parameters is accepted for forward compatibility; current actions
	// take no extra arguments.
	Parameters map[string]any `json:"parameters,omitempty"`
}

type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Admin is the operations control plane. It exposes the small set of manual
// interventions the insight engine recommends; everything else stays
// automatic.
type Admin struct {
	hub *Hub
	log Logger
}

func NewAdmin(h *Hub) *Admin {
	return &Admin{hub: h, log: h.log}
}

func (a *Admin) Execute(req ActionRequest) (ActionResult, error) {
	switch req.Action {
	case ActionRestartPool:
		if req.PoolID == "" {
			return ActionResult{}, fmt.Errorf("restart_pool: %w", ErrPoolNotFound)
		}
		replacement, err := a.hub.pools.Restart(PoolID(req.PoolID))
		if err != nil {
			return ActionResult{}, fmt.Errorf("restart_pool %s: %w", req.PoolID, err)
		}
		a.log.Info("pool restarted", "pool_id", req.PoolID, "replacement", replacement)
		return ActionResult{
			Success: true,
			Message: fmt.Sprintf("pool %s drained, replacement %s provisioned", req.PoolID, replacement),
		}, nil

	case ActionScaleUp:
		id := a.hub.pools.Provision()
		return ActionResult{
			Success: true,
			Message: fmt.Sprintf("additional pool %s provisioned", id),
		}, nil

	case ActionEnableThrottling:
		a.hub.pools.EnableThrottling()
		return ActionResult{
			Success: true,
			Message: "admission throttling enabled",
		}, nil

	case ActionClearQueue:
		n := a.hub.clearBacklog()
		a.log.Info("backlog cleared", "discarded", n)
		return ActionResult{
			Success: true,
			Message: fmt.Sprintf("cleared %d queued frames", n),
		}, nil

	default:
		return ActionResult{}, fmt.Errorf("%q: %w", req.Action, ErrUnknownAction)
	}
}
