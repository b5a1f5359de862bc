package emergency

import (
	"github.com/ehr/edflow/internal/platform/cache"
)

// Module wires the ED services around one store.
type Module struct {
	Service  *Service
	Beds     *Allocator
	Capacity *CapacityMonitor
	Flow     *FlowOptimizer
	Handler  *Handler
}

type ModuleConfig struct {
	Capacity CapacityConfig
	Flow     FlowConfig
}

func DefaultModuleConfig() ModuleConfig {
	return ModuleConfig{Capacity: DefaultCapacityConfig(), Flow: DefaultFlowConfig()}
}

// NewModule builds the services. ai may be nil when no severity model is
// configured; c may be nil for a process-local cache.
func NewModule(store Store, c cache.Store, ai AIScorer, cfg ModuleConfig, deps Deps) *Module {
	deps = deps.withDefaults()
	capacity := NewCapacityMonitor(store, c, cfg.Capacity, deps)
	beds := NewAllocator(store, capacity, deps)
	svc := NewService(store, beds, ai, deps)
	flow := NewFlowOptimizer(store, capacity, beds, cfg.Flow, deps)
	return &Module{
		Service:  svc,
		Beds:     beds,
		Capacity: capacity,
		Flow:     flow,
		Handler:  NewHandler(svc, beds, capacity, flow),
	}
}
