package models

// RoutingStrategy is the router's provider-selection mode. The governor never
// owns it; it receives the current value and hands back a possibly cheaper one.
type RoutingStrategy string

const (
	StrategyQualityOptimized RoutingStrategy = "quality_optimized"
	StrategyLatencyOptimized RoutingStrategy = "latency_optimized"
	StrategyBalanced         RoutingStrategy = "balanced"
	StrategyCostOptimized    RoutingStrategy = "cost_optimized"
)

// Priority orders strategies from most expensive (1) to cheapest (3).
// Unknown or empty strategies report 0.
func (s RoutingStrategy) Priority() int {
	switch s {
	case StrategyQualityOptimized, StrategyLatencyOptimized:
		return 1
	case StrategyBalanced:
		return 2
	case StrategyCostOptimized:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known strategies.
func (s RoutingStrategy) Valid() bool {
	return s.Priority() > 0
}

// Downgrade returns the next cheaper strategy. The cheapest strategy and
// unknown values are returned unchanged.
func (s RoutingStrategy) Downgrade() RoutingStrategy {
	switch s.Priority() {
	case 1:
		return StrategyBalanced
	case 2:
		return StrategyCostOptimized
	default:
		return s
	}
}

// Router is the external collaborator that owns the live strategy value.
type Router interface {
	Strategy() RoutingStrategy
	SetStrategy(RoutingStrategy)
}
