package proxypool

import "math/rand"

// Strategy decides which active endpoint serves the next request.
type Strategy int

const (
	// uniform choice among active endpoints
	StrategyRandom Strategy = iota
	// the endpoint idle the longest
	StrategyRoundRobin
	// the endpoint with the lowest average response time
	StrategyFastest
)

func (s Strategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyFastest:
		return "fastest"
	default:
		return "random"
	}
}

// ParseStrategy maps a configuration name to a Strategy. Unrecognized
// names fall back to random.
func ParseStrategy(name string) Strategy {
	switch name {
	case "round_robin":
		return StrategyRoundRobin
	case "fastest":
		return StrategyFastest
	default:
		return StrategyRandom
	}
}

// pick assumes candidates is non-empty.
func pick(strategy Strategy, candidates []Stats) string {
	switch strategy {
	case StrategyRoundRobin:
		oldest := candidates[0]
		for _, c := range candidates[1:] {
			if c.LastUsedAt.Before(oldest.LastUsedAt) {
				oldest = c
			}
		}
		return oldest.Endpoint
	case StrategyFastest:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if fasterThan(c, best) {
				best = c
			}
		}
		return best.Endpoint
	default:
		return candidates[rand.Intn(len(candidates))].Endpoint
	}
}

// fasterThan orders proven endpoints by average response time and places
// never-succeeded endpoints after every proven one. Their average reads 0,
// which would otherwise let fresh endpoints shadow proven-fast ones until
// their first success.
func fasterThan(a, b Stats) bool {
	if (a.SuccessCount == 0) != (b.SuccessCount == 0) {
		return b.SuccessCount == 0
	}
	return a.AverageResponseTime() < b.AverageResponseTime()
}
