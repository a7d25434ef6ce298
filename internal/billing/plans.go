// Package billing keeps each tenant's local entitlement consistent with the
// payment provider: the plan catalog, tier limits, the lifecycle model,
// webhook reconciliation, user-initiated billing actions and the periodic
// resync sweep.
package billing

import "stratplan/internal/types"

// Unlimited marks a resource without a numeric cap.
const Unlimited = -1

// PlanLimits holds the base allowance of each limited resource. A value of
// Unlimited disables the cap.
type PlanLimits struct {
	Users      int `json:"users"`
	Strategies int `json:"strategies"`
	Projects   int `json:"projects"`
}

// For returns the limit for a resource.
func (l PlanLimits) For(r types.ResourceType) int {
	switch r {
	case types.ResourceUsers:
		return l.Users
	case types.ResourceStrategies:
		return l.Strategies
	case types.ResourceProjects:
		return l.Projects
	}
	return 0
}

// planDefaults is the tier table:
//
//	| Plan    | Users | Strategies | Projects  |
//	|---------|-------|------------|-----------|
//	| starter | 3     | 1          | 10        |
//	| pro     | 10    | 5          | 50        |
//	| team    | 25    | unlimited  | unlimited |
//	| legacy  | unlimited                      |
var planDefaults = map[types.PlanTier]PlanLimits{
	types.PlanStarter: {Users: 3, Strategies: 1, Projects: 10},
	types.PlanPro:     {Users: 10, Strategies: 5, Projects: 50},
	types.PlanTeam:    {Users: 25, Strategies: Unlimited, Projects: Unlimited},
	types.PlanLegacy:  {Users: Unlimited, Strategies: Unlimited, Projects: Unlimited},
}

// LimitsFor returns the base limits of a tier. Unknown tiers get the starter
// limits so enforcement fails closed.
func LimitsFor(plan types.PlanTier) PlanLimits {
	if l, ok := planDefaults[plan]; ok {
		return l
	}
	return planDefaults[types.PlanStarter]
}

// SeatLimit is the effective user allowance: base users plus purchased extra
// seats. Pending seats never count.
func SeatLimit(e *types.Entitlement) int {
	base := LimitsFor(e.Plan).Users
	if base == Unlimited {
		return Unlimited
	}
	return base + e.ExtraSeats
}

// tierRank orders the downgradable tiers. Legacy is deliberately absent.
var tierRank = map[types.PlanTier]int{
	types.PlanStarter: 1,
	types.PlanPro:     2,
	types.PlanTeam:    3,
}

// TierRank returns the position of plan in starter < pro < team, or 0 for
// plans outside the order.
func TierRank(plan types.PlanTier) int {
	return tierRank[plan]
}

// IsLowerTier reports whether target sits strictly below current in the
// tier order. Plans outside the order are never lower or higher.
func IsLowerTier(target, current types.PlanTier) bool {
	t, c := TierRank(target), TierRank(current)
	return t > 0 && c > 0 && t < c
}
