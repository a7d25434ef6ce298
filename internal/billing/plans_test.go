package billing

import (
	"testing"

	"stratplan/internal/types"
)

func TestLimitsFor(t *testing.T) {
	tests := []struct {
		plan types.PlanTier
		want PlanLimits
	}{
		{types.PlanStarter, PlanLimits{Users: 3, Strategies: 1, Projects: 10}},
		{types.PlanPro, PlanLimits{Users: 10, Strategies: 5, Projects: 50}},
		{types.PlanTeam, PlanLimits{Users: 25, Strategies: Unlimited, Projects: Unlimited}},
		{types.PlanLegacy, PlanLimits{Users: Unlimited, Strategies: Unlimited, Projects: Unlimited}},
		{types.PlanTier("gold"), PlanLimits{Users: 3, Strategies: 1, Projects: 10}},
	}
	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			if got := LimitsFor(tt.plan); got != tt.want {
				t.Errorf("LimitsFor(%s) = %+v, want %+v", tt.plan, got, tt.want)
			}
		})
	}
}

func TestPlanLimits_For(t *testing.T) {
	l := LimitsFor(types.PlanPro)
	if l.For(types.ResourceUsers) != 10 || l.For(types.ResourceStrategies) != 5 || l.For(types.ResourceProjects) != 50 {
		t.Errorf("unexpected per-resource limits: %+v", l)
	}
	if got := l.For(types.ResourceType("widgets")); got != 0 {
		t.Errorf("unknown resource limit = %d, want 0", got)
	}
}

func TestSeatLimit(t *testing.T) {
	e := types.NewEntitlement("t1")
	e.Plan = types.PlanPro
	e.ExtraSeats = 4
	pending := 1
	e.PendingExtraSeats = &pending

	if got := SeatLimit(e); got != 14 {
		t.Errorf("SeatLimit = %d, want 14 (pending seats never count)", got)
	}

	e.Plan = types.PlanLegacy
	if got := SeatLimit(e); got != Unlimited {
		t.Errorf("legacy SeatLimit = %d, want Unlimited", got)
	}
}

func TestIsLowerTier(t *testing.T) {
	tests := []struct {
		target, current types.PlanTier
		want            bool
	}{
		{types.PlanStarter, types.PlanTeam, true},
		{types.PlanPro, types.PlanTeam, true},
		{types.PlanStarter, types.PlanPro, true},
		{types.PlanPro, types.PlanPro, false},
		{types.PlanTeam, types.PlanPro, false},
		{types.PlanStarter, types.PlanLegacy, false},
		{types.PlanLegacy, types.PlanTeam, false},
		{types.PlanTier(""), types.PlanTeam, false},
	}
	for _, tt := range tests {
		if got := IsLowerTier(tt.target, tt.current); got != tt.want {
			t.Errorf("IsLowerTier(%q, %q) = %v, want %v", tt.target, tt.current, got, tt.want)
		}
	}
}
