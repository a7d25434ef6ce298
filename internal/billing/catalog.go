package billing

import (
	"fmt"

	"stratplan/internal/config"
	"stratplan/internal/types"
)

// CatalogMode is the provider environment a price belongs to.
type CatalogMode string

const (
	ModeLive CatalogMode = "live"
	ModeTest CatalogMode = "test"
)

// PriceKind separates base plan prices from per-seat add-ons.
type PriceKind string

const (
	KindBase PriceKind = "base"
	KindSeat PriceKind = "seat"
)

// CatalogEntry maps one provider price to what it sells.
type CatalogEntry struct {
	PriceRef string
	Plan     types.PlanTier
	Interval types.BillingInterval
	Mode     CatalogMode
	Kind     PriceKind
}

// PlanPrice is the (plan, interval) pair a base price resolves to.
type PlanPrice struct {
	Plan     types.PlanTier
	Interval types.BillingInterval
}

type planKey struct {
	plan     types.PlanTier
	interval types.BillingInterval
}

// Catalog is the immutable price table. It is built once at startup and
// shared by reference; lookups accept prices of either mode, outbound
// prices come from the active mode only.
type Catalog struct {
	mode     CatalogMode
	byRef    map[string]CatalogEntry
	outbound map[planKey]string
	seat     string
}

// NewCatalog validates entries and builds the lookup tables. A price id
// listed twice must describe the same thing both times.
func NewCatalog(entries []CatalogEntry, mode CatalogMode) (*Catalog, error) {
	if mode != ModeLive && mode != ModeTest {
		return nil, fmt.Errorf("catalog: unknown mode %q", mode)
	}
	c := &Catalog{
		mode:     mode,
		byRef:    make(map[string]CatalogEntry, len(entries)),
		outbound: make(map[planKey]string),
	}
	for _, e := range entries {
		if e.PriceRef == "" {
			continue
		}
		if e.Kind == KindBase {
			if !e.Plan.Valid() || !e.Interval.Valid() {
				return nil, fmt.Errorf("catalog: price %s has invalid plan %q or interval %q", e.PriceRef, e.Plan, e.Interval)
			}
		} else if e.Kind != KindSeat {
			return nil, fmt.Errorf("catalog: price %s has unknown kind %q", e.PriceRef, e.Kind)
		}

		if prev, dup := c.byRef[e.PriceRef]; dup {
			if prev.Kind != e.Kind || prev.Plan != e.Plan || prev.Interval != e.Interval {
				return nil, fmt.Errorf("catalog: price %s maps to conflicting entries", e.PriceRef)
			}
		} else {
			c.byRef[e.PriceRef] = e
		}

		// A price shared by both modes is still outbound for the active one,
		// whichever mode listed it first.
		if e.Mode != mode {
			continue
		}
		switch e.Kind {
		case KindSeat:
			if c.seat == "" {
				c.seat = e.PriceRef
			}
		case KindBase:
			k := planKey{e.Plan, e.Interval}
			if _, taken := c.outbound[k]; !taken {
				c.outbound[k] = e.PriceRef
			}
		}
	}
	return c, nil
}

// CatalogFromConfig builds the catalog from both configured price sets; the
// active mode follows the secret key.
func CatalogFromConfig(cfg config.BillingConfig) (*Catalog, error) {
	mode := ModeLive
	if cfg.TestMode() {
		mode = ModeTest
	}
	entries := append(priceSetEntries(cfg.LivePrices(), ModeLive), priceSetEntries(cfg.TestPrices(), ModeTest)...)
	return NewCatalog(entries, mode)
}

func priceSetEntries(ps config.PriceSet, mode CatalogMode) []CatalogEntry {
	base := func(ref string, plan types.PlanTier, interval types.BillingInterval) CatalogEntry {
		return CatalogEntry{PriceRef: ref, Plan: plan, Interval: interval, Mode: mode, Kind: KindBase}
	}
	return []CatalogEntry{
		base(ps.StarterMonthly, types.PlanStarter, types.IntervalMonthly),
		base(ps.StarterAnnual, types.PlanStarter, types.IntervalAnnual),
		base(ps.ProMonthly, types.PlanPro, types.IntervalMonthly),
		base(ps.ProAnnual, types.PlanPro, types.IntervalAnnual),
		base(ps.TeamMonthly, types.PlanTeam, types.IntervalMonthly),
		base(ps.TeamAnnual, types.PlanTeam, types.IntervalAnnual),
		{PriceRef: ps.Seat, Mode: mode, Kind: KindSeat},
	}
}

// Mode returns the active provider mode.
func (c *Catalog) Mode() CatalogMode { return c.mode }

// PlanForPriceRef resolves a base price of either mode. Seat add-ons and
// unknown prices report no match.
func (c *Catalog) PlanForPriceRef(ref string) (PlanPrice, bool) {
	e, ok := c.byRef[ref]
	if !ok || e.Kind != KindBase {
		return PlanPrice{}, false
	}
	return PlanPrice{Plan: e.Plan, Interval: e.Interval}, true
}

// PriceRefFor returns the active-mode price to charge for a plan.
func (c *Catalog) PriceRefFor(plan types.PlanTier, interval types.BillingInterval) (string, bool) {
	ref, ok := c.outbound[planKey{plan, interval}]
	return ref, ok
}

// SeatPriceRef returns the active-mode per-seat price.
func (c *Catalog) SeatPriceRef() (string, bool) {
	return c.seat, c.seat != ""
}

// IsSeatPrice reports whether ref is a seat add-on of either mode.
func (c *Catalog) IsSeatPrice(ref string) bool {
	e, ok := c.byRef[ref]
	return ok && e.Kind == KindSeat
}

// PrimaryPlan returns the plan of the first subscription item that resolves
// to a base price.
func (c *Catalog) PrimaryPlan(items []types.ProviderSubscriptionItem) (PlanPrice, bool) {
	for _, it := range items {
		if pp, ok := c.PlanForPriceRef(it.PriceRef); ok {
			return pp, true
		}
	}
	return PlanPrice{}, false
}

// Entries returns every catalog entry, for diagnostics.
func (c *Catalog) Entries() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(c.byRef))
	for _, e := range c.byRef {
		out = append(out, e)
	}
	return out
}
