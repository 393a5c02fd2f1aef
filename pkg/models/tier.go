package models

import "time"

// Tier is a named rate-limit profile: how many requests a principal may
// make per fixed window.
type Tier struct {
	Name      string
	Limit     int64
	Window    time.Duration
}

// Built-in tier names.
const (
	TierAnonymous = "anonymous"
	TierStandard  = "standard"
	TierElevated  = "elevated"
)

var tiers = map[string]Tier{
	TierAnonymous: {Name: TierAnonymous, Limit: 50, Window: time.Hour},
	TierStandard:  {Name: TierStandard, Limit: 500, Window: 24 * time.Hour},
	TierElevated:  {Name: TierElevated, Limit: 5000, Window: 24 * time.Hour},
}

// TierByName resolves a tier, falling back to the lowest-privilege tier for
// unknown names. Ambiguous or degraded state never grants extra quota.
func TierByName(name string) Tier {
	if t, ok := tiers[name]; ok {
		return t
	}
	return tiers[TierAnonymous]
}
