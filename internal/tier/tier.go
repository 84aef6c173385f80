// Package tier resolves per-user daily delivery limits from subscription tiers.
package tier

import (
	"context"
	"fmt"
)

// Resolver is the tier collaborator: it maps a user to the daily delivery
// limit effective on the given calendar day.
type Resolver interface {
	LimitFor(ctx context.Context, userID int64, day string) (int, error)
}

// StaticResolver resolves limits from a fixed tier table, typically loaded
// from configuration.
type StaticResolver struct {
	limits      map[string]int
	userTiers   map[int64]string
	defaultTier string
}

// NewStaticResolver builds a resolver from a tier→limit table, per-user tier
// assignments, and the tier applied to unassigned users.
func NewStaticResolver(limits map[string]int, userTiers map[int64]string, defaultTier string) (*StaticResolver, error) {
	if len(limits) == 0 {
		return nil, fmt.Errorf("no tiers configured")
	}
	if _, ok := limits[defaultTier]; !ok {
		return nil, fmt.Errorf("default tier %q has no limit", defaultTier)
	}
	for user, t := range userTiers {
		if _, ok := limits[t]; !ok {
			return nil, fmt.Errorf("user %d assigned unknown tier %q", user, t)
		}
	}
	return &StaticResolver{limits: limits, userTiers: userTiers, defaultTier: defaultTier}, nil
}

// LimitFor returns the daily limit for a user. The day parameter is unused
// here: static tiers do not vary over time.
func (r *StaticResolver) LimitFor(_ context.Context, userID int64, _ string) (int, error) {
	t, ok := r.userTiers[userID]
	if !ok {
		t = r.defaultTier
	}
	return r.limits[t], nil
}
