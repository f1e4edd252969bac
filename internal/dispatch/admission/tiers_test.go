package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTierLimits(t *testing.T) {
	free := DefaultTierLimits(TierFree)
	assert.Equal(t, 60, free.PerMinute)
	assert.Equal(t, 5, free.Concurrent)

	premium := DefaultTierLimits(TierPremium)
	assert.Equal(t, 300, premium.PerMinute)

	enterprise := DefaultTierLimits(TierEnterprise)
	assert.Equal(t, 1_000_000, enterprise.PerDay)

	assert.Equal(t, free, DefaultTierLimits("unknown"))
}

func TestResolveTakesMostRestrictive(t *testing.T) {
	base := DefaultTierLimits(TierFree)
	override := EndpointOverride{PerMinute: intPtr(10), Burst: intPtr(3)}
	resolved := Resolve(base, &override)

	assert.Equal(t, 10, resolved.PerMinute)
	assert.Equal(t, 3, resolved.Burst)
	assert.Equal(t, base.PerHour, resolved.PerHour)
}

func TestResolveOverrideCannotLoosenLimit(t *testing.T) {
	base := DefaultTierLimits(TierFree)
	loose := 1000
	override := EndpointOverride{PerMinute: &loose}
	resolved := Resolve(base, &override)
	assert.Equal(t, base.PerMinute, resolved.PerMinute, "override must not raise a limit above the tier's base")
}

func TestWindowsForSkipsZeroLimits(t *testing.T) {
	limits := Limits{PerMinute: 10}
	windows := windowsFor(limits)
	assert.Len(t, windows, 1)
	assert.Equal(t, "per_minute", windows[0].name)
}
