package tier_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
)

func TestAllotmentFor(t *testing.T) {
	c := tier.Default()

	tests := []struct {
		tier tier.Tier
		want types.Credits
	}{
		{tier.Free, types.Whole(100)},
		{tier.Tier2, types.Whole(300)},
		{tier.Tier3, types.Whole(750)},
		{tier.Tier4, types.Whole(2000)},
		{tier.Tier(9), types.Whole(2000)},
		{tier.Tier(0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.tier.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, c.AllotmentFor(tt.tier))
		})
	}
}

func TestCostOf(t *testing.T) {
	c := tier.Default()

	tests := []struct {
		name    string
		feature tier.Feature
		tier    tier.Tier
		want    types.Credits
	}{
		{"base cost", tier.ContentRepurposing, tier.Tier2, types.Whole(1)},
		{"fractional", tier.SchedulePost, tier.Tier2, types.Credits(50)},
		{"bulk at tier 3", tier.BulkGeneration, tier.Tier3, types.Credits(90)},
		{"bulk at tier 4", tier.BulkGeneration, tier.Tier4, types.Credits(80)},
		{"chat at tier 3", tier.AIChat, tier.Tier3, types.Credits(50)},
		{"chat at tier 4", tier.AIChat, tier.Tier4, types.Credits(30)},
		{"multiplier inherited above", tier.BulkGeneration, tier.Tier(5), types.Credits(80)},
		{"free feature", tier.AnalyticsExport, tier.Tier4, 0},
		{"unknown feature", tier.Feature("nope"), tier.Tier4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.CostOf(tt.feature, tt.tier))
		})
	}
}

func TestIsFeatureAvailable(t *testing.T) {
	c := tier.Default()

	assert.True(t, c.IsFeatureAvailable(tier.ContentRepurposing, tier.Free))
	assert.False(t, c.IsFeatureAvailable(tier.ViralHooks, tier.Free))
	assert.True(t, c.IsFeatureAvailable(tier.ViralHooks, tier.Tier4), "higher tiers satisfy lower requirements")
	assert.False(t, c.IsFeatureAvailable(tier.WhiteLabel, tier.Tier3))
	assert.False(t, c.IsFeatureAvailable(tier.Feature("unknown"), tier.Tier4))

	required, ok := c.MinimumTier(tier.AIChat)
	require.True(t, ok)
	assert.Equal(t, tier.Tier3, required)
}

func TestLimit(t *testing.T) {
	c := tier.Default()

	assert.Equal(t, 0, c.Limit(tier.Free, tier.StyleProfiles))
	assert.Equal(t, 1, c.Limit(tier.Tier3, tier.StyleProfiles))
	assert.Equal(t, 3, c.Limit(tier.Tier4, tier.StyleProfiles))
	assert.Equal(t, tier.Unlimited, c.Limit(tier.Tier4, tier.ScheduledPostsPerMonth))
	assert.Equal(t, 30, c.Limit(tier.Tier2, tier.ScheduledPostsPerMonth))
}

func TestRolloverCap(t *testing.T) {
	c := tier.Default()
	assert.Equal(t, types.Whole(1200), c.RolloverCap(types.Whole(100)))
}

func TestFeaturesOrdered(t *testing.T) {
	features := tier.Default().Features()
	require.NotEmpty(t, features)
	assert.Equal(t, tier.ContentRepurposing, features[0])
	assert.Equal(t, tier.WhiteLabel, features[len(features)-1])
}

func TestNewRejectsInvalidCatalog(t *testing.T) {
	tests := []struct {
		name         string
		defs         []tier.Definition
		costs        map[tier.Feature]tier.Cost
		availability map[tier.Feature]tier.Tier
		wantErr      string
	}{
		{
			name:    "missing free tier",
			defs:    []tier.Definition{{Tier: tier.Tier2}},
			wantErr: "free tier is not defined",
		},
		{
			name:    "duplicate tier",
			defs:    []tier.Definition{{Tier: tier.Free}, {Tier: tier.Free}},
			wantErr: "defined twice",
		},
		{
			name:         "undefined required tier",
			defs:         []tier.Definition{{Tier: tier.Free}},
			availability: map[tier.Feature]tier.Tier{tier.AIChat: tier.Tier3},
			wantErr:      "requires undefined tier",
		},
		{
			name:    "cost without availability",
			defs:    []tier.Definition{{Tier: tier.Free}},
			costs:   map[tier.Feature]tier.Cost{tier.AIChat: {Base: types.Whole(1)}},
			wantErr: "cost defined without availability",
		},
		{
			name:         "negative cost",
			defs:         []tier.Definition{{Tier: tier.Free}},
			availability: map[tier.Feature]tier.Tier{tier.AIChat: tier.Free},
			costs:        map[tier.Feature]tier.Cost{tier.AIChat: {Base: types.Credits(-1)}},
			wantErr:      "negative base cost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tier.New(tt.defs, tt.costs, tt.availability)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	doc := `
tiers:
  - tier: 1
    name: Free
    monthly_allotment: 10
  - tier: 2
    name: Pro
    monthly_allotment: 250.5
    limits:
      style_profiles: 2
features:
  - name: content_repurposing
    min_tier: 1
    cost: 1
  - name: bulk_generation
    min_tier: 2
    cost: "0.5"
    multipliers:
      2: 5000
  - name: podcast_clips
    min_tier: 2
`
	c, err := tier.LoadYAML(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, types.Credits(25050), c.AllotmentFor(tier.Tier2))
	assert.Equal(t, types.Credits(25), c.CostOf(tier.BulkGeneration, tier.Tier2))
	assert.True(t, c.IsFeatureAvailable("podcast_clips", tier.Tier2))
	assert.False(t, c.IsFeatureAvailable("podcast_clips", tier.Free))
	assert.Equal(t, 2, c.Limit(tier.Tier2, tier.StyleProfiles))
}

func TestLoadYAMLErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "tiers:\n  - tier: 1\n    colour: red\n"},
		{"bad amount", "tiers:\n  - tier: 1\n    monthly_allotment: 1.234\n"},
		{"duplicate feature", "tiers:\n  - tier: 1\nfeatures:\n  - {name: a, min_tier: 1}\n  - {name: a, min_tier: 1}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tier.LoadYAML(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}
