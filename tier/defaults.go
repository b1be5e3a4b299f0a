package tier

import "github.com/xraph/credit/types"

// DefaultDefinitions are the four product tiers.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Tier: Free, Name: "Free", MonthlyAllotment: types.Whole(100)},
		{Tier: Tier2, Name: "Tier 2", MonthlyAllotment: types.Whole(300), Limits: map[LimitKind]int{
			ScheduledPostsPerMonth: 30,
		}},
		{Tier: Tier3, Name: "Tier 3", MonthlyAllotment: types.Whole(750), Limits: map[LimitKind]int{
			StyleProfiles:          1,
			ScheduledPostsPerMonth: 100,
			AIChatMessagesPerMonth: 200,
		}},
		{Tier: Tier4, Name: "Tier 4", MonthlyAllotment: types.Whole(2000), Limits: map[LimitKind]int{
			StyleProfiles:          3,
			TeamSeats:              3,
			ScheduledPostsPerMonth: Unlimited,
			AIChatMessagesPerMonth: Unlimited,
			APICallsPerMonth:       2500,
		}},
	}
}

// DefaultAvailability maps each feature to the lowest tier that unlocks it.
func DefaultAvailability() map[Feature]Tier {
	return map[Feature]Tier{
		ContentRepurposing: Free,
		TrendingTopics:     Free,
		TrendContent:       Free,

		ViralHooks:      Tier2,
		Scheduling:      Tier2,
		SchedulePost:    Tier2,
		AnalyticsExport: Tier2,

		AIChat:                Tier3,
		PerformancePrediction: Tier3,
		StyleTraining:         Tier3,
		BulkGeneration:        Tier3,
		CompetitorTracking:    Tier3,

		TeamCollaboration: Tier4,
		APIAccess:         Tier4,
		WhiteLabel:        Tier4,
	}
}

// DefaultCosts is the per-use price list.
func DefaultCosts() map[Feature]Cost {
	return map[Feature]Cost{
		ContentRepurposing:    {Base: types.Whole(1)},
		TrendContent:          {Base: types.Whole(1)},
		ViralHooks:            {Base: types.Whole(2)},
		SchedulePost:          {Base: types.Credits(50)},
		PerformancePrediction: {Base: types.Whole(1)},
		StyleTraining:         {Base: types.Whole(5)},
		CompetitorTracking:    {Base: types.Whole(1)},
		AIChat:                {Base: types.Credits(50), Multipliers: map[Tier]int64{Tier4: 6000}},
		BulkGeneration:        {Base: types.Whole(1), Multipliers: map[Tier]int64{Tier3: 9000, Tier4: 8000}},
	}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(DefaultDefinitions(), DefaultCosts(), DefaultAvailability())
	if err != nil {
		panic(err)
	}
	return c
}
