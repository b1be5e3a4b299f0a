// Package tier holds the static tier catalog: monthly allotments, feature
// costs, the feature availability matrix and countable per-tier limits.
//
// A Catalog is immutable once built and safe for concurrent use. Nothing in
// this package performs I/O beyond LoadYAML reading its input.
package tier

import "fmt"

// Tier is an ordered purchased plan level. Higher tiers satisfy every
// requirement of lower ones.
type Tier int

const (
	Free  Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
	Tier4 Tier = 4
)

// String returns "free" for Free and "tier_N" otherwise.
func (t Tier) String() string {
	if t == Free {
		return "free"
	}
	return fmt.Sprintf("tier_%d", int(t))
}

// Satisfies reports whether t is at least required.
func (t Tier) Satisfies(required Tier) bool { return t >= required }

// Max returns the higher of two tiers.
func Max(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// Feature identifies a gated, possibly credit-consuming action.
type Feature string

const (
	ContentRepurposing    Feature = "content_repurposing"
	TrendingTopics        Feature = "trending_topics"
	TrendContent          Feature = "trend_content"
	ViralHooks            Feature = "viral_hooks"
	Scheduling            Feature = "scheduling"
	SchedulePost          Feature = "schedule_post"
	AnalyticsExport       Feature = "analytics_export"
	AIChat                Feature = "ai_chat"
	PerformancePrediction Feature = "performance_prediction"
	StyleTraining         Feature = "style_training"
	BulkGeneration        Feature = "bulk_generation"
	CompetitorTracking    Feature = "competitor_tracking"
	TeamCollaboration     Feature = "team_collaboration"
	APIAccess             Feature = "api_access"
	WhiteLabel            Feature = "white_label"
)

// LimitKind names a countable entitlement checked against owned resources.
type LimitKind string

const (
	StyleProfiles          LimitKind = "style_profiles"
	TeamSeats              LimitKind = "team_seats"
	ScheduledPostsPerMonth LimitKind = "scheduled_posts_per_month"
	AIChatMessagesPerMonth LimitKind = "ai_chat_messages_per_month"
	APICallsPerMonth       LimitKind = "api_calls_per_month"
)

// Unlimited is the limit value meaning "no cap".
const Unlimited = -1

// RolloverCapPeriods bounds rollover to this many monthly allotments.
const RolloverCapPeriods = 12
