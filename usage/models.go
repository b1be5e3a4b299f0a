package usage

import (
	"sort"
	"time"

	"github.com/xraph/credit/id"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
)

// FeatureBonus labels events that record a bonus grant. Their cost is
// the granted amount negated.
const FeatureBonus tier.Feature = "bonus"

// Event records one successful charge or bonus grant. Events are
// append-only.
type Event struct {
	ID        id.UsageEventID   `json:"id"`
	AccountID string            `json:"account_id"`
	Feature   tier.Feature      `json:"feature"`
	Quantity  int64             `json:"quantity"`
	Cost      types.Credits     `json:"cost"`
	Tier      tier.Tier         `json:"tier"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Summary aggregates events of one feature.
type Summary struct {
	Feature tier.Feature  `json:"feature"`
	Count   int64         `json:"count"`
	Credits types.Credits `json:"credits"`
}

// Summarize groups events by feature, most credits first.
func Summarize(events []*Event) []Summary {
	byFeature := make(map[tier.Feature]*Summary)
	for _, evt := range events {
		sum, ok := byFeature[evt.Feature]
		if !ok {
			sum = &Summary{Feature: evt.Feature}
			byFeature[evt.Feature] = sum
		}
		sum.Count++
		sum.Credits = sum.Credits.Add(evt.Cost)
	}

	out := make([]Summary, 0, len(byFeature))
	for _, sum := range byFeature {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Credits != out[j].Credits {
			return out[i].Credits > out[j].Credits
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}
