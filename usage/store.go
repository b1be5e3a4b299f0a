package usage

import (
	"context"
	"time"
)

type Store interface {
	AppendUsage(ctx context.Context, events []*Event) error
	QueryUsage(ctx context.Context, accountID string, opts QueryOpts) ([]*Event, error)
	SummarizeUsage(ctx context.Context, accountID string, since time.Time) ([]Summary, error)
	PurgeUsage(ctx context.Context, before time.Time) (int64, error)
}

type QueryOpts struct {
	Feature string
	Start   time.Time
	End     time.Time
	Limit   int
	Offset  int
}
