// package viral tracks recursive share-chains and aggregates reach, velocity,
// and penetration across filtered time windows.
package viral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amplifyworks/growth-engine/internal/models"
	"github.com/amplifyworks/growth-engine/internal/store"
)

const defaultTopContentLimit = 10

// Tracker owns the append-only share collection. It is independent of the
// experiment registry; share records may carry experiment tags but never
// require them.
type Tracker struct {
	store store.Store
	topN  int
	now   func() time.Time
}

type Option func(*Tracker)

// WithClock injects the time source used for record timestamps and window
// filtering.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTopContentLimit bounds the ranked content list in analytics output.
func WithTopContentLimit(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.topN = n
		}
	}
}

func NewTracker(st store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store: st,
		topN:  defaultTopContentLimit,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordShareInput describes one completed share. OriginShareID and
// PriorViralLevel link a derived share to its chain; both absent means a new
// root.
type RecordShareInput struct {
	SessionID       string
	Channel         string
	ContentType     string
	ContentID       string
	Segment         string
	OriginShareID   *uuid.UUID
	PriorViralLevel int
	TestID          string
	VariantID       string
}

// RecordShare appends one share record. A derived share's viral level is its
// parent's level plus one, and the origin id is copied unchanged down the
// whole chain; a root share becomes its own origin at level 0.
func (t *Tracker) RecordShare(ctx context.Context, in RecordShareInput) (models.ShareRecord, error) {
	if in.Channel == "" || in.ContentID == "" {
		return models.ShareRecord{}, fmt.Errorf("channel and contentId required")
	}
	id := uuid.New()
	level := 0
	origin := id
	if in.OriginShareID != nil && *in.OriginShareID != id {
		level = in.PriorViralLevel + 1
		origin = *in.OriginShareID
	}
	return t.store.AppendShare(ctx, store.ShareInput{
		ID:            id,
		SessionID:     in.SessionID,
		Channel:       in.Channel,
		ContentType:   in.ContentType,
		ContentID:     in.ContentID,
		Segment:       in.Segment,
		ViralLevel:    level,
		OriginShareID: origin,
		TestID:        in.TestID,
		VariantID:     in.VariantID,
		Timestamp:     t.now(),
	})
}
