package viral

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/amplifyworks/growth-engine/internal/models"
	"github.com/amplifyworks/growth-engine/internal/store"
)

// chainGrowthFactor is the assumed audience multiplier applied per viral hop
// when estimating reach.
const chainGrowthFactor = 1.5

// platformReach maps a delivery channel to its assumed audience size per
// share. Channels outside the table fall back to defaultPlatformReach.
var platformReach = map[string]float64{
	"twitter":   120,
	"facebook":  80,
	"instagram": 90,
	"linkedin":  45,
	"whatsapp":  25,
	"telegram":  30,
	"email":     4,
	"sms":       2,
}

const defaultPlatformReach = 10

// Filters narrows an analytics query. Zero values impose no constraint.
type Filters struct {
	Channel     string
	ContentType string
	ContentID   string
	TestID      string
}

// windowDuration resolves a window preset. Unrecognized values fall back to
// 24h.
func windowDuration(window string) (time.Duration, string) {
	switch window {
	case "1h":
		return time.Hour, "1h"
	case "24h":
		return 24 * time.Hour, "24h"
	case "7d":
		return 7 * 24 * time.Hour, "7d"
	case "30d":
		return 30 * 24 * time.Hour, "30d"
	}
	return 24 * time.Hour, "24h"
}

// Analytics aggregates share records inside the filtered window: totals,
// penetration, velocity, estimated reach, per-channel and per-content-type
// distributions, and ranked content. One clock read covers the whole pass so
// window boundaries stay consistent across records.
func (t *Tracker) Analytics(ctx context.Context, f Filters, window string) (models.ViralAnalytics, error) {
	now := t.now()
	dur, label := windowDuration(window)

	shares, err := t.store.ListShares(ctx, store.ShareFilter{
		Since:       now.Add(-dur),
		Channel:     f.Channel,
		ContentType: f.ContentType,
		ContentID:   f.ContentID,
		TestID:      f.TestID,
	})
	if err != nil {
		return models.ViralAnalytics{}, err
	}

	analytics := models.ViralAnalytics{
		Window:        label,
		TotalShares:   len(shares),
		ByChannel:     map[string]int{},
		ByContentType: map[string]int{},
		GeneratedAt:   now,
	}

	type contentAgg struct {
		contentType string
		shares      int
		viral       int
		channels    map[string]struct{}
	}
	content := map[string]*contentAgg{}
	velocityCutoff := now.Add(-time.Hour)

	for _, rec := range shares {
		if rec.ViralLevel > 0 {
			analytics.ViralShares++
		}
		if rec.ViralLevel > analytics.MaxViralLevel {
			analytics.MaxViralLevel = rec.ViralLevel
		}
		if !rec.Timestamp.Before(velocityCutoff) {
			analytics.ViralVelocity++
		}
		analytics.EstimatedReach += reachFor(rec.Channel) * math.Pow(chainGrowthFactor, float64(rec.ViralLevel))
		analytics.ByChannel[rec.Channel]++
		analytics.ByContentType[rec.ContentType]++

		agg := content[rec.ContentID]
		if agg == nil {
			agg = &contentAgg{contentType: rec.ContentType, channels: map[string]struct{}{}}
			content[rec.ContentID] = agg
		}
		agg.shares++
		if rec.ViralLevel > 0 {
			agg.viral++
		}
		agg.channels[rec.Channel] = struct{}{}
	}

	if analytics.TotalShares > 0 {
		analytics.ViralPenetration = float64(analytics.ViralShares) / float64(analytics.TotalShares) * 100
	}

	ranked := make([]models.ContentPerformance, 0, len(content))
	for contentID, agg := range content {
		perf := models.ContentPerformance{
			ContentID:    contentID,
			ContentType:  agg.contentType,
			Shares:       agg.shares,
			ChannelCount: len(agg.channels),
		}
		if agg.shares > 0 {
			perf.ViralRate = float64(agg.viral) / float64(agg.shares)
		}
		ranked = append(ranked, perf)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Shares != ranked[j].Shares {
			return ranked[i].Shares > ranked[j].Shares
		}
		return ranked[i].ContentID < ranked[j].ContentID
	})
	if len(ranked) > t.topN {
		ranked = ranked[:t.topN]
	}
	analytics.TopContent = ranked

	return analytics, nil
}

func reachFor(channel string) float64 {
	if mult, ok := platformReach[channel]; ok {
		return mult
	}
	return defaultPlatformReach
}
