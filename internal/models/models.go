// package models contains the canonical records used by the growth analytics engine.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MetricKind identifies the funnel metric an experiment optimizes for.
type MetricKind string

const (
	MetricShareRate        MetricKind = "share_rate"
	MetricClickThroughRate MetricKind = "click_through_rate"
	MetricConversionRate   MetricKind = "conversion_rate"
	MetricViralCoefficient MetricKind = "viral_coefficient"
)

// KnownMetricKinds lists every metric the calculator understands.
var KnownMetricKinds = []MetricKind{
	MetricShareRate,
	MetricClickThroughRate,
	MetricConversionRate,
	MetricViralCoefficient,
}

// Valid reports whether the metric is one of the recognized kinds.
func (m MetricKind) Valid() bool {
	for _, k := range KnownMetricKinds {
		if m == k {
			return true
		}
	}
	return false
}

// EventKind is a funnel action reported against an assignment.
type EventKind string

const (
	EventView    EventKind = "view"
	EventClick   EventKind = "click"
	EventShare   EventKind = "share"
	EventConvert EventKind = "convert"
)

// Valid reports whether the event kind is part of the funnel vocabulary.
func (e EventKind) Valid() bool {
	switch e {
	case EventView, EventClick, EventShare, EventConvert:
		return true
	}
	return false
}

// Variant is one candidate treatment inside an experiment. Attributes is an
// opaque presentation bag (style, urgency tier, CTA text, reward flags) that
// the engine stores but never interprets.
type Variant struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Weight     float64         `json:"weight"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// Targeting limits which audience segments, delivery channels, and content
// categories qualify for an experiment. Empty lists impose no constraint.
type Targeting struct {
	Segments     []string `json:"segments,omitempty"`
	Channels     []string `json:"channels,omitempty"`
	ContentTypes []string `json:"contentTypes,omitempty"`
}

// ExperimentConfig is the stored definition of one experiment.
type ExperimentConfig struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Active              bool         `json:"active"`
	StartAt             time.Time    `json:"startAt"`
	EndAt               *time.Time   `json:"endAt,omitempty"`
	Variants            []Variant    `json:"variants"`
	Targeting           *Targeting   `json:"targeting,omitempty"`
	PrimaryMetric       MetricKind   `json:"primaryMetric"`
	SecondaryMetrics    []MetricKind `json:"secondaryMetrics,omitempty"`
	MinimumSampleSize   int64        `json:"minimumSampleSize"`
	ConfidenceThreshold float64      `json:"confidenceThreshold"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// VariantByID returns the variant and true when the id exists in the config.
func (c ExperimentConfig) VariantByID(id string) (Variant, bool) {
	for _, v := range c.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// RunningAt reports whether the experiment accepts assignments at t.
func (c ExperimentConfig) RunningAt(t time.Time) bool {
	if !c.Active {
		return false
	}
	if !c.StartAt.IsZero() && t.Before(c.StartAt) {
		return false
	}
	if c.EndAt != nil && t.After(*c.EndAt) {
		return false
	}
	return true
}

// AssignmentContext carries the optional request attributes the assignment
// engine matches against an experiment's targeting filters.
type AssignmentContext struct {
	SessionID   string `json:"sessionId,omitempty"`
	Segment     string `json:"segment,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// EventRecord is one appended funnel event. Records are immutable once
// written; duplicates are counted, not collapsed.
type EventRecord struct {
	ID        uuid.UUID       `json:"id"`
	TestID    string          `json:"testId"`
	VariantID string          `json:"variantId"`
	Kind      EventKind       `json:"kind"`
	Segment   string          `json:"segment,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ShareRecord is one completed share. A root share has ViralLevel 0 and is
// its own OriginShareID; every descendant carries the chain root's id
// unchanged and a level one greater than its immediate parent.
type ShareRecord struct {
	ID            uuid.UUID `json:"id"`
	SessionID     string    `json:"sessionId,omitempty"`
	Channel       string    `json:"channel"`
	ContentType   string    `json:"contentType"`
	ContentID     string    `json:"contentId"`
	Segment       string    `json:"segment,omitempty"`
	ViralLevel    int       `json:"viralLevel"`
	OriginShareID uuid.UUID `json:"originShareId"`
	TestID        string    `json:"testId,omitempty"`
	VariantID     string    `json:"variantId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// VariantMetrics holds derived per-variant funnel counts and rates.
type VariantMetrics struct {
	VariantID      string                 `json:"variantId"`
	Name           string                 `json:"name"`
	Views          int64                  `json:"views"`
	Clicks         int64                  `json:"clicks"`
	Shares         int64                  `json:"shares"`
	Conversions    int64                  `json:"conversions"`
	PrimaryRate    float64                `json:"primaryRate"`
	SecondaryRates map[MetricKind]float64 `json:"secondaryRates,omitempty"`
}

// ExperimentResults is the full calculator output for one experiment. It is
// always produced; an insufficient sample is a field, not a failure.
type ExperimentResults struct {
	TestID           string           `json:"testId"`
	PrimaryMetric    MetricKind       `json:"primaryMetric"`
	TotalSamples     int64            `json:"totalSamples"`
	HasMinimumSample bool             `json:"hasMinimumSample"`
	Confidence       float64          `json:"confidence"`
	Significant      bool             `json:"significant"`
	WinningVariant   string           `json:"winningVariant,omitempty"`
	IsComplete       bool             `json:"isComplete"`
	Variants         []VariantMetrics `json:"variants"`
	GeneratedAt      time.Time        `json:"generatedAt"`
}

// RecommendationKind classifies generated guidance.
type RecommendationKind string

const (
	RecommendationSampleSize   RecommendationKind = "sample_size"
	RecommendationWinner       RecommendationKind = "winner"
	RecommendationOptimization RecommendationKind = "optimization"
)

// RecommendationPriority orders guidance for callers.
type RecommendationPriority string

const (
	PriorityHigh   RecommendationPriority = "high"
	PriorityMedium RecommendationPriority = "medium"
)

// Recommendation is one piece of human-readable guidance derived from results.
type Recommendation struct {
	Kind     RecommendationKind     `json:"kind"`
	Message  string                 `json:"message"`
	Priority RecommendationPriority `json:"priority"`
}

// ExperimentSummary is the list-view projection of an active experiment.
type ExperimentSummary struct {
	TestID         string  `json:"testId"`
	Name           string  `json:"name"`
	VariantCount   int     `json:"variantCount"`
	SampleSize     int64   `json:"sampleSize"`
	Significant    bool    `json:"significant"`
	WinningVariant string  `json:"winningVariant,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// ContentPerformance ranks one piece of content inside viral analytics.
type ContentPerformance struct {
	ContentID    string  `json:"contentId"`
	ContentType  string  `json:"contentType"`
	Shares       int     `json:"shares"`
	ChannelCount int     `json:"channelCount"`
	ViralRate    float64 `json:"viralRate"`
}

// ViralAnalytics aggregates share records across a filtered time window.
type ViralAnalytics struct {
	Window           string               `json:"window"`
	TotalShares      int                  `json:"totalShares"`
	ViralShares      int                  `json:"viralShares"`
	ViralPenetration float64              `json:"viralPenetration"`
	MaxViralLevel    int                  `json:"maxViralLevel"`
	ViralVelocity    int                  `json:"viralVelocity"`
	EstimatedReach   float64              `json:"estimatedReach"`
	ByChannel        map[string]int       `json:"byChannel"`
	ByContentType    map[string]int       `json:"byContentType"`
	TopContent       []ContentPerformance `json:"topContent"`
	GeneratedAt      time.Time            `json:"generatedAt"`
}

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
