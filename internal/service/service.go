package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/amplifyworks/growth-engine/internal/models"
	"github.com/amplifyworks/growth-engine/internal/store"
)

var ErrInvalidEventKind = errors.New("invalid event kind")

// ValidationError aggregates every rule an experiment config violated, so a
// caller sees the full list rather than the first failure.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid experiment config: " + strings.Join(e.Violations, "; ")
}

// Service implements the experiment registry, the variant assignment engine,
// the event ledger, and the metrics calculator over an injected store.
type Service struct {
	store     store.Store
	estimator ConfidenceEstimator
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Service)

// WithRandSource injects the random source used for assignment draws. Tests
// use a seeded source to make distribution checks reproducible.
func WithRandSource(src rand.Source) Option {
	return func(s *Service) { s.rng = rand.New(src) }
}

// WithConfidenceEstimator swaps the confidence heuristic.
func WithConfidenceEstimator(est ConfidenceEstimator) Option {
	return func(s *Service) { s.estimator = est }
}

// WithClock injects the time source used for assignment windows and result
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		estimator: LinearConfidence{},
		now:       func() time.Time { return time.Now().UTC() },
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const weightSumTolerance = 1.0

// CreateExperiment validates the config and appends it to the registry. All
// violated rules are reported together; no partial creation happens.
func (s *Service) CreateExperiment(ctx context.Context, cfg models.ExperimentConfig) (models.ExperimentConfig, error) {
	var violations []string
	if utf8.RuneCountInString(cfg.Name) < 3 {
		violations = append(violations, "name must be at least 3 characters")
	}
	if len(cfg.Variants) < 2 {
		violations = append(violations, "at least 2 variants required")
	}
	var weightSum float64
	seen := map[string]bool{}
	for _, v := range cfg.Variants {
		weightSum += v.Weight
		if seen[v.ID] {
			violations = append(violations, fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = true
	}
	if len(cfg.Variants) > 0 && math.Abs(weightSum-100) > weightSumTolerance {
		violations = append(violations, fmt.Sprintf("variant weights sum to %.2f, expected 100", weightSum))
	}
	if !cfg.PrimaryMetric.Valid() {
		violations = append(violations, fmt.Sprintf("unrecognized primary metric %q", cfg.PrimaryMetric))
	}
	if len(violations) > 0 {
		return models.ExperimentConfig{}, &ValidationError{Violations: violations}
	}

	if cfg.ID == "" {
		cfg.ID = models.NewUUID()
	}
	if cfg.StartAt.IsZero() {
		cfg.StartAt = s.now()
	}
	return s.store.CreateExperiment(ctx, cfg)
}

func (s *Service) GetExperiment(ctx context.Context, testID string) (models.ExperimentConfig, error) {
	return s.store.GetExperiment(ctx, testID)
}

// DeactivateExperiment is the only mutation allowed on a stored config:
// clearing the active flag and optionally stamping the end date.
func (s *Service) DeactivateExperiment(ctx context.Context, testID string, endAt *time.Time) (models.ExperimentConfig, error) {
	return s.store.SetExperimentActive(ctx, testID, false, endAt)
}

// EventMeta carries the optional attributes reported with a funnel event.
type EventMeta struct {
	Segment  string
	Channel  string
	Metadata json.RawMessage
}

// RecordEvent appends one funnel event. Reporting the same logical event
// twice yields two counted records; duplicate impressions are real, so the
// ledger never deduplicates.
func (s *Service) RecordEvent(ctx context.Context, testID, variantID string, kind models.EventKind, meta EventMeta) (models.EventRecord, error) {
	if !kind.Valid() {
		return models.EventRecord{}, fmt.Errorf("%w: %q", ErrInvalidEventKind, kind)
	}
	cfg, err := s.store.GetExperiment(ctx, testID)
	if err != nil {
		return models.EventRecord{}, err
	}
	if _, ok := cfg.VariantByID(variantID); !ok {
		return models.EventRecord{}, fmt.Errorf("variant %q: %w", variantID, store.ErrNotFound)
	}
	return s.store.AppendEvent(ctx, store.EventInput{
		TestID:    testID,
		VariantID: variantID,
		Kind:      kind,
		Segment:   meta.Segment,
		Channel:   meta.Channel,
		Metadata:  meta.Metadata,
		Timestamp: s.now(),
	})
}

// ListActiveSummaries projects every active experiment into its list view,
// including current sample size and winner.
func (s *Service) ListActiveSummaries(ctx context.Context) ([]models.ExperimentSummary, error) {
	configs, err := s.store.ListActiveExperiments(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]models.ExperimentSummary, 0, len(configs))
	for _, cfg := range configs {
		res, err := s.Results(ctx, cfg.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, models.ExperimentSummary{
			TestID:         cfg.ID,
			Name:           cfg.Name,
			VariantCount:   len(cfg.Variants),
			SampleSize:     res.TotalSamples,
			Significant:    res.Significant,
			WinningVariant: res.WinningVariant,
			Confidence:     res.Confidence,
		})
	}
	return summaries, nil
}
