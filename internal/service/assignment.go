package service

import (
	"context"
	"errors"

	"github.com/amplifyworks/growth-engine/internal/models"
	"github.com/amplifyworks/growth-engine/internal/store"
)

// Assign picks one eligible variant for the request context by weighted
// random choice. It returns nil (with no error) when the experiment is
// unknown, not running, or the context is excluded by a targeting filter;
// "no assignment" is a result, not a failure.
//
// Each call draws independently. The engine records nothing; reporting the
// resulting exposure is the caller's job via RecordEvent.
func (s *Service) Assign(ctx context.Context, testID string, actx models.AssignmentContext) (*models.Variant, error) {
	cfg, err := s.store.GetExperiment(ctx, testID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !cfg.RunningAt(s.now()) {
		return nil, nil
	}
	if !contextQualifies(cfg.Targeting, actx) {
		return nil, nil
	}

	var total float64
	for _, v := range cfg.Variants {
		total += v.Weight
	}
	if total <= 0 {
		v := cfg.Variants[0]
		return &v, nil
	}

	remaining := s.draw() * total
	for _, v := range cfg.Variants {
		remaining -= v.Weight
		if remaining <= 0 {
			picked := v
			return &picked, nil
		}
	}
	// Floating-point drift can leave a sliver of remainder; fall back to the
	// first declared variant deterministically.
	v := cfg.Variants[0]
	return &v, nil
}

func (s *Service) draw() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// contextQualifies applies the experiment's targeting filters. A context
// attribute only disqualifies when it is present and the filter list is
// non-empty but does not contain it; absent attributes always qualify.
func contextQualifies(t *models.Targeting, actx models.AssignmentContext) bool {
	if t == nil {
		return true
	}
	if !valueAllowed(t.Segments, actx.Segment) {
		return false
	}
	if !valueAllowed(t.Channels, actx.Channel) {
		return false
	}
	if !valueAllowed(t.ContentTypes, actx.ContentType) {
		return false
	}
	return true
}

func valueAllowed(filter []string, value string) bool {
	if len(filter) == 0 || value == "" {
		return true
	}
	for _, allowed := range filter {
		if allowed == value {
			return true
		}
	}
	return false
}
