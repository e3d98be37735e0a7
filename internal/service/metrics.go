package service

import (
	"context"

	"github.com/amplifyworks/growth-engine/internal/models"
)

// assumedReachPerShare is the fixed average additional reach attributed to
// each share when deriving the viral coefficient.
const assumedReachPerShare = 1.5

// ConfidenceEstimator scores how certain the observed winner is, on a 0-100
// scale. It is an interface so the production heuristic can later be replaced
// by a proper two-proportion test without touching callers.
type ConfidenceEstimator interface {
	Confidence(totalSamples, minimumSample int64) float64
}

// LinearConfidence is a bounded linear approximation, kept bit-for-bit
// reproducible: 0 below the minimum sample, otherwise
// min(95, 60 + (total/minimum) * 30). It is deliberately not a statistical
// hypothesis test.
type LinearConfidence struct{}

func (LinearConfidence) Confidence(totalSamples, minimumSample int64) float64 {
	if minimumSample <= 0 {
		minimumSample = 1
	}
	if totalSamples < minimumSample {
		return 0
	}
	c := 60 + (float64(totalSamples)/float64(minimumSample))*30
	if c > 95 {
		return 95
	}
	return c
}

// Results derives per-variant rates, confidence, and the winning variant for
// one experiment. It always returns a result object for a known experiment;
// an insufficient sample shows up as HasMinimumSample=false, never an error.
func (s *Service) Results(ctx context.Context, testID string) (models.ExperimentResults, error) {
	cfg, err := s.store.GetExperiment(ctx, testID)
	if err != nil {
		return models.ExperimentResults{}, err
	}
	counts, err := s.store.CountsFor(ctx, testID)
	if err != nil {
		return models.ExperimentResults{}, err
	}

	variants := make([]models.VariantMetrics, 0, len(cfg.Variants))
	var totalSamples int64
	for _, v := range cfg.Variants {
		vm := models.VariantMetrics{VariantID: v.ID, Name: v.Name}
		if byKind := counts[v.ID]; byKind != nil {
			vm.Views = byKind[models.EventView]
			vm.Clicks = byKind[models.EventClick]
			vm.Shares = byKind[models.EventShare]
			vm.Conversions = byKind[models.EventConvert]
		}
		vm.PrimaryRate = rateFor(cfg.PrimaryMetric, vm)
		if len(cfg.SecondaryMetrics) > 0 {
			vm.SecondaryRates = map[models.MetricKind]float64{}
			for _, metric := range cfg.SecondaryMetrics {
				vm.SecondaryRates[metric] = rateFor(metric, vm)
			}
		}
		totalSamples += vm.Views
		variants = append(variants, vm)
	}

	res := models.ExperimentResults{
		TestID:        cfg.ID,
		PrimaryMetric: cfg.PrimaryMetric,
		TotalSamples:  totalSamples,
		Variants:      variants,
		GeneratedAt:   s.now(),
	}
	res.HasMinimumSample = totalSamples >= cfg.MinimumSampleSize
	res.Confidence = s.estimator.Confidence(totalSamples, cfg.MinimumSampleSize)
	res.Significant = res.Confidence >= cfg.ConfidenceThreshold
	res.IsComplete = res.HasMinimumSample && res.Significant

	// Ties break toward the first declared variant.
	if len(variants) > 0 {
		winner := variants[0]
		for _, vm := range variants[1:] {
			if vm.PrimaryRate > winner.PrimaryRate {
				winner = vm
			}
		}
		res.WinningVariant = winner.VariantID
	}
	return res, nil
}

func rateFor(metric models.MetricKind, vm models.VariantMetrics) float64 {
	switch metric {
	case models.MetricShareRate:
		return float64(vm.Shares) / float64(atLeastOne(vm.Views))
	case models.MetricClickThroughRate:
		return float64(vm.Clicks) / float64(atLeastOne(vm.Views))
	case models.MetricConversionRate:
		return float64(vm.Conversions) / float64(atLeastOne(vm.Clicks))
	case models.MetricViralCoefficient:
		return float64(vm.Shares) * assumedReachPerShare / float64(atLeastOne(vm.Views))
	}
	return 0
}

func atLeastOne(n int64) int64 {
	if n < 1 {
		return 1
	}
	return n
}
