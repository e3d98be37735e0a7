package service

import (
	"fmt"

	"github.com/amplifyworks/growth-engine/internal/models"
)

// controlVariantID names the conventional baseline variant used to compute
// winner lift.
const controlVariantID = "control"

// underperformFraction marks variants whose primary rate sits below this
// share of the winner's rate for pruning.
const underperformFraction = 0.7

// Recommendations turns calculator output into guidance: a sample-size gap
// with the exact shortfall, winner adoption with lift over the control, and
// pruning hints for low performers.
func Recommendations(cfg models.ExperimentConfig, res models.ExperimentResults) []models.Recommendation {
	var recs []models.Recommendation

	if !res.HasMinimumSample {
		shortfall := cfg.MinimumSampleSize - res.TotalSamples
		recs = append(recs, models.Recommendation{
			Kind:     models.RecommendationSampleSize,
			Priority: models.PriorityHigh,
			Message: fmt.Sprintf("Need %d more samples to reach the minimum of %d (currently %d).",
				shortfall, cfg.MinimumSampleSize, res.TotalSamples),
		})
	}

	var winner *models.VariantMetrics
	for i := range res.Variants {
		if res.Variants[i].VariantID == res.WinningVariant {
			winner = &res.Variants[i]
			break
		}
	}

	if res.IsComplete && winner != nil {
		baseline := 1.0
		for _, vm := range res.Variants {
			if vm.VariantID == controlVariantID && vm.PrimaryRate > 0 {
				baseline = vm.PrimaryRate
				break
			}
		}
		lift := (winner.PrimaryRate - baseline) / baseline * 100
		recs = append(recs, models.Recommendation{
			Kind:     models.RecommendationWinner,
			Priority: models.PriorityHigh,
			Message: fmt.Sprintf("Variant %q is the winner with a %.1f%% lift; adopt it as the default.",
				winner.VariantID, lift),
		})
	}

	if winner != nil && winner.PrimaryRate > 0 {
		threshold := winner.PrimaryRate * underperformFraction
		for _, vm := range res.Variants {
			if vm.VariantID == winner.VariantID {
				continue
			}
			if vm.PrimaryRate < threshold {
				recs = append(recs, models.Recommendation{
					Kind:     models.RecommendationOptimization,
					Priority: models.PriorityMedium,
					Message: fmt.Sprintf("Variant %q performs at %.1f%% of the winner's rate; consider retiring it.",
						vm.VariantID, safePercent(vm.PrimaryRate, winner.PrimaryRate)),
				})
			}
		}
	}

	return recs
}

func safePercent(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return part / whole * 100
}
