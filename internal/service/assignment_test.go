package service_test

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifyworks/growth-engine/internal/models"
	"github.com/amplifyworks/growth-engine/internal/service"
	"github.com/amplifyworks/growth-engine/internal/store"
)

func TestAssignDistribution(t *testing.T) {
	ctx := context.Background()
	svc := service.New(store.NewMemoryStore(), service.WithRandSource(rand.NewSource(42)))

	cfg, err := svc.CreateExperiment(ctx, validConfig())
	require.NoError(t, err)

	const draws = 10000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		v, err := svc.Assign(ctx, cfg.ID, models.AssignmentContext{})
		require.NoError(t, err)
		require.NotNil(t, v)
		counts[v.ID]++
	}

	// With 50/50 weights each variant should land near half the draws.
	tolerance := float64(draws) * 0.03
	for _, id := range []string{"control", "bold"} {
		diff := math.Abs(float64(counts[id]) - draws/2)
		assert.LessOrEqualf(t, diff, tolerance, "variant %s drawn %d times", id, counts[id])
	}
}

func TestAssignSkewedDistribution(t *testing.T) {
	ctx := context.Background()
	svc := service.New(store.NewMemoryStore(), service.WithRandSource(rand.NewSource(7)))

	cfg := validConfig()
	cfg.Variants[0].Weight = 90
	cfg.Variants[1].Weight = 10
	created, err := svc.CreateExperiment(ctx, cfg)
	require.NoError(t, err)

	const draws = 10000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		v, err := svc.Assign(ctx, created.ID, models.AssignmentContext{})
		require.NoError(t, err)
		require.NotNil(t, v)
		counts[v.ID]++
	}

	assert.InDelta(t, 9000, counts["control"], 300)
	assert.InDelta(t, 1000, counts["bold"], 300)
}

func TestAssignReturnsNilWithoutError(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newService := func(t *testing.T) *service.Service {
		return service.New(store.NewMemoryStore(),
			service.WithRandSource(rand.NewSource(1)),
			service.WithClock(func() time.Time { return now }),
		)
	}

	t.Run("unknown experiment", func(t *testing.T) {
		svc := newService(t)
		v, err := svc.Assign(ctx, "missing", models.AssignmentContext{})
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("inactive experiment", func(t *testing.T) {
		svc := newService(t)
		cfg, err := svc.CreateExperiment(ctx, validConfig())
		require.NoError(t, err)
		_, err = svc.DeactivateExperiment(ctx, cfg.ID, nil)
		require.NoError(t, err)

		v, err := svc.Assign(ctx, cfg.ID, models.AssignmentContext{})
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("not yet started", func(t *testing.T) {
		svc := newService(t)
		cfg := validConfig()
		cfg.StartAt = now.Add(time.Hour)
		created, err := svc.CreateExperiment(ctx, cfg)
		require.NoError(t, err)

		v, err := svc.Assign(ctx, created.ID, models.AssignmentContext{})
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("already ended", func(t *testing.T) {
		svc := newService(t)
		cfg := validConfig()
		cfg.StartAt = now.Add(-48 * time.Hour)
		end := now.Add(-time.Hour)
		cfg.EndAt = &end
		created, err := svc.CreateExperiment(ctx, cfg)
		require.NoError(t, err)

		v, err := svc.Assign(ctx, created.ID, models.AssignmentContext{})
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestAssignTargeting(t *testing.T) {
	tests := []struct {
		name      string
		targeting *models.Targeting
		actx      models.AssignmentContext
		want      bool
	}{
		{
			name: "no targeting admits everything",
			actx: models.AssignmentContext{Segment: "new_users", Channel: "email"},
			want: true,
		},
		{
			name:      "channel in filter",
			targeting: &models.Targeting{Channels: []string{"twitter", "facebook"}},
			actx:      models.AssignmentContext{Channel: "twitter"},
			want:      true,
		},
		{
			name:      "channel outside filter",
			targeting: &models.Targeting{Channels: []string{"twitter", "facebook"}},
			actx:      models.AssignmentContext{Channel: "email"},
			want:      false,
		},
		{
			name:      "absent attribute qualifies",
			targeting: &models.Targeting{Channels: []string{"twitter"}},
			actx:      models.AssignmentContext{Segment: "power_users"},
			want:      true,
		},
		{
			name: "all filters must pass",
			targeting: &models.Targeting{
				Segments: []string{"new_users"},
				Channels: []string{"twitter"},
			},
			actx: models.AssignmentContext{Segment: "new_users", Channel: "email"},
			want: false,
		},
		{
			name:      "segment and content type both match",
			targeting: &models.Targeting{Segments: []string{"new_users"}, ContentTypes: []string{"meme"}},
			actx:      models.AssignmentContext{Segment: "new_users", ContentType: "meme"},
			want:      true,
		},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := service.New(store.NewMemoryStore(), service.WithRandSource(rand.NewSource(3)))
			cfg := validConfig()
			cfg.Targeting = tt.targeting
			created, err := svc.CreateExperiment(ctx, cfg)
			require.NoError(t, err)

			v, err := svc.Assign(ctx, created.ID, tt.actx)
			require.NoError(t, err)
			if tt.want {
				assert.NotNil(t, v)
			} else {
				assert.Nil(t, v)
			}
		})
	}
}
