package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifyworks/growth-engine/internal/models"
	"github.com/amplifyworks/growth-engine/internal/store"
)

func TestMemoryStoreExperiments(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()

	cfg := models.ExperimentConfig{
		ID:     "exp-1",
		Name:   "Headline test",
		Active: true,
		Variants: []models.Variant{
			{ID: "control", Weight: 50},
			{ID: "bold", Weight: 50},
		},
		PrimaryMetric: models.MetricShareRate,
	}
	created, err := mem.CreateExperiment(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := mem.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "Headline test", got.Name)

	_, err = mem.GetExperiment(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	updated, err := mem.SetExperimentActive(ctx, "exp-1", false, &end)
	require.NoError(t, err)
	assert.False(t, updated.Active)
	require.NotNil(t, updated.EndAt)
	assert.Equal(t, end, *updated.EndAt)

	active, err := mem.ListActiveExperiments(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = mem.SetExperimentActive(ctx, "missing", false, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStoreEventCounts(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()

	record := func(variantID string, kind models.EventKind) {
		t.Helper()
		_, err := mem.AppendEvent(ctx, store.EventInput{
			TestID:    "exp-1",
			VariantID: variantID,
			Kind:      kind,
		})
		require.NoError(t, err)
	}

	record("control", models.EventView)
	record("control", models.EventView)
	record("control", models.EventClick)
	record("bold", models.EventView)

	counts, err := mem.CountsFor(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["control"][models.EventView])
	assert.Equal(t, int64(1), counts["control"][models.EventClick])
	assert.Equal(t, int64(1), counts["bold"][models.EventView])

	empty, err := mem.CountsFor(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStoreAppendEventDefaults(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()

	rec, err := mem.AppendEvent(ctx, store.EventInput{
		TestID:    "exp-1",
		VariantID: "control",
		Kind:      models.EventView,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
	assert.JSONEq(t, "{}", string(rec.Metadata))
}

func TestMemoryStoreListShares(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	appendShare := func(channel, contentType, contentID, testID string, ts time.Time) {
		t.Helper()
		_, err := mem.AppendShare(ctx, store.ShareInput{
			Channel:     channel,
			ContentType: contentType,
			ContentID:   contentID,
			TestID:      testID,
			Timestamp:   ts,
		})
		require.NoError(t, err)
	}

	appendShare("twitter", "meme", "post-1", "exp-1", base)
	appendShare("email", "article", "post-2", "", base.Add(-2*time.Hour))
	appendShare("twitter", "meme", "post-1", "", base.Add(-30*time.Hour))

	all, err := mem.ListShares(ctx, store.ShareFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	recent, err := mem.ListShares(ctx, store.ShareFilter{Since: base.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	twitter, err := mem.ListShares(ctx, store.ShareFilter{Channel: "twitter"})
	require.NoError(t, err)
	assert.Len(t, twitter, 2)

	tagged, err := mem.ListShares(ctx, store.ShareFilter{TestID: "exp-1"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "post-1", tagged[0].ContentID)
}
