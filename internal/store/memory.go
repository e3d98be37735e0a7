package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amplifyworks/growth-engine/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests. Writes
// are serialized behind a single mutex; reads copy so callers never observe a
// torn view.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]models.ExperimentConfig
	events      map[string][]models.EventRecord
	shares      []models.ShareRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: map[string]models.ExperimentConfig{},
		events:      map[string][]models.EventRecord{},
	}
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) CreateExperiment(ctx context.Context, cfg models.ExperimentConfig) (models.ExperimentConfig, error) {
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	m.mu.Lock()
	defer m.mu.Unlock()
	m.experiments[cfg.ID] = cfg
	return cfg, nil
}

func (m *MemoryStore) GetExperiment(ctx context.Context, testID string) (models.ExperimentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.experiments[testID]
	if !ok {
		return models.ExperimentConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *MemoryStore) ListActiveExperiments(ctx context.Context) ([]models.ExperimentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var configs []models.ExperimentConfig
	for _, cfg := range m.experiments {
		if cfg.Active {
			configs = append(configs, cfg)
		}
	}
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].CreatedAt.Before(configs[j].CreatedAt)
	})
	return configs, nil
}

func (m *MemoryStore) SetExperimentActive(ctx context.Context, testID string, active bool, endAt *time.Time) (models.ExperimentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.experiments[testID]
	if !ok {
		return models.ExperimentConfig{}, ErrNotFound
	}
	cfg.Active = active
	if endAt != nil {
		t := *endAt
		cfg.EndAt = &t
	}
	cfg.UpdatedAt = time.Now().UTC()
	m.experiments[testID] = cfg
	return cfg, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, in EventInput) (models.EventRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	record := models.EventRecord{
		ID:        in.ID,
		TestID:    in.TestID,
		VariantID: in.VariantID,
		Kind:      in.Kind,
		Segment:   in.Segment,
		Channel:   in.Channel,
		Metadata:  copyJSON(in.Metadata, "{}"),
		Timestamp: in.Timestamp,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[record.TestID] = append(m.events[record.TestID], record)
	return record, nil
}

func (m *MemoryStore) CountsFor(ctx context.Context, testID string) (map[string]map[models.EventKind]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[string]map[models.EventKind]int64{}
	for _, record := range m.events[testID] {
		if counts[record.VariantID] == nil {
			counts[record.VariantID] = map[models.EventKind]int64{}
		}
		counts[record.VariantID][record.Kind]++
	}
	return counts, nil
}

func (m *MemoryStore) AppendShare(ctx context.Context, in ShareInput) (models.ShareRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	record := models.ShareRecord{
		ID:            in.ID,
		SessionID:     in.SessionID,
		Channel:       in.Channel,
		ContentType:   in.ContentType,
		ContentID:     in.ContentID,
		Segment:       in.Segment,
		ViralLevel:    in.ViralLevel,
		OriginShareID: in.OriginShareID,
		TestID:        in.TestID,
		VariantID:     in.VariantID,
		Timestamp:     in.Timestamp,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares = append(m.shares, record)
	return record, nil
}

func (m *MemoryStore) ListShares(ctx context.Context, filter ShareFilter) ([]models.ShareRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var shares []models.ShareRecord
	for _, rec := range m.shares {
		if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
			continue
		}
		if filter.Channel != "" && rec.Channel != filter.Channel {
			continue
		}
		if filter.ContentType != "" && rec.ContentType != filter.ContentType {
			continue
		}
		if filter.ContentID != "" && rec.ContentID != filter.ContentID {
			continue
		}
		if filter.TestID != "" && rec.TestID != filter.TestID {
			continue
		}
		shares = append(shares, rec)
	}
	return shares, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
