package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amplifyworks/growth-engine/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence port shared by the experiment registry, the event
// ledger, and the viral tracker. Event and share appends are all-or-nothing
// per call; records are immutable once written.
type Store interface {
	CreateExperiment(ctx context.Context, cfg models.ExperimentConfig) (models.ExperimentConfig, error)
	GetExperiment(ctx context.Context, testID string) (models.ExperimentConfig, error)
	ListActiveExperiments(ctx context.Context) ([]models.ExperimentConfig, error)
	SetExperimentActive(ctx context.Context, testID string, active bool, endAt *time.Time) (models.ExperimentConfig, error)
	AppendEvent(ctx context.Context, in EventInput) (models.EventRecord, error)
	CountsFor(ctx context.Context, testID string) (map[string]map[models.EventKind]int64, error)
	AppendShare(ctx context.Context, in ShareInput) (models.ShareRecord, error)
	ListShares(ctx context.Context, filter ShareFilter) ([]models.ShareRecord, error)
	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type EventInput struct {
	ID        uuid.UUID
	TestID    string
	VariantID string
	Kind      models.EventKind
	Segment   string
	Channel   string
	Metadata  json.RawMessage
	Timestamp time.Time
}

type ShareInput struct {
	ID            uuid.UUID
	SessionID     string
	Channel       string
	ContentType   string
	ContentID     string
	Segment       string
	ViralLevel    int
	OriginShareID uuid.UUID
	TestID        string
	VariantID     string
	Timestamp     time.Time
}

// ShareFilter narrows share aggregation queries. Zero values impose no
// constraint.
type ShareFilter struct {
	Since       time.Time
	Channel     string
	ContentType string
	ContentID   string
	TestID      string
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExperiment(row rowScanner) (models.ExperimentConfig, error) {
	var (
		cfg        models.ExperimentConfig
		endAt      sql.NullTime
		variants   []byte
		targeting  []byte
		secondary  []byte
		primaryRaw string
	)
	if err := row.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.Active,
		&cfg.StartAt,
		&endAt,
		&variants,
		&targeting,
		&primaryRaw,
		&secondary,
		&cfg.MinimumSampleSize,
		&cfg.ConfidenceThreshold,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	); err != nil {
		return models.ExperimentConfig{}, err
	}
	cfg.PrimaryMetric = models.MetricKind(primaryRaw)
	if endAt.Valid {
		t := endAt.Time
		cfg.EndAt = &t
	}
	if err := json.Unmarshal(variants, &cfg.Variants); err != nil {
		return models.ExperimentConfig{}, fmt.Errorf("decode variants: %w", err)
	}
	if len(targeting) > 0 && string(targeting) != "null" {
		var tg models.Targeting
		if err := json.Unmarshal(targeting, &tg); err != nil {
			return models.ExperimentConfig{}, fmt.Errorf("decode targeting: %w", err)
		}
		cfg.Targeting = &tg
	}
	if len(secondary) > 0 && string(secondary) != "null" {
		if err := json.Unmarshal(secondary, &cfg.SecondaryMetrics); err != nil {
			return models.ExperimentConfig{}, fmt.Errorf("decode secondary metrics: %w", err)
		}
	}
	return cfg, nil
}

const experimentColumns = `id, name, active, start_at, end_at, variants, targeting, primary_metric, secondary_metrics, min_sample_size, confidence_threshold, created_at, updated_at`

func (s *PGStore) CreateExperiment(ctx context.Context, cfg models.ExperimentConfig) (models.ExperimentConfig, error) {
	variants, err := json.Marshal(cfg.Variants)
	if err != nil {
		return models.ExperimentConfig{}, fmt.Errorf("encode variants: %w", err)
	}
	var targeting interface{}
	if cfg.Targeting != nil {
		b, err := json.Marshal(cfg.Targeting)
		if err != nil {
			return models.ExperimentConfig{}, fmt.Errorf("encode targeting: %w", err)
		}
		targeting = b
	}
	secondary, err := json.Marshal(cfg.SecondaryMetrics)
	if err != nil {
		return models.ExperimentConfig{}, fmt.Errorf("encode secondary metrics: %w", err)
	}
	query := `
		INSERT INTO experiments (id, name, active, start_at, end_at, variants, targeting, primary_metric, secondary_metrics, min_sample_size, confidence_threshold)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING ` + experimentColumns + `
	`
	row := s.db.QueryRowContext(ctx, query,
		cfg.ID, cfg.Name, cfg.Active, cfg.StartAt, cfg.EndAt,
		variants, targeting, string(cfg.PrimaryMetric), secondary,
		cfg.MinimumSampleSize, cfg.ConfidenceThreshold,
	)
	created, err := scanExperiment(row)
	if err != nil {
		return models.ExperimentConfig{}, fmt.Errorf("insert experiment: %w", err)
	}
	return created, nil
}

func (s *PGStore) GetExperiment(ctx context.Context, testID string) (models.ExperimentConfig, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE id=$1`
	cfg, err := scanExperiment(s.db.QueryRowContext(ctx, query, testID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ExperimentConfig{}, ErrNotFound
		}
		return models.ExperimentConfig{}, fmt.Errorf("get experiment: %w", err)
	}
	return cfg, nil
}

func (s *PGStore) ListActiveExperiments(ctx context.Context) ([]models.ExperimentConfig, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE active=true ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var configs []models.ExperimentConfig
	for rows.Next() {
		cfg, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiments: %w", err)
	}
	return configs, nil
}

func (s *PGStore) SetExperimentActive(ctx context.Context, testID string, active bool, endAt *time.Time) (models.ExperimentConfig, error) {
	query := `
		UPDATE experiments
		SET active=$2, end_at=COALESCE($3, end_at), updated_at=NOW()
		WHERE id=$1
		RETURNING ` + experimentColumns + `
	`
	cfg, err := scanExperiment(s.db.QueryRowContext(ctx, query, testID, active, endAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ExperimentConfig{}, ErrNotFound
		}
		return models.ExperimentConfig{}, fmt.Errorf("update experiment: %w", err)
	}
	return cfg, nil
}

// AppendEvent inserts the funnel event row and its outbox envelope in one
// transaction so a failed call leaves no partial state behind.
func (s *PGStore) AppendEvent(ctx context.Context, in EventInput) (models.EventRecord, error) {
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
		Metadata:  ensureJSON(in.Metadata, "{}"),
		Timestamp: in.Timestamp,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.EventRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const insertEvent = `
		INSERT INTO event_records (id, test_id, variant_id, kind, segment, channel, metadata, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	if _, err := tx.ExecContext(ctx, insertEvent,
		record.ID, record.TestID, record.VariantID, string(record.Kind),
		record.Segment, record.Channel, []byte(record.Metadata), record.Timestamp,
	); err != nil {
		return models.EventRecord{}, fmt.Errorf("insert event: %w", err)
	}
	if err := insertOutbox(ctx, tx, record.ID.String(), "funnel.event", record, record.Timestamp); err != nil {
		return models.EventRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.EventRecord{}, fmt.Errorf("commit event: %w", err)
	}
	return record, nil
}

func (s *PGStore) CountsFor(ctx context.Context, testID string) (map[string]map[models.EventKind]int64, error) {
	const query = `
		SELECT variant_id, kind, COUNT(*)
		FROM event_records
		WHERE test_id=$1
		GROUP BY variant_id, kind
	`
	rows, err := s.db.QueryContext(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := map[string]map[models.EventKind]int64{}
	for rows.Next() {
		var (
			variantID string
			kind      string
			count     int64
		)
		if err := rows.Scan(&variantID, &kind, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		if counts[variantID] == nil {
			counts[variantID] = map[models.EventKind]int64{}
		}
		counts[variantID][models.EventKind(kind)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// AppendShare inserts the share row and its outbox envelope in one
// transaction.
func (s *PGStore) AppendShare(ctx context.Context, in ShareInput) (models.ShareRecord, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ShareRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const insertShare = `
		INSERT INTO share_records (id, session_id, channel, content_type, content_id, segment, viral_level, origin_share_id, test_id, variant_id, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	if _, err := tx.ExecContext(ctx, insertShare,
		record.ID, record.SessionID, record.Channel, record.ContentType, record.ContentID,
		record.Segment, record.ViralLevel, record.OriginShareID, record.TestID, record.VariantID,
		record.Timestamp,
	); err != nil {
		return models.ShareRecord{}, fmt.Errorf("insert share: %w", err)
	}
	if err := insertOutbox(ctx, tx, record.ID.String(), "viral.share", record, record.Timestamp); err != nil {
		return models.ShareRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.ShareRecord{}, fmt.Errorf("commit share: %w", err)
	}
	return record, nil
}

func (s *PGStore) ListShares(ctx context.Context, filter ShareFilter) ([]models.ShareRecord, error) {
	query := `
		SELECT id, session_id, channel, content_type, content_id, segment, viral_level, origin_share_id, test_id, variant_id, ts
		FROM share_records
		WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND ts >= $%d", argPos)
		args = append(args, filter.Since)
		argPos++
	}
	if filter.Channel != "" {
		query += fmt.Sprintf(" AND channel = $%d", argPos)
		args = append(args, filter.Channel)
		argPos++
	}
	if filter.ContentType != "" {
		query += fmt.Sprintf(" AND content_type = $%d", argPos)
		args = append(args, filter.ContentType)
		argPos++
	}
	if filter.ContentID != "" {
		query += fmt.Sprintf(" AND content_id = $%d", argPos)
		args = append(args, filter.ContentID)
		argPos++
	}
	if filter.TestID != "" {
		query += fmt.Sprintf(" AND test_id = $%d", argPos)
		args = append(args, filter.TestID)
		argPos++
	}
	query += " ORDER BY ts"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var shares []models.ShareRecord
	for rows.Next() {
		var rec models.ShareRecord
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.Channel, &rec.ContentType, &rec.ContentID,
			&rec.Segment, &rec.ViralLevel, &rec.OriginShareID, &rec.TestID, &rec.VariantID,
			&rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		shares = append(shares, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shares: %w", err)
	}
	return shares, nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, recordID, eventType string, payload interface{}, ts time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	const query = `
		INSERT INTO analytics_outbox (id, event_type, payload, ts, stream_status)
		VALUES ($1,$2,$3,$4,'pending')
	`
	if _, err := tx.ExecContext(ctx, query, recordID, eventType, body, ts); err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
