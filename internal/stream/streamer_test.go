package stream

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// fakeQueue records MarkResult calls for assertions.
type fakeQueue struct {
	envelopes []Envelope
	fetchErr  error

	markedID  string
	markedKey string
	markedOK  bool
	failure   string
}

func (f *fakeQueue) FetchPending(ctx context.Context, limit int) ([]Envelope, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := f.envelopes
	f.envelopes = nil
	return out, nil
}

func (f *fakeQueue) MarkResult(ctx context.Context, id, archivedKey string, ok bool, failure string) error {
	f.markedID = id
	f.markedKey = archivedKey
	f.markedOK = ok
	f.failure = failure
	return nil
}

type fakeProducer struct {
	produceFunc func(ctx context.Context, key, value []byte) (time.Time, error)
}

func (f *fakeProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	if f.produceFunc != nil {
		return f.produceFunc(ctx, key, value)
	}
	return time.Now().UTC(), nil
}

func (f *fakeProducer) Close() error { return nil }

type fakeArchiver struct {
	archiveFunc func(ctx context.Context, env Envelope) (string, error)
}

func (f *fakeArchiver) Archive(ctx context.Context, env Envelope) (string, error) {
	if f.archiveFunc != nil {
		return f.archiveFunc(ctx, env)
	}
	return "archive/key.json", nil
}

func sampleEnvelope() Envelope {
	return Envelope{
		ID:        "env-1",
		EventType: "funnel.event",
		Payload:   json.RawMessage(`{"testId":"exp-1","kind":"view"}`),
		TS:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestProcessEnvelopeSuccess(t *testing.T) {
	queue := &fakeQueue{}
	var producedValue []byte
	prod := &fakeProducer{
		produceFunc: func(ctx context.Context, key, value []byte) (time.Time, error) {
			producedValue = value
			return time.Now().UTC(), nil
		},
	}
	arch := &fakeArchiver{}

	streamer := NewStreamer(queue, prod, arch, StreamerConfig{})
	if err := streamer.processEnvelope(context.Background(), sampleEnvelope()); err != nil {
		t.Fatalf("processEnvelope error: %v", err)
	}

	if queue.markedID != "env-1" || !queue.markedOK {
		t.Fatalf("expected env-1 marked ok, got id=%q ok=%v", queue.markedID, queue.markedOK)
	}
	if queue.markedKey != "archive/key.json" {
		t.Fatalf("unexpected archived key %q", queue.markedKey)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(producedValue, &decoded); err != nil {
		t.Fatalf("produced value is not JSON: %v", err)
	}
	if decoded["eventType"] != "funnel.event" {
		t.Fatalf("unexpected eventType %v", decoded["eventType"])
	}
}

func TestProcessEnvelopeProducerFailureRequeues(t *testing.T) {
	queue := &fakeQueue{}
	prod := &fakeProducer{
		produceFunc: func(ctx context.Context, key, value []byte) (time.Time, error) {
			return time.Time{}, errors.New("broker unavailable")
		},
	}

	streamer := NewStreamer(queue, prod, nil, StreamerConfig{})
	if err := streamer.processEnvelope(context.Background(), sampleEnvelope()); err == nil {
		t.Fatalf("expected error from failing producer")
	}

	if queue.markedOK {
		t.Fatalf("failed envelope must not be marked streamed")
	}
	if queue.failure == "" {
		t.Fatalf("expected a recorded failure reason")
	}
}

func TestProcessEnvelopeArchiverFailureRequeues(t *testing.T) {
	queue := &fakeQueue{}
	arch := &fakeArchiver{
		archiveFunc: func(ctx context.Context, env Envelope) (string, error) {
			return "", errors.New("bucket missing")
		},
	}

	streamer := NewStreamer(queue, &fakeProducer{}, arch, StreamerConfig{})
	if err := streamer.processEnvelope(context.Background(), sampleEnvelope()); err == nil {
		t.Fatalf("expected error from failing archiver")
	}
	if queue.markedOK {
		t.Fatalf("failed envelope must not be marked streamed")
	}
}

func TestProcessEnvelopeWithoutArchiver(t *testing.T) {
	queue := &fakeQueue{}
	streamer := NewStreamer(queue, &fakeProducer{}, nil, StreamerConfig{})

	if err := streamer.processEnvelope(context.Background(), sampleEnvelope()); err != nil {
		t.Fatalf("processEnvelope error: %v", err)
	}
	if !queue.markedOK {
		t.Fatalf("envelope should be marked streamed")
	}
	if queue.markedKey != "" {
		t.Fatalf("no archiver should mean no archived key, got %q", queue.markedKey)
	}
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	env := sampleEnvelope()
	first, err := env.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes error: %v", err)
	}
	second, err := env.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes error: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("canonical bytes differ between calls:\n%s\n%s", first, second)
	}
}

func TestPGQueueFetchPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE analytics_outbox")).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "payload", "ts", "attempts"}).
			AddRow("env-1", "funnel.event", []byte(`{"kind":"view"}`), ts, 1))
	mock.ExpectCommit()

	queue := NewPGQueue(db)
	envelopes, err := queue.FetchPending(context.Background(), 5)
	if err != nil {
		t.Fatalf("FetchPending error: %v", err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envelopes))
	}
	if envelopes[0].ID != "env-1" || envelopes[0].Attempts != 1 {
		t.Fatalf("unexpected envelope %+v", envelopes[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGQueueMarkResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE\\s+analytics_outbox").
		WithArgs("env-1", "streamed", "archive/key.json", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	queue := NewPGQueue(db)
	if err := queue.MarkResult(context.Background(), "env-1", "archive/key.json", true, ""); err != nil {
		t.Fatalf("MarkResult error: %v", err)
	}

	// Failure path flips the row back to pending.
	mock.ExpectExec("UPDATE\\s+analytics_outbox").
		WithArgs("env-2", "pending", "", "kafka produce: broker unavailable").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queue.MarkResult(context.Background(), "env-2", "", false, "kafka produce: broker unavailable"); err != nil {
		t.Fatalf("MarkResult error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGQueueMarkResultMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE\\s+analytics_outbox").
		WithArgs("ghost", "streamed", "", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	queue := NewPGQueue(db)
	if err := queue.MarkResult(context.Background(), "ghost", "", true, ""); err == nil {
		t.Fatalf("expected error for missing outbox row")
	}
}
