package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Rajchodisetti/trading-brain/internal/storage"
)

// PostgresStore keeps events in the events table; (aggregate_id, version) is unique
type PostgresStore struct {
	db storage.DB
}

func NewPostgresStore(db storage.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e Event) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO events (id, type, aggregate_id, version, payload, trace_id, causation_id, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Type, e.AggregateID, e.Metadata.Version, []byte(e.Payload),
		e.Metadata.TraceID, e.Metadata.CausationID, e.Metadata.Timestamp)
	return storage.ClassifyPG("eventlog", "append", err)
}

func (p *PostgresStore) Stream(ctx context.Context, aggregateID string) ([]Event, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, type, aggregate_id, version, payload, trace_id, causation_id, ts
		 FROM events WHERE aggregate_id = $1 ORDER BY version`, aggregateID)
	if err != nil {
		return nil, storage.ClassifyPG("eventlog", "stream", err)
	}
	return scanEvents(rows)
}

func (p *PostgresStore) LastVersion(ctx context.Context, aggregateID string) (int64, error) {
	var v int64
	err := p.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, aggregateID).Scan(&v)
	if err != nil {
		return 0, storage.ClassifyPG("eventlog", "last_version", err)
	}
	return v, nil
}

func (p *PostgresStore) All(ctx context.Context) ([]Event, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, type, aggregate_id, version, payload, trace_id, causation_id, ts
		 FROM events ORDER BY seq`)
	if err != nil {
		return nil, storage.ClassifyPG("eventlog", "all", err)
	}
	return scanEvents(rows)
}

func (p *PostgresStore) Close() error { return nil }

func scanEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
			ts      time.Time
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.AggregateID, &e.Metadata.Version, &payload,
			&e.Metadata.TraceID, &e.Metadata.CausationID, &ts); err != nil {
			return nil, storage.ClassifyPG("eventlog", "scan", err)
		}
		e.Payload = json.RawMessage(payload)
		e.Metadata.Timestamp = ts.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ClassifyPG("eventlog", "rows", err)
	}
	return out, nil
}
