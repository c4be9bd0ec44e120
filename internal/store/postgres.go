package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/errs"
)

// schemaDDL creates the single scene_kv table from spec §6 if it does not
// already exist.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS scene_kv (
	id TEXT PRIMARY KEY,
	value JSONB NOT NULL
);
`

// row mirrors what is actually persisted in the value JSONB column: the
// full SceneRecord, so tenantID/createdAt/producedBy survive a round trip
// without extra columns.
type row struct {
	SceneID    string          `json:"sceneID"`
	TenantID   string          `json:"tenantID"`
	Scene      json.RawMessage `json:"scene"`
	CreatedAt  time.Time       `json:"createdAt"`
	ProducedBy string          `json:"producedBy"`
}

func toRow(rec domain.SceneRecord) row {
	return row{
		SceneID: rec.SceneID, TenantID: rec.TenantID, Scene: rec.Scene,
		CreatedAt: rec.CreatedAt, ProducedBy: rec.ProducedBy,
	}
}

func (r row) toRecord() domain.SceneRecord {
	return domain.SceneRecord{
		SceneID: r.SceneID, TenantID: r.TenantID, Scene: r.Scene,
		CreatedAt: r.CreatedAt, ProducedBy: r.ProducedBy,
	}
}

// PostgresStore implements Store against a single scene_kv(id, value)
// table, inserting with ON CONFLICT DO NOTHING so Put is idempotent on
// sceneID (a second Put leaves the first record unchanged) per spec
// §4.2. Grounded on the teacher's pgx/v5 pool pattern in
// internal/storage/postgres.go.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, pings it, and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.Fatal, err, "postgres: ping")
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.Fatal, err, "postgres: ensure schema")
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, sceneID string) (*domain.SceneRecord, error) {
	var rec *domain.SceneRecord
	err := withRetry(ctx, func() error {
		var data []byte
		err := p.pool.QueryRow(ctx, `SELECT value FROM scene_kv WHERE id = $1`, sceneID).Scan(&data)
		if err == pgx.ErrNoRows {
			rec = nil
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.Transient, err, "postgres: get")
		}
		var r row
		if err := json.Unmarshal(data, &r); err != nil {
			return errs.Wrap(errs.InvalidRequest, err, "postgres: decode row")
		}
		out := r.toRecord()
		rec = &out
		return nil
	})
	return rec, err
}

func (p *PostgresStore) Put(ctx context.Context, record domain.SceneRecord) error {
	data, err := json.Marshal(toRow(record))
	if err != nil {
		return errs.Wrap(errs.InvalidRequest, err, "postgres: encode row")
	}
	return withRetry(ctx, func() error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO scene_kv (id, value) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
		`, record.SceneID, data)
		if err != nil {
			return errs.Wrap(errs.Transient, err, "postgres: put")
		}
		return nil
	})
}

func (p *PostgresStore) Delete(ctx context.Context, sceneID string) error {
	return withRetry(ctx, func() error {
		_, err := p.pool.Exec(ctx, `DELETE FROM scene_kv WHERE id = $1`, sceneID)
		if err != nil {
			return errs.Wrap(errs.Transient, err, "postgres: delete")
		}
		return nil
	})
}

func (p *PostgresStore) Has(ctx context.Context, sceneID string) (bool, error) {
	var exists bool
	err := withRetry(ctx, func() error {
		err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM scene_kv WHERE id = $1)`, sceneID).Scan(&exists)
		if err != nil {
			return errs.Wrap(errs.Transient, err, "postgres: has")
		}
		return nil
	})
	return exists, err
}

func (p *PostgresStore) All(ctx context.Context) (Iterator, error) {
	var out []domain.SceneRecord
	err := withRetry(ctx, func() error {
		out = nil
		rows, err := p.pool.Query(ctx, `SELECT value FROM scene_kv`)
		if err != nil {
			return errs.Wrap(errs.Transient, err, "postgres: all")
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return errs.Wrap(errs.Transient, err, "postgres: scan row")
			}
			var r row
			if err := json.Unmarshal(data, &r); err != nil {
				return errs.Wrap(errs.InvalidRequest, err, "postgres: decode row")
			}
			out = append(out, r.toRecord())
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return newSliceIterator(out), nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
