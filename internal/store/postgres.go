package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-intake/internal/canonical"
	"github.com/sells-group/crm-intake/internal/merge"
	"github.com/sells-group/crm-intake/internal/model"
)

// Pool abstracts pgxpool.Pool so the store can run against pgxmock in
// tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements EntityStore and AuditStore using pgxpool.
type PostgresStore struct {
	pool Pool
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// WithNow sets a fixed clock for testing.
func (s *PostgresStore) WithNow(t time.Time) *PostgresStore {
	s.now = func() time.Time { return t }
	return s
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	stage          TEXT NOT NULL,
	status         TEXT NOT NULL,
	fields         JSONB NOT NULL DEFAULT '{}',
	last_actor     TEXT NOT NULL DEFAULT '',
	provenance     JSONB NOT NULL DEFAULT '[]',
	parent_id      TEXT,
	version        BIGINT NOT NULL DEFAULT 1,
	email_domain   TEXT NOT NULL DEFAULT '',
	company_prefix TEXT NOT NULL DEFAULT '',
	phone          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS merge_audits (
	id          BIGSERIAL PRIMARY KEY,
	entity_id   TEXT NOT NULL REFERENCES entities(id),
	ts          TIMESTAMPTZ NOT NULL,
	overwritten JSONB NOT NULL DEFAULT '[]',
	preserved   JSONB NOT NULL DEFAULT '[]',
	reasons     JSONB NOT NULL DEFAULT '{}'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_id) WHERE parent_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_entities_email_domain ON entities(email_domain);
CREATE INDEX IF NOT EXISTS idx_entities_company_prefix ON entities(company_prefix);
CREATE INDEX IF NOT EXISTS idx_entities_phone ON entities(phone);
CREATE INDEX IF NOT EXISTS idx_merge_audits_entity ON merge_audits(entity_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgSelectEntity = `SELECT id, stage, status, fields, last_actor, provenance, parent_id, version, created_at, updated_at FROM entities`

func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.EntityRecord) (string, error) {
	rec := e.Clone()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	fieldsJSON, provJSON, err := marshalEntityBlobs(rec)
	if err != nil {
		return "", err
	}
	cf := canonical.FromFields(rec.Fields)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO entities (id, stage, status, fields, last_actor, provenance, parent_id,
			version, email_domain, company_prefix, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.Stage, rec.Status, fieldsJSON, rec.LastModifiedActor, provJSON,
		nullable(rec.ParentID), rec.Version, cf.EmailDomain, companyPrefix(cf.Company),
		cf.Phone, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: create entity %s", rec.ID)
	}
	return rec.ID, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.EntityRecord, error) {
	row := s.pool.QueryRow(ctx, pgSelectEntity+` WHERE id = $1`, id)
	e, err := scanEntity(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return e, nil
}

func (s *PostgresStore) ChildOf(ctx context.Context, parentID string) (*model.EntityRecord, error) {
	row := s.pool.QueryRow(ctx, pgSelectEntity+` WHERE parent_id = $1`, parentID)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: child of %s", parentID)
	}
	return e, nil
}

func (s *PostgresStore) FindCandidates(ctx context.Context, cf model.CanonicalFields) ([]model.EntityRecord, error) {
	rows, err := s.pool.Query(ctx,
		pgSelectEntity+` WHERE (email_domain != '' AND email_domain = $1)
			OR (company_prefix != '' AND company_prefix = $2)
			OR (phone != '' AND phone = $3) ORDER BY id`,
		cf.EmailDomain, companyPrefix(cf.Company), cf.Phone,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find candidates")
	}
	defer rows.Close()

	out := make([]model.EntityRecord, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: candidate rows")
}

func (s *PostgresStore) ApplyMergePlan(ctx context.Context, id string, plan model.MergePlan, actor string) (*model.EntityRecord, error) {
	existing, err := s.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, audit, err := merge.Apply(existing, plan, actor, s.now().UTC())
	if err != nil {
		return nil, err
	}

	if err := s.writeVersioned(ctx, updated); err != nil {
		return nil, err
	}
	if err := s.AppendAudit(ctx, audit); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, e *model.EntityRecord) (*model.EntityRecord, error) {
	if err := s.writeVersioned(ctx, e); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (s *PostgresStore) writeVersioned(ctx context.Context, e *model.EntityRecord) error {
	fieldsJSON, provJSON, err := marshalEntityBlobs(e)
	if err != nil {
		return err
	}
	cf := canonical.FromFields(e.Fields)

	tag, err := s.pool.Exec(ctx, `
		UPDATE entities SET stage = $1, status = $2, fields = $3, last_actor = $4,
			provenance = $5, parent_id = $6, version = $7, email_domain = $8,
			company_prefix = $9, phone = $10, updated_at = $11
		WHERE id = $12 AND version = $13`,
		e.Stage, e.Status, fieldsJSON, e.LastModifiedActor, provJSON,
		nullable(e.ParentID), e.Version, cf.EmailDomain, companyPrefix(cf.Company),
		cf.Phone, e.UpdatedAt, e.ID, e.Version-1,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update entity %s", e.ID)
	}
	if tag.RowsAffected() == 0 {
		current, gerr := s.GetEntity(ctx, e.ID)
		actual := int64(-1)
		if gerr == nil {
			actual = current.Version
		}
		return &model.ConflictError{EntityID: e.ID, ExpectedVersion: e.Version - 1, ActualVersion: actual}
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	overwritten, _ := json.Marshal(rec.FieldsOverwritten)
	preserved, _ := json.Marshal(rec.FieldsPreserved)
	reasons, _ := json.Marshal(rec.PreservationReasons)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO merge_audits (entity_id, ts, overwritten, preserved, reasons)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.EntityID, rec.Timestamp, string(overwritten), string(preserved), string(reasons),
	)
	return eris.Wrapf(err, "postgres: append audit for %s", rec.EntityID)
}

func (s *PostgresStore) ListAudits(ctx context.Context, entityID string) ([]model.AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, ts, overwritten, preserved, reasons
		FROM merge_audits WHERE entity_id = $1 ORDER BY id`, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audits for %s", entityID)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var overwritten, preserved, reasons string
		if err := rows.Scan(&rec.EntityID, &rec.Timestamp, &overwritten, &preserved, &reasons); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		if err := unmarshalAuditBlobs(&rec, overwritten, preserved, reasons); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: audit rows")
}
