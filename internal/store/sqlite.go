package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/crm-intake/internal/canonical"
	"github.com/sells-group/crm-intake/internal/merge"
	"github.com/sells-group/crm-intake/internal/model"
)

// SQLiteStore implements EntityStore and AuditStore using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// WithNow sets a fixed clock for testing.
func (s *SQLiteStore) WithNow(t time.Time) *SQLiteStore {
	s.now = func() time.Time { return t }
	return s
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	stage          TEXT NOT NULL,
	status         TEXT NOT NULL,
	fields         TEXT NOT NULL DEFAULT '{}',
	last_actor     TEXT NOT NULL DEFAULT '',
	provenance     TEXT NOT NULL DEFAULT '[]',
	parent_id      TEXT,
	version        INTEGER NOT NULL DEFAULT 1,
	email_domain   TEXT NOT NULL DEFAULT '',
	company_prefix TEXT NOT NULL DEFAULT '',
	phone          TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS merge_audits (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id   TEXT NOT NULL REFERENCES entities(id),
	ts          DATETIME NOT NULL,
	overwritten TEXT NOT NULL DEFAULT '[]',
	preserved   TEXT NOT NULL DEFAULT '[]',
	reasons     TEXT NOT NULL DEFAULT '{}'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_id) WHERE parent_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_entities_email_domain ON entities(email_domain);
CREATE INDEX IF NOT EXISTS idx_entities_company_prefix ON entities(company_prefix);
CREATE INDEX IF NOT EXISTS idx_entities_phone ON entities(phone);
CREATE INDEX IF NOT EXISTS idx_merge_audits_entity ON merge_audits(entity_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateEntity(ctx context.Context, e *model.EntityRecord) (string, error) {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, stage, status, fields, last_actor, provenance, parent_id,
			version, email_domain, company_prefix, phone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Stage, rec.Status, fieldsJSON, rec.LastModifiedActor, provJSON,
		nullable(rec.ParentID), rec.Version, cf.EmailDomain, companyPrefix(cf.Company),
		cf.Phone, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: create entity %s", rec.ID)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.EntityRecord, error) {
	row := s.db.QueryRowContext(ctx, selectEntitySQL+` WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) ChildOf(ctx context.Context, parentID string) (*model.EntityRecord, error) {
	row := s.db.QueryRowContext(ctx, selectEntitySQL+` WHERE parent_id = ?`, parentID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: child of %s", parentID)
	}
	return e, nil
}

func (s *SQLiteStore) FindCandidates(ctx context.Context, cf model.CanonicalFields) ([]model.EntityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEntitySQL+` WHERE (email_domain != '' AND email_domain = ?)
			OR (company_prefix != '' AND company_prefix = ?)
			OR (phone != '' AND phone = ?) ORDER BY id`,
		cf.EmailDomain, companyPrefix(cf.Company), cf.Phone,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find candidates")
	}
	defer rows.Close()

	out := make([]model.EntityRecord, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: candidate rows")
}

func (s *SQLiteStore) ApplyMergePlan(ctx context.Context, id string, plan model.MergePlan, actor string) (*model.EntityRecord, error) {
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

func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *model.EntityRecord) (*model.EntityRecord, error) {
	if err := s.writeVersioned(ctx, e); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// writeVersioned persists an entity whose Version is one ahead of the
// stored row. Zero rows affected means a concurrent writer advanced the
// entity first.
func (s *SQLiteStore) writeVersioned(ctx context.Context, e *model.EntityRecord) error {
	fieldsJSON, provJSON, err := marshalEntityBlobs(e)
	if err != nil {
		return err
	}
	cf := canonical.FromFields(e.Fields)

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET stage = ?, status = ?, fields = ?, last_actor = ?,
			provenance = ?, parent_id = ?, version = ?, email_domain = ?,
			company_prefix = ?, phone = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		e.Stage, e.Status, fieldsJSON, e.LastModifiedActor, provJSON,
		nullable(e.ParentID), e.Version, cf.EmailDomain, companyPrefix(cf.Company),
		cf.Phone, e.UpdatedAt, e.ID, e.Version-1,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update entity %s", e.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		current, gerr := s.GetEntity(ctx, e.ID)
		actual := int64(-1)
		if gerr == nil {
			actual = current.Version
		}
		return &model.ConflictError{EntityID: e.ID, ExpectedVersion: e.Version - 1, ActualVersion: actual}
	}
	return nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	overwritten, _ := json.Marshal(rec.FieldsOverwritten)
	preserved, _ := json.Marshal(rec.FieldsPreserved)
	reasons, _ := json.Marshal(rec.PreservationReasons)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_audits (entity_id, ts, overwritten, preserved, reasons)
		VALUES (?, ?, ?, ?, ?)`,
		rec.EntityID, rec.Timestamp, string(overwritten), string(preserved), string(reasons),
	)
	return eris.Wrapf(err, "sqlite: append audit for %s", rec.EntityID)
}

func (s *SQLiteStore) ListAudits(ctx context.Context, entityID string) ([]model.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, ts, overwritten, preserved, reasons
		FROM merge_audits WHERE entity_id = ? ORDER BY id`, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audits for %s", entityID)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var overwritten, preserved, reasons string
		if err := rows.Scan(&rec.EntityID, &rec.Timestamp, &overwritten, &preserved, &reasons); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		if err := unmarshalAuditBlobs(&rec, overwritten, preserved, reasons); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: audit rows")
}

const selectEntitySQL = `
	SELECT id, stage, status, fields, last_actor, provenance, parent_id,
		version, created_at, updated_at
	FROM entities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*model.EntityRecord, error) {
	var e model.EntityRecord
	var fieldsJSON, provJSON string
	var parent sql.NullString

	if err := row.Scan(&e.ID, &e.Stage, &e.Status, &fieldsJSON, &e.LastModifiedActor,
		&provJSON, &parent, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.ParentID = parent.String

	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, eris.Wrap(err, "unmarshal fields")
	}
	if err := json.Unmarshal([]byte(provJSON), &e.Provenance); err != nil {
		return nil, eris.Wrap(err, "unmarshal provenance")
	}
	return &e, nil
}

func marshalEntityBlobs(e *model.EntityRecord) (fields, provenance string, err error) {
	f := e.Fields
	if f == nil {
		f = map[string]string{}
	}
	fb, err := json.Marshal(f)
	if err != nil {
		return "", "", eris.Wrap(err, "marshal fields")
	}
	p := e.Provenance
	if p == nil {
		p = []string{}
	}
	pb, err := json.Marshal(p)
	if err != nil {
		return "", "", eris.Wrap(err, "marshal provenance")
	}
	return string(fb), string(pb), nil
}

func unmarshalAuditBlobs(rec *model.AuditRecord, overwritten, preserved, reasons string) error {
	if err := json.Unmarshal([]byte(overwritten), &rec.FieldsOverwritten); err != nil {
		return eris.Wrap(err, "unmarshal overwritten")
	}
	if err := json.Unmarshal([]byte(preserved), &rec.FieldsPreserved); err != nil {
		return eris.Wrap(err, "unmarshal preserved")
	}
	return eris.Wrap(json.Unmarshal([]byte(reasons), &rec.PreservationReasons), "unmarshal reasons")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
