// Package state manages the database that holds synced partner records and
// the facility mapping table. It is the local persistence gateway of the sync:
// records are selected by external ID, upserted, and updated by filter, never
// deleted.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver ("pgx")
	_ "github.com/mattn/go-sqlite3"    // SQLite driver ("sqlite3")

	"github.com/njoerd114/stratussync/internal/model"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// ErrNotFound is returned by updates that must hit an existing record.
var ErrNotFound = errors.New("record not found")

// recordTable is the DDL shared by the three family tables. %[1]s is the
// table name, %[2]s the id column definition.
const recordTable = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id               %[2]s,
    external_id      TEXT NOT NULL UNIQUE,
    accession_number TEXT NOT NULL DEFAULT '',
    organization_id  TEXT,
    facility_id      TEXT,
    payload          TEXT NOT NULL DEFAULT 'null',
    received_time    TEXT NOT NULL DEFAULT '',
    hl7_message      TEXT NOT NULL DEFAULT '',
    sync_status      TEXT NOT NULL,
    sync_error       TEXT NOT NULL DEFAULT '',
    synced_by        TEXT NOT NULL DEFAULT '',
    retrieved_at     TEXT,
    acknowledged_at  TEXT,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_accession ON %[1]s (accession_number);
CREATE INDEX IF NOT EXISTS idx_%[1]s_status    ON %[1]s (sync_status);
`

const mappingTable = `
CREATE TABLE IF NOT EXISTS facility_mappings (
    id              %[1]s,
    name            TEXT NOT NULL UNIQUE,
    organization_id TEXT NOT NULL DEFAULT '',
    facility_id     TEXT NOT NULL DEFAULT '',
    updated_at      TEXT NOT NULL
);
`

const recordColumns = `id, external_id, accession_number, organization_id, facility_id,
	payload, received_time, hl7_message, sync_status, sync_error, synced_by,
	retrieved_at, acknowledged_at, created_at, updated_at`

// Store is the database/sql-backed record repository.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database, applies the schema, and returns a Store.
// For SQLite, dsn is a file path; its directory is created and WAL mode is
// enabled. For Postgres, dsn is a pgx connection string.
func Open(driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = openSQLite(dsn)
	case DriverPostgres:
		db, err = sql.Open(DriverPostgres, dsn)
		if err != nil {
			err = fmt.Errorf("opening postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, driver: driver, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_foreign_keys=on"
	}
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS), one
// statement at a time so the same path works for both drivers.
func (s *Store) migrate(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		idCol = "BIGSERIAL PRIMARY KEY"
	}

	var ddl strings.Builder
	for _, f := range model.Families {
		fmt.Fprintf(&ddl, recordTable, f.Table(), idCol)
	}
	fmt.Fprintf(&ddl, mappingTable, idCol)

	for _, stmt := range strings.Split(ddl.String(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// --- records -----------------------------------------------------------------

// GetRecord returns the record with the given partner GUID, or (nil, nil) if
// the family has no such record.
func (s *Store) GetRecord(ctx context.Context, family model.Family, externalID string) (*model.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM ` + family.Table() + ` WHERE external_id = ?`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.rebind(q), externalID), family)
	if err != nil {
		return nil, fmt.Errorf("getting %s record %q: %w", family, externalID, err)
	}
	return rec, nil
}

// upsertColumns are rewritten on conflict unless the stored row is already
// acknowledged.
var upsertColumns = []string{
	"accession_number", "organization_id", "facility_id", "payload",
	"received_time", "hl7_message", "sync_status", "sync_error", "synced_by",
	"retrieved_at", "acknowledged_at",
}

// UpsertRecord inserts rec or updates the existing row with the same
// external ID. An acknowledged row is left as stored; only updated_at moves.
// rec.ID, rec.CreatedAt and rec.UpdatedAt are set from the stored row.
func (s *Store) UpsertRecord(ctx context.Context, rec *model.Record) error {
	if rec.ExternalID == "" {
		return errors.New("upserting record: empty external id")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("upserting record %q: invalid status %q", rec.ExternalID, rec.Status)
	}
	t := rec.Family.Table()
	keepAcked := func(col string) string {
		return col + " = CASE WHEN " + t + ".sync_status = 'acknowledged' THEN " + t + "." + col + " ELSE excluded." + col + " END"
	}
	sets := make([]string, 0, len(upsertColumns)+1)
	for _, col := range upsertColumns {
		sets = append(sets, keepAcked(col))
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	q := `
		INSERT INTO ` + t + `
		    (external_id, accession_number, organization_id, facility_id, payload,
		     received_time, hl7_message, sync_status, sync_error, synced_by,
		     retrieved_at, acknowledged_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
		    ` + strings.Join(sets, ",\n\t\t    ") + `
		RETURNING id, created_at`

	now := s.now().UTC()
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	var created string
	err := s.db.QueryRowContext(ctx, s.rebind(q),
		rec.ExternalID,
		rec.AccessionNumber,
		nullString(rec.OrganizationID),
		nullString(rec.FacilityID),
		payload,
		rec.ReceivedTime,
		rec.HL7Message,
		string(rec.Status),
		rec.SyncError,
		rec.SyncedBy,
		nullTime(rec.RetrievedAt),
		nullTime(rec.AcknowledgedAt),
		formatTime(now),
		formatTime(now),
	).Scan(&rec.ID, &created)
	if err != nil {
		return fmt.Errorf("upserting %s record %q: %w", rec.Family, rec.ExternalID, err)
	}
	rec.CreatedAt, _ = parseTime(created)
	rec.UpdatedAt = now
	return nil
}

// MarkAcknowledged moves the record to acknowledged at the given time. It
// returns ErrNotFound when no record matches.
func (s *Store) MarkAcknowledged(ctx context.Context, family model.Family, externalID string, at time.Time) error {
	q := `
		UPDATE ` + family.Table() + ` SET
		    sync_status     = 'acknowledged',
		    sync_error      = '',
		    acknowledged_at = ?,
		    retrieved_at    = COALESCE(retrieved_at, ?),
		    updated_at      = ?
		WHERE external_id = ?`
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx, s.rebind(q), ts, ts, formatTime(s.now()), externalID)
	if err != nil {
		return fmt.Errorf("acknowledging %s record %q: %w", family, externalID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("acknowledging %s record %q: %w", family, externalID, ErrNotFound)
	}
	return nil
}

// MarkError records msg on the matching record and moves it to the error
// state. It never creates a record; a missing row is not an error.
func (s *Store) MarkError(ctx context.Context, family model.Family, externalID, msg string) error {
	q := `
		UPDATE ` + family.Table() + ` SET
		    sync_status = 'error',
		    sync_error  = ?,
		    updated_at  = ?
		WHERE external_id = ?`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), msg, formatTime(s.now()), externalID); err != nil {
		return fmt.Errorf("marking %s record %q as error: %w", family, externalID, err)
	}
	return nil
}

// FindOrderByAccession returns the most recently created order with the
// given accession number, or (nil, nil) if there is none.
func (s *Store) FindOrderByAccession(ctx context.Context, accession string) (*model.Record, error) {
	if accession == "" {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	q := `SELECT ` + recordColumns + ` FROM ` + model.FamilyOrders.Table() + `
		WHERE accession_number = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.rebind(q), accession), model.FamilyOrders)
	if err != nil {
		return nil, fmt.Errorf("finding order by accession %q: %w", accession, err)
	}
	return rec, nil
}

// ListRecords returns up to limit records of the family, most recently
// updated first. An empty status matches every status.
func (s *Store) ListRecords(ctx context.Context, family model.Family, status model.Status, limit int) ([]*model.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM ` + family.Table()
	var args []any
	if status != "" {
		q += ` WHERE sync_status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s records: %w", family, err)
	}
	defer func() { _ = rows.Close() }()

	recs := []*model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows, family)
		if err != nil {
			return nil, fmt.Errorf("listing %s records: %w", family, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountByStatus returns the number of records per status for the family.
func (s *Store) CountByStatus(ctx context.Context, family model.Family) (map[model.Status]int, error) {
	q := `SELECT sync_status, COUNT(*) FROM ` + family.Table() + ` GROUP BY sync_status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("counting %s records: %w", family, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning %s count: %w", family, err)
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}

// --- facility mappings -------------------------------------------------------

// UpsertFacilityMapping inserts or replaces the mapping with the same name.
func (s *Store) UpsertFacilityMapping(ctx context.Context, m model.FacilityMapping) error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("upserting facility mapping: empty name")
	}
	const q = `
		INSERT INTO facility_mappings (name, organization_id, facility_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		    organization_id = excluded.organization_id,
		    facility_id     = excluded.facility_id,
		    updated_at      = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), m.Name, m.OrganizationID, m.FacilityID, formatTime(s.now())); err != nil {
		return fmt.Errorf("upserting facility mapping %q: %w", m.Name, err)
	}
	return nil
}

// ListFacilityMappings returns every mapping ordered by name.
func (s *Store) ListFacilityMappings(ctx context.Context) ([]model.FacilityMapping, error) {
	const q = `SELECT name, organization_id, facility_id FROM facility_mappings ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing facility mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.FacilityMapping
	for rows.Next() {
		var m model.FacilityMapping
		if err := rows.Scan(&m.Name, &m.OrganizationID, &m.FacilityID); err != nil {
			return nil, fmt.Errorf("scanning facility mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- helpers -----------------------------------------------------------------

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// scanner matches both *sql.Row and *sql.Rows so scanRecord can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner, family model.Family) (*model.Record, error) {
	var (
		rec                  model.Record
		orgID, facID         sql.NullString
		payload, status      string
		retrievedAt, ackedAt sql.NullString
		createdAt, updatedAt string
	)
	err := s.Scan(
		&rec.ID,
		&rec.ExternalID,
		&rec.AccessionNumber,
		&orgID,
		&facID,
		&payload,
		&rec.ReceivedTime,
		&rec.HL7Message,
		&status,
		&rec.SyncError,
		&rec.SyncedBy,
		&retrievedAt,
		&ackedAt,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record row: %w", err)
	}

	rec.Family = family
	rec.Status = model.Status(status)
	rec.Payload = []byte(payload)
	if orgID.Valid {
		rec.OrganizationID = &orgID.String
	}
	if facID.Valid {
		rec.FacilityID = &facID.String
	}
	rec.RetrievedAt = parseNullTime(retrievedAt)
	rec.AcknowledgedAt = parseNullTime(ackedAt)
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.UpdatedAt, _ = parseTime(updatedAt)
	return &rec, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
