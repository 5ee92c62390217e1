// Package ledger persists the audit chain and gatekeeper decisions in
// SQLite.
//
// The schema is managed by goose migrations embedded in the binary, and
// the pure-Go modernc.org/sqlite driver keeps the build cgo-free. A path
// of ":memory:" opens a private in-memory database, which tests and
// throwaway servers use.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mmr-tortoise/dil/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MemoryPath opens an in-memory database.
const MemoryPath = ":memory:"

// gooseMu guards goose's package-level configuration.
var gooseMu sync.Mutex

// DecisionEntry is one gatekeeper decision as stored.
type DecisionEntry struct {
	ID          int64
	Fingerprint string
	Timestamp   time.Time
	Data        []byte
}

// Store is a SQLite-backed ledger.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating when needed) the ledger database at path and
// migrates it to the latest schema.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	dsn := MemoryPath
	if path != MemoryPath {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create ledger directory: %w", err)
			}
		}
		var err error
		if dsn, err = fileDSN(path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}

	s := New(db, log)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Debug().Str("path", path).Msg("ledger opened")
	return s, nil
}

// filePragmas are applied by the driver to every new connection.
const filePragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// fileDSN returns a SQLite URI for path. The path is made absolute and
// percent-encoded, so '?', '#' and '%' in a directory name stay part of
// the file name instead of starting the query.
func fileDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve ledger path: %w", err)
	}
	slashed := filepath.ToSlash(abs)
	if !strings.HasPrefix(slashed, "/") {
		// Windows drive paths become file:///C:/...
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed, RawQuery: filePragmas}
	return u.String(), nil
}

// New wraps an open database without migrating it.
func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// Migrate runs all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: s.log})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (s *Store) Version(ctx context.Context) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("failed to set dialect: %w", err)
	}
	return goose.GetDBVersionContext(ctx, s.db)
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const recordColumns = `sequence, request_id, decision, user_id, amount, ai_risk_score, ` +
	`reason, sha256_hash, previous_hash, governance_hash, timestamp`

// Append inserts rec. Records must arrive in chain order; the sequence
// and hash uniqueness constraints reject replays.
func (s *Store) Append(ctx context.Context, rec model.AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Sequence, rec.RequestID, string(rec.Decision), rec.UserID, rec.Amount, rec.AIRiskScore,
		rec.Reason, rec.SHA256Hash, nullString(rec.PreviousHash), rec.GovernanceHash, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append record %d: %w", rec.Sequence, err)
	}
	return nil
}

// List returns the most recent limit records in chain order, or every
// record when limit <= 0.
func (s *Store) List(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_records ORDER BY sequence ASC`
	args := []any{}
	if limit > 0 {
		query = `SELECT ` + recordColumns + ` FROM (
			SELECT ` + recordColumns + ` FROM audit_records ORDER BY sequence DESC LIMIT ?
		) ORDER BY sequence ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return records, nil
}

// Count returns the number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Head returns the last record, or nil for an empty ledger.
func (s *Store) Head(ctx context.Context) (*model.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AppendDecision stores a gatekeeper decision. A fingerprint that was
// already logged is rejected.
func (s *Store) AppendDecision(ctx context.Context, entry DecisionEntry) (int64, error) {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (timestamp, fingerprint, data) VALUES (?, ?, ?)`,
		ts.UTC().Format(model.TimestampLayout), entry.Fingerprint, string(entry.Data))
	if err != nil {
		return 0, fmt.Errorf("failed to log decision %s: %w", short(entry.Fingerprint), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read decision id: %w", err)
	}
	return id, nil
}

// Decisions returns the most recent limit decisions, newest first, or
// every decision when limit <= 0.
func (s *Store) Decisions(ctx context.Context, limit int) ([]DecisionEntry, error) {
	query := `SELECT id, timestamp, fingerprint, data FROM decisions ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []DecisionEntry
	for rows.Next() {
		var (
			e    DecisionEntry
			ts   string
			data string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Fingerprint, &data); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if e.Timestamp, err = time.Parse(model.TimestampLayout, ts); err != nil {
			return nil, fmt.Errorf("decision %d has invalid timestamp %q: %w", e.ID, ts, err)
		}
		e.Data = []byte(data)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read decisions: %w", err)
	}
	return entries, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.AuditRecord, error) {
	var (
		rec      model.AuditRecord
		decision string
		previous sql.NullString
	)
	err := row.Scan(&rec.Sequence, &rec.RequestID, &decision, &rec.UserID, &rec.Amount, &rec.AIRiskScore,
		&rec.Reason, &rec.SHA256Hash, &previous, &rec.GovernanceHash, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.Decision = model.Decision(decision)
	if previous.Valid {
		rec.PreviousHash = &previous.String
	}
	return rec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// gooseLogger routes goose output through zerolog.
type gooseLogger struct {
	log zerolog.Logger
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Fatal().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
