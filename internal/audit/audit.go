// Package audit keeps a local journal of signing and verification runs.
// Builds that pass through a shared signing box leave a queryable trail of
// what was signed, with which certificate, and how the run ended.
package audit

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// EnvDB names the environment variable that points at the journal database
// when no --audit-db flag is given.
const EnvDB = "SWI_AUDIT_DB"

// Entry is one recorded operation.
type Entry struct {
	ID        int64
	Time      time.Time
	Operation string // prepare, sign, waterfall or verify
	Image     string
	Size      int64
	Digest    string
	Code      int
	Status    string
	Signer    string
	Detail    string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Operation string
	Image     string
	Limit     int
}

// Journal stores entries in a SQLite database via modernc.org/sqlite
// (pure Go, no CGO).
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the journal database at the given path.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		operation TEXT NOT NULL,
		image     TEXT NOT NULL,
		size      INTEGER NOT NULL DEFAULT 0,
		digest    TEXT NOT NULL DEFAULT '',
		code      INTEGER NOT NULL,
		status    TEXT NOT NULL,
		signer    TEXT NOT NULL DEFAULT '',
		detail    TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_operations_image_time ON operations(image, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_operations_op ON operations(operation);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends an entry to the journal. A zero Time is replaced with the
// current time.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO operations (timestamp, operation, image, size, digest, code, status, signer, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339), e.Operation, e.Image, e.Size,
		e.Digest, e.Code, e.Status, e.Signer, e.Detail,
	)
	return err
}

// List returns entries matching the filter, newest first.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	query := `SELECT id, timestamp, operation, image, size, digest, code, status, signer, detail
		 FROM operations WHERE 1=1`
	var args []interface{}

	if filter.Operation != "" {
		query += " AND operation = ?"
		args = append(args, filter.Operation)
	}
	if filter.Image != "" {
		query += " AND image = ?"
		args = append(args, filter.Image)
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Operation, &e.Image, &e.Size,
			&e.Digest, &e.Code, &e.Status, &e.Signer, &e.Detail); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(time.RFC3339, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SignerName extracts the common name from the certificate at certPath for
// journal entries. It returns "" when the file cannot be parsed; journal
// metadata is best effort and never blocks an operation.
func SignerName(certPath string) string {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return ""
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return ""
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return ""
	}
	return cert.Subject.CommonName
}

// FileSize returns the size of the file at path, or 0 when it cannot be
// read.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
