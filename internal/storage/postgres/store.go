// Package postgres archives finished scans. The pipeline itself is
// fully in-memory; the archive is optional and only wired when a
// database URL is configured.
package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/domiro-org/domiro/internal/config"
	"github.com/domiro-org/domiro/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrScanNotFound = errors.New("scan not found")

type Store struct {
	db *sqlx.DB
}

func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping() error { return s.db.Ping() }

// Scan is one archived pipeline run.
type Scan struct {
	ID         string    `json:"id" db:"id"`
	RunSeq     int64     `json:"runSeq" db:"run_seq"`
	Stage      string    `json:"stage" db:"stage"`
	TotalCount int       `json:"totalCount" db:"total_count"`
	StartedAt  time.Time `json:"startedAt" db:"started_at"`
	FinishedAt time.Time `json:"finishedAt" db:"finished_at"`
}

// ScanRow is one archived result row.
type ScanRow struct {
	ScanID     string        `json:"-" db:"scan_id"`
	ASCII      string        `json:"ascii" db:"ascii"`
	Domain     string        `json:"domain" db:"domain"`
	TLD        string        `json:"tld" db:"tld"`
	DNSStatus  string        `json:"dnsStatus" db:"dns_status"`
	RDAPStatus sql.NullInt64 `json:"rdapStatusCode" db:"rdap_status"`
	Verdict    string        `json:"verdict" db:"verdict"`
	Detail     string        `json:"detail,omitempty" db:"detail"`
}

// SaveScan archives a finished run and its rows in one transaction.
func (s *Store) SaveScan(scan *Scan, rows []pipeline.Row) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.NamedExec(`
        INSERT INTO scans (id, run_seq, stage, total_count, started_at, finished_at)
        VALUES (:id, :run_seq, :stage, :total_count, :started_at, :finished_at)`,
		scan,
	)
	if err != nil {
		return err
	}

	for _, row := range rows {
		sr := ScanRow{
			ScanID:    scan.ID,
			ASCII:     row.ASCII,
			Domain:    row.Domain,
			TLD:       row.TLD,
			DNSStatus: string(row.DNSStatus),
			Verdict:   string(row.Verdict),
			Detail:    row.Detail,
		}
		if row.RDAP != nil {
			sr.RDAPStatus = sql.NullInt64{Int64: int64(row.RDAP.StatusCode), Valid: true}
		}
		if _, err := tx.NamedExec(`
            INSERT INTO scan_rows (scan_id, ascii, domain, tld, dns_status, rdap_status, verdict, detail)
            VALUES (:scan_id, :ascii, :domain, :tld, :dns_status, :rdap_status, :verdict, :detail)`,
			sr,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListScans(limit, offset int) ([]*Scan, error) {
	scans := []*Scan{}
	err := s.db.Select(&scans, `
        SELECT * FROM scans
        ORDER BY started_at DESC
        LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	return scans, err
}

func (s *Store) GetScan(id string) (*Scan, []*ScanRow, error) {
	var scan Scan
	if err := s.db.Get(&scan, `SELECT * FROM scans WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrScanNotFound
		}
		return nil, nil, err
	}

	rows := []*ScanRow{}
	err := s.db.Select(&rows, `
        SELECT * FROM scan_rows
        WHERE scan_id = $1
        ORDER BY ascii`,
		id,
	)
	return &scan, rows, err
}
