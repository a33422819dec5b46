// Package postgres archives scan reports in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagerisk/internal/scan"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "scan_reports"

// Config controls the Postgres connection pool used for report rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// ReportStore writes one row per completed scan.
type ReportStore struct {
	pool  pool
	table string
}

// NewReportStore connects to Postgres using cfg.
func NewReportStore(ctx context.Context, cfg Config) (*ReportStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ReportStore{pool: p, table: table}, nil
}

// NewReportStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewReportStoreWithPool(p pool, table string) (*ReportStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ReportStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ReportStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *ReportStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the report table and its URL index when missing.
func (s *ReportStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	scan_id       TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL DEFAULT '',
	url_submitted TEXT NOT NULL,
	final_url     TEXT,
	fetched_by    TEXT,
	fetched_at    TIMESTAMPTZ,
	verdict       TEXT,
	score         INTEGER,
	analysis      JSONB,
	content_hash  TEXT NOT NULL DEFAULT '',
	blob_uri      TEXT NOT NULL DEFAULT '',
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	error_text    TEXT,
	recorded_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_url_recorded_idx ON %[1]s (url_submitted, recorded_at DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// StoreReport inserts a report row. Records without a report (failed scans)
// are stored with a null verdict.
func (s *ReportStore) StoreReport(ctx context.Context, record scan.ScanRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("report store is not configured")
	}
	if record.ScanID == "" {
		return fmt.Errorf("scan id is required")
	}

	var (
		finalURL, fetchedBy, verdict *string
		fetchedAt                    *time.Time
		score                        *int
		analysisJSON                 []byte
	)
	if r := record.Report; r != nil {
		method := string(r.FetchedBy)
		v := string(r.Analysis.Verdict)
		sc := r.Analysis.Score
		ts := r.FetchedAt
		finalURL, fetchedBy, verdict, score, fetchedAt = &r.FinalURL, &method, &v, &sc, &ts
		encoded, err := json.Marshal(r.Analysis)
		if err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}
		analysisJSON = encoded
	}
	var errText *string
	if record.Error != "" {
		errText = &record.Error
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	scan_id,
	job_id,
	url_submitted,
	final_url,
	fetched_by,
	fetched_at,
	verdict,
	score,
	analysis,
	content_hash,
	blob_uri,
	duration_ms,
	error_text,
	recorded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`, s.table)

	args := []any{
		record.ScanID,
		record.JobID,
		record.URL,
		finalURL,
		fetchedBy,
		fetchedAt,
		verdict,
		score,
		analysisJSON,
		record.ContentHash,
		record.BlobURI,
		record.DurationMs,
		errText,
		record.RecordedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// ReportSummary is one archived scan as listed by RecentReports.
type ReportSummary struct {
	ScanID     string    `json:"scan_id"`
	JobID      string    `json:"job_id,omitempty"`
	URL        string    `json:"url_submitted"`
	FinalURL   *string   `json:"final_url,omitempty"`
	Verdict    *string   `json:"verdict,omitempty"`
	Score      *int      `json:"score,omitempty"`
	Error      *string   `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecentReports lists the newest archived scans of a submitted URL.
func (s *ReportStore) RecentReports(ctx context.Context, url string, limit int) ([]ReportSummary, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("report store is not configured")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := fmt.Sprintf(`
SELECT scan_id, job_id, url_submitted, final_url, verdict, score, error_text, recorded_at
FROM %s
WHERE url_submitted = $1
ORDER BY recorded_at DESC
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, url, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []ReportSummary
	for rows.Next() {
		var r ReportSummary
		if err := rows.Scan(&r.ScanID, &r.JobID, &r.URL, &r.FinalURL, &r.Verdict, &r.Score, &r.Error,
			&r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report rows: %w", err)
	}
	return out, nil
}
