package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore mirrors reports into PostgreSQL. The schema lives in the
// goose migrations under migrations/.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed report store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save upserts the report row and replaces its outcome rows.
func (p *PostgresStore) Save(ctx context.Context, r *ReclaimReport) error {
	if err := checkRunID(r.RunID); err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("reports: encode: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reports: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reclaim_reports (
			run_id, created_at, dry_run, operator, treasury,
			analyzed, validated, reclaimed, failed, total_lamports, report
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id) DO UPDATE SET
			analyzed = EXCLUDED.analyzed,
			validated = EXCLUDED.validated,
			reclaimed = EXCLUDED.reclaimed,
			failed = EXCLUDED.failed,
			total_lamports = EXCLUDED.total_lamports,
			report = EXCLUDED.report`,
		r.RunID, r.Timestamp, r.DryRun, r.Operator, r.Treasury,
		r.Analyzed, r.Validated, r.Reclaimed, r.Failed, int64(r.TotalLamports), body, //nolint:gosec // lamport totals fit in int64
	)
	if err != nil {
		return fmt.Errorf("reports: insert report: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reclaim_outcomes WHERE run_id = $1`, r.RunID); err != nil {
		return fmt.Errorf("reports: clear outcomes: %w", err)
	}
	for _, o := range r.Outcomes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reclaim_outcomes (run_id, address, status, lamports, signature, reason)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (run_id, address) DO NOTHING`,
			r.RunID, o.Address, string(o.Status), int64(o.Lamports), nullString(o.Signature), nullString(o.Reason), //nolint:gosec // lamports fit in int64
		)
		if err != nil {
			return fmt.Errorf("reports: insert outcome %s: %w", o.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reports: commit: %w", err)
	}
	reportsSaved.WithLabelValues("postgres").Inc()
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, runID string) (*ReclaimReport, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT report FROM reclaim_reports WHERE run_id = $1`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reports: query: %w", err)
	}
	var r ReclaimReport
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("reports: decode %s: %w", runID, err)
	}
	return &r, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*ReclaimReport, error) {
	query := `SELECT report FROM reclaim_reports ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reports: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ReclaimReport
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("reports: scan: %w", err)
		}
		var r ReclaimReport
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("reports: decode: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ReclaimedByAddress returns the confirmed lamports per address across all
// live runs for the given addresses.
func (p *PostgresStore) ReclaimedByAddress(ctx context.Context, addresses []string) (map[string]uint64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT o.address, COALESCE(SUM(o.lamports), 0)
		FROM reclaim_outcomes o
		JOIN reclaim_reports r ON r.run_id = o.run_id
		WHERE o.status = 'confirmed' AND NOT r.dry_run AND o.address = ANY($1)
		GROUP BY o.address`, pq.Array(addresses))
	if err != nil {
		return nil, fmt.Errorf("reports: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]uint64, len(addresses))
	for rows.Next() {
		var addr string
		var total int64
		if err := rows.Scan(&addr, &total); err != nil {
			return nil, fmt.Errorf("reports: scan: %w", err)
		}
		out[addr] = uint64(total) //nolint:gosec // sums of non-negative lamports
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
