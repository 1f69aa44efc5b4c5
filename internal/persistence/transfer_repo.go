package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Transfer is one finished program upload or firmware install.
type Transfer struct {
	JobID      string
	Kind       string
	Connector  string
	Target     string
	Lines      int
	Bytes      int
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

func (t Transfer) Succeeded() bool {
	return t.Error == ""
}

type TransferRepo struct {
	db *sql.DB
}

func NewTransferRepo(db *sql.DB) *TransferRepo {
	return &TransferRepo{db: db}
}

func (r *TransferRepo) Insert(ctx context.Context, t Transfer) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers(job_id, kind, connector, target, lines, bytes, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.JobID, t.Kind, t.Connector, nullableString(t.Target), t.Lines, t.Bytes,
		millisColumn(t.StartedAt), millisColumn(t.FinishedAt), nullableString(t.Error))
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}

	return nil
}

// ListRecent returns up to limit transfers, newest first.
func (r *TransferRepo) ListRecent(ctx context.Context, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, kind, connector, target, lines, bytes, started_at, finished_at, error
		FROM transfers
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var (
			t          Transfer
			target     sql.NullString
			errText    sql.NullString
			startedMs  int64
			finishedMs int64
		)
		if err := rows.Scan(&t.JobID, &t.Kind, &t.Connector, &target, &t.Lines, &t.Bytes, &startedMs, &finishedMs, &errText); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		t.Target = target.String
		t.Error = errText.String
		t.StartedAt = timeFromMillis(startedMs)
		t.FinishedAt = timeFromMillis(finishedMs)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}

	return out, nil
}
