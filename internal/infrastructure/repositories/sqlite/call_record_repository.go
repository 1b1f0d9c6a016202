package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/tracing"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"
	table      = "call_records"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	call_id         TEXT PRIMARY KEY,
	peer_id         TEXT NOT NULL,
	direction       TEXT NOT NULL,
	media_kind      TEXT NOT NULL,
	final_state     TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	started_at_ms   INTEGER NOT NULL,
	connected_at_ms INTEGER NOT NULL DEFAULT 0,
	ended_at_ms     INTEGER NOT NULL,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	restarts        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_call_records_ended ON call_records(ended_at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_call_records_peer ON call_records(peer_id, ended_at_ms DESC);
`

type callRecordRow struct {
	CallID      string `db:"call_id"`
	PeerID      string `db:"peer_id"`
	Direction   string `db:"direction"`
	MediaKind   string `db:"media_kind"`
	FinalState  string `db:"final_state"`
	Reason      string `db:"reason"`
	StartedAt   int64  `db:"started_at_ms"`
	ConnectedAt int64  `db:"connected_at_ms"`
	EndedAt     int64  `db:"ended_at_ms"`
	Duration    int64  `db:"duration_ms"`
	Restarts    int    `db:"restarts"`
}

func toRow(r *domain.CallRecord) callRecordRow {
	return callRecordRow{
		CallID:      string(r.CallID),
		PeerID:      string(r.PeerID),
		Direction:   string(r.Direction),
		MediaKind:   string(r.MediaKind),
		FinalState:  string(r.FinalState),
		Reason:      r.Reason,
		StartedAt:   millis(r.StartedAt),
		ConnectedAt: millis(r.ConnectedAt),
		EndedAt:     millis(r.EndedAt),
		Duration:    r.Duration.Milliseconds(),
		Restarts:    r.Restarts,
	}
}

func (row callRecordRow) record() *domain.CallRecord {
	return &domain.CallRecord{
		CallID:      domain.CallID(row.CallID),
		PeerID:      domain.PeerID(row.PeerID),
		Direction:   domain.Direction(row.Direction),
		MediaKind:   domain.MediaKind(row.MediaKind),
		FinalState:  domain.CallState(row.FinalState),
		Reason:      row.Reason,
		StartedAt:   fromMillis(row.StartedAt),
		ConnectedAt: fromMillis(row.ConnectedAt),
		EndedAt:     fromMillis(row.EndedAt),
		Duration:    time.Duration(row.Duration) * time.Millisecond,
		Restarts:    row.Restarts,
	}
}

// zero time maps to 0 so calls that never connected stay zero on reload
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// CallRecordRepository keeps call history in a local SQLite file.
type CallRecordRepository struct {
	db       *sqlx.DB
	capacity int
}

var _ ports.CallRecordRepository = (*CallRecordRepository)(nil)

// Open opens or creates the database at path. Pass MemoryPath for a
// throwaway database.
func Open(path string, capacity int, logger *zap.SugaredLogger) (*CallRecordRepository, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a second connection to :memory: would see an empty database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_records table: %w", err)
	}

	if logger != nil {
		logger.Infow("opened call history database", "path", path)
	}
	return &CallRecordRepository{db: db, capacity: capacity}, nil
}

func (r *CallRecordRepository) Save(ctx context.Context, record *domain.CallRecord) (err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "save", table)
	defer func(start time.Time) { tracing.EndDatabaseSpan(ctx, span, start, "save", err) }(time.Now())

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO call_records (
			call_id, peer_id, direction, media_kind, final_state, reason,
			started_at_ms, connected_at_ms, ended_at_ms, duration_ms, restarts
		) VALUES (
			:call_id, :peer_id, :direction, :media_kind, :final_state, :reason,
			:started_at_ms, :connected_at_ms, :ended_at_ms, :duration_ms, :restarts
		)`, toRow(record))
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}

	if r.capacity > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM call_records WHERE call_id NOT IN (
				SELECT call_id FROM call_records
				ORDER BY ended_at_ms DESC, call_id DESC
				LIMIT ?
			)`, r.capacity)
		if err != nil {
			return fmt.Errorf("trim call records: %w", err)
		}
	}
	return tx.Commit()
}

func (r *CallRecordRepository) GetByID(ctx context.Context, id domain.CallID) (_ *domain.CallRecord, err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "get", table)
	defer func(start time.Time) { tracing.EndDatabaseSpan(ctx, span, start, "get", ignoreMiss(err)) }(time.Now())

	var row callRecordRow
	err = r.db.GetContext(ctx, &row, `SELECT * FROM call_records WHERE call_id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call record: %w", err)
	}
	return row.record(), nil
}

func (r *CallRecordRepository) ListRecent(ctx context.Context, limit int) (_ []*domain.CallRecord, err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "list_recent", table)
	defer func(start time.Time) { tracing.EndDatabaseSpan(ctx, span, start, "list_recent", err) }(time.Now())

	var rows []callRecordRow
	err = r.db.SelectContext(ctx, &rows, `
		SELECT * FROM call_records
		ORDER BY ended_at_ms DESC, call_id DESC
		LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	return records(rows), nil
}

func (r *CallRecordRepository) ListByPeer(ctx context.Context, peerID domain.PeerID, limit int) (_ []*domain.CallRecord, err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "list_by_peer", table)
	defer func(start time.Time) { tracing.EndDatabaseSpan(ctx, span, start, "list_by_peer", err) }(time.Now())

	var rows []callRecordRow
	err = r.db.SelectContext(ctx, &rows, `
		SELECT * FROM call_records
		WHERE peer_id = ?
		ORDER BY ended_at_ms DESC, call_id DESC
		LIMIT ?`, string(peerID), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list call records for peer: %w", err)
	}
	return records(rows), nil
}

// HealthCheck pings the database.
func (r *CallRecordRepository) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *CallRecordRepository) Close() error {
	return r.db.Close()
}

func ignoreMiss(err error) error {
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	return err
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func records(rows []callRecordRow) []*domain.CallRecord {
	out := make([]*domain.CallRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out
}
