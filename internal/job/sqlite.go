package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const jobColumns = `id, owner_id, type, input, state, progress, step,
	cp_sequence, cp_output, cp_metadata, cp_at,
	result, error, callback_url, created_at, started_at, completed_at, failed_at, last_activity`

// SQLiteStore is a SQLite-backed implementation of Store.
// Timestamps are stored as unix milliseconds so range comparisons stay numeric.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: SQLite has a single writer anyway, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			type          TEXT NOT NULL,
			input         TEXT,
			state         TEXT NOT NULL DEFAULT 'created',
			progress      INTEGER NOT NULL DEFAULT 0,
			step          TEXT NOT NULL DEFAULT '',
			cp_sequence   INTEGER,
			cp_output     TEXT,
			cp_metadata   TEXT,
			cp_at         INTEGER,
			result        TEXT,
			error         TEXT NOT NULL DEFAULT '',
			callback_url  TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			started_at    INTEGER,
			completed_at  INTEGER,
			failed_at     INTEGER,
			last_activity INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_owner_state   ON jobs(owner_id, state);
		CREATE INDEX IF NOT EXISTS idx_jobs_state_activity ON jobs(state, last_activity);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at    ON jobs(created_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

func (s *SQLiteStore) Create(ctx context.Context, req *CreateRequest, ownerID string) (*Job, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	j := &Job{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Type:         req.Type,
		Input:        req.Input,
		State:        StateCreated,
		CallbackURL:  req.CallbackURL,
		CreatedAt:    now,
		LastActivity: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, type, input, state, callback_url, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.OwnerID, j.Type, nullableJSON(j.Input), string(StateCreated), j.CallbackURL,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// List returns jobs ordered by created_at DESC. Limit defaults to 20 and is capped at 100.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]*Job, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := max(q.Offset, 0)

	where, args := buildWhere(q)
	args = append(args, limit, offset)
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
}

// FindOne returns the newest job matching q, or ErrNotFound.
func (s *SQLiteStore) FindOne(ctx context.Context, q Query) (*Job, error) {
	q.Limit, q.Offset = 1, 0
	jobs, err := s.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

func (s *SQLiteStore) Count(ctx context.Context, q Query) (int, error) {
	where, args := buildWhere(q)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, id string, state State) error {
	return s.transition(ctx, id, "", state, nil)
}

// Claim moves the job from "from" to running. It fails with a TransitionError
// when the job is no longer in "from", so only one of several concurrent
// claimers wins.
func (s *SQLiteStore) Claim(ctx context.Context, id string, from State) error {
	if from == StateRunning {
		return &TransitionError{JobID: id, From: from, To: StateRunning}
	}
	return s.transition(ctx, id, from, StateRunning, nil)
}

func (s *SQLiteStore) SetError(ctx context.Context, id string, message string) error {
	return s.transition(ctx, id, "", StateFailed, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET error = ? WHERE id = ?`, message, id)
		return err
	})
}

// SetResult completes the job. The checkpoint is dropped since the result supersedes it.
func (s *SQLiteStore) SetResult(ctx context.Context, id string, result json.RawMessage) error {
	return s.transition(ctx, id, "", StateCompleted, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET result = ?, progress = 100,
				cp_sequence = NULL, cp_output = NULL, cp_metadata = NULL, cp_at = NULL
			WHERE id = ?
		`, nullableJSON(result), id)
		return err
	})
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, "", StateCancelled, nil)
}

// transition moves a job to state "to" inside one transaction. The UPDATE is guarded
// by the state read at the start so a concurrent writer cannot slip in between.
// A non-empty expect additionally requires the job to be in that state.
func (s *SQLiteStore) transition(ctx context.Context, id string, expect, to State, extra func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition for job %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var from State
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("set state for job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read state for job %s: %w", id, err)
	}
	if (expect != "" && from != expect) || !from.CanTransition(to) {
		return &TransitionError{JobID: id, From: from, To: to}
	}

	now, target := s.nowMillis(), string(to)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			state         = ?,
			last_activity = MAX(last_activity, ?),
			started_at    = CASE WHEN ? = 'running'   THEN COALESCE(started_at, ?) ELSE started_at END,
			completed_at  = CASE WHEN ? = 'completed' THEN ? ELSE completed_at END,
			failed_at     = CASE WHEN ? = 'failed'    THEN ? ELSE failed_at END
		WHERE id = ? AND state = ?
	`, target, now, target, now, target, now, target, now, id, string(from))
	if err != nil {
		return fmt.Errorf("update state for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &TransitionError{JobID: id, From: from, To: to}
	}

	if extra != nil {
		if err := extra(tx); err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition for job %s: %w", id, err)
	}
	return nil
}

// touch runs an UPDATE that only applies to non-terminal jobs and reports
// ErrNotFound / ErrInvalidTransition when nothing was updated.
func (s *SQLiteStore) touch(ctx context.Context, id, op, set string, args ...any) error {
	now := s.nowMillis()
	query := `UPDATE jobs SET last_activity = MAX(last_activity, ?)`
	if set != "" {
		query += ", " + set
	}
	query += ` WHERE id = ? AND state IN (?, ?, ?)`

	all := append([]any{now}, args...)
	all = append(all, id, string(StateCreated), string(StateRunning), string(StatePaused))
	res, err := s.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("%s for job %s: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &TransitionError{JobID: id, From: j.State, To: j.State}
}

func (s *SQLiteStore) SetProgress(ctx context.Context, id string, progress int, step string) error {
	progress = min(max(progress, 0), 100)
	return s.touch(ctx, id, "set progress", "progress = ?, step = ?", progress, step)
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, id string) error {
	return s.touch(ctx, id, "heartbeat", "")
}

func (s *SQLiteStore) Checkpoint(ctx context.Context, id string, cp *Checkpoint) error {
	if cp == nil {
		return s.ClearCheckpoint(ctx, id)
	}
	ts := cp.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	return s.touch(ctx, id, "checkpoint",
		"cp_sequence = ?, cp_output = ?, cp_metadata = ?, cp_at = ?",
		cp.Sequence, cp.PartialOutput, nullableJSON(cp.Metadata), ts.UTC().UnixMilli(),
	)
}

// ClearCheckpoint drops the checkpoint regardless of state.
func (s *SQLiteStore) ClearCheckpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET cp_sequence = NULL, cp_output = NULL, cp_metadata = NULL, cp_at = NULL
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("clear checkpoint for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("clear checkpoint for job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) FindRunning(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY last_activity`, string(StateRunning))
}

func (s *SQLiteStore) FindStaleRunning(ctx context.Context, maxIdle time.Duration) ([]*Job, error) {
	cutoff := s.now().Add(-maxIdle).UTC().UnixMilli()
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND last_activity < ?
		ORDER BY last_activity
	`, string(StateRunning), cutoff)
}

func (s *SQLiteStore) FindResumable(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND cp_at IS NOT NULL
		ORDER BY last_activity DESC
	`, string(StatePaused))
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByState: make(map[State]int, len(AllStates))}
	for _, state := range AllStates {
		st.ByState[state] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		st.ByState[state] = n
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE error != ''`).Scan(&st.Errors); err != nil {
		return nil, fmt.Errorf("count errors: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(completed_at - started_at) FROM jobs
		WHERE state = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL
	`, string(StateCompleted)).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		st.AvgCompletedMilli = int64(avg.Float64)
	}
	return st, nil
}

func (s *SQLiteStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN (?, ?, ?)
		AND last_activity < ?
	`, string(StateCompleted), string(StateFailed), string(StateCancelled), before.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func buildWhere(q Query) (string, []any) {
	var clauses []string
	var args []any

	if q.OwnerID != "" {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, q.OwnerID)
	}
	if len(q.States) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(q.States)), ",")
		clauses = append(clauses, "state IN ("+marks+")")
		for _, st := range q.States {
			args = append(args, string(st))
		}
	}
	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, q.Type)
	}
	if !q.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, q.CreatedAfter.UTC().UnixMilli())
	}
	if !q.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, q.CreatedBefore.UTC().UnixMilli())
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	j := &Job{}
	var (
		input, cpOutput, cpMeta, result  sql.NullString
		cpSeq, cpAt                      sql.NullInt64
		createdAt, lastActivity          int64
		startedAt, completedAt, failedAt sql.NullInt64
	)

	err := sc.Scan(
		&j.ID, &j.OwnerID, &j.Type, &input, &j.State, &j.Progress, &j.Step,
		&cpSeq, &cpOutput, &cpMeta, &cpAt,
		&result, &j.Error, &j.CallbackURL, &createdAt, &startedAt, &completedAt, &failedAt, &lastActivity,
	)
	if err != nil {
		return nil, err
	}

	if input.Valid {
		j.Input = json.RawMessage(input.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if cpAt.Valid {
		j.Checkpoint = &Checkpoint{
			Sequence:      cpSeq.Int64,
			PartialOutput: cpOutput.String,
			Timestamp:     fromMillis(cpAt.Int64),
		}
		if cpMeta.Valid {
			j.Checkpoint.Metadata = json.RawMessage(cpMeta.String)
		}
	}
	j.CreatedAt = fromMillis(createdAt)
	j.LastActivity = fromMillis(lastActivity)
	j.StartedAt = optionalTime(startedAt)
	j.CompletedAt = optionalTime(completedAt)
	j.FailedAt = optionalTime(failedAt)
	return j, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optionalTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// nullableJSON returns nil if b is empty, otherwise returns the raw bytes as a string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
