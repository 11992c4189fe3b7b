package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stateflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- Workflows ---

const workflowColumns = `id, name, description, version, status, definition, timeout_sec, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowActive
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), wf.Version, string(wf.Status),
		string(def), wf.TimeoutSec, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow named %q already exists", wf.Name).WithCause(err)
	}
	return err
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		desc    sql.NullString
		defJSON string
		status  string
	)
	if err := row.Scan(&wf.ID, &wf.Name, &desc, &wf.Version, &status, &defJSON,
		&wf.TimeoutSec, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) GetWorkflowByName(ctx context.Context, name string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", name)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) (*Workflow, error) {
	var sets []string
	var args []any

	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Definition != nil {
		def, err := json.Marshal(update.Definition)
		if err != nil {
			return nil, fmt.Errorf("marshal definition: %w", err)
		}
		sets = append(sets, "definition = ?", "version = version + 1")
		args = append(args, string(def))
	}
	if update.TimeoutSec != nil {
		sets = append(sets, "timeout_sec = ?")
		args = append(args, *update.TimeoutSec)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC(), id)

		query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		if err := checkRowsAffected(res, "workflow", id); err != nil {
			return nil, err
		}
	}
	return s.GetWorkflow(ctx, id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, name" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

const executionColumns = `id, workflow_id, workflow_name, workflow_version, definition, status, input, output,
	error, error_code, current_state, started_at, completed_at, timeout_at,
	paused_at_state, paused_input, paused_at, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	def, err := json.Marshal(exec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.WorkflowName, exec.WorkflowVersion, string(def),
		string(exec.Status), nullRaw(exec.Input), nullRaw(exec.Output),
		nullStr(exec.Error), nullStr(exec.ErrorCode), nullStr(exec.CurrentState),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), nullTime(exec.TimeoutAt),
		nullStr(exec.PausedAtState), nullRaw(exec.PausedInput), nullTime(exec.PausedAt),
		exec.CreatedAt, exec.UpdatedAt,
	)
	return err
}

func scanExecution(row rowScanner) (*WorkflowExecution, error) {
	e := &WorkflowExecution{}
	var (
		defJSON, status                         string
		input, output, pausedInput              sql.NullString
		errMsg, errCode, current, pausedAtState sql.NullString
		startedAt, completedAt, timeoutAt       sql.NullTime
		pausedAt                                sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.WorkflowName, &e.WorkflowVersion, &defJSON, &status,
		&input, &output, &errMsg, &errCode, &current, &startedAt, &completedAt, &timeoutAt,
		&pausedAtState, &pausedInput, &pausedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &e.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	e.Status = schema.ExecutionStatus(status)
	e.Input = rawOrNil(input)
	e.Output = rawOrNil(output)
	e.Error = errMsg.String
	e.ErrorCode = errCode.String
	e.CurrentState = current.String
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	e.TimeoutAt = timePtr(timeoutAt)
	e.PausedAtState = pausedAtState.String
	e.PausedInput = rawOrNil(pausedInput)
	e.PausedAt = timePtr(pausedAt)
	return e, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return e, err
}

// UpdateExecution applies update unless the execution is already terminal,
// in which case it fails with CONFLICT.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.Output != nil {
		set("output", string(update.Output))
	}
	if update.Error != nil {
		set("error", nullStr(*update.Error))
	}
	if update.ErrorCode != nil {
		set("error_code", nullStr(*update.ErrorCode))
	}
	if update.CurrentState != nil {
		set("current_state", nullStr(*update.CurrentState))
	}
	if update.StartedAt != nil {
		set("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		set("completed_at", *update.CompletedAt)
	}
	if update.TimeoutAt != nil {
		set("timeout_at", *update.TimeoutAt)
	}
	if update.ClearPause {
		sets = append(sets, "paused_at_state = NULL", "paused_input = NULL", "paused_at = NULL")
	} else {
		if update.PausedAtState != nil {
			set("paused_at_state", nullStr(*update.PausedAtState))
		}
		if update.PausedInput != nil {
			set("paused_input", string(update.PausedInput))
		}
		if update.PausedAt != nil {
			set("paused_at", *update.PausedAt)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	set("updated_at", time.Now().UTC())
	args = append(args, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM workflow_executions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	if schema.ExecutionStatus(status).IsTerminal() {
		return terminalConflict(id, status)
	}

	query := fmt.Sprintf("UPDATE workflow_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + executionColumns + " FROM workflow_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- State executions ---

const stateColumns = `seq, id, execution_id, parent_id, branch_index, state_name, state_type, status,
	input, output, error, error_code, retry_count, invocation_id, started_at, completed_at, created_at`

func (s *LibSQLStore) CreateStateExecution(ctx context.Context, rec *StateExecution) error {
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	var branch any
	if rec.BranchIndex != nil {
		branch = *rec.BranchIndex
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO state_executions (id, execution_id, parent_id, branch_index, state_name, state_type, status,
			input, output, error, error_code, retry_count, invocation_id, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExecutionID, nullStr(rec.ParentID), branch, rec.StateName, string(rec.StateType),
		string(rec.Status), nullRaw(rec.Input), nullRaw(rec.Output), nullStr(rec.Error),
		nullStr(rec.ErrorCode), rec.RetryCount, nullStr(rec.InvocationID),
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), rec.CreatedAt,
	)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		rec.Seq = seq
	}
	return nil
}

// UpdateStateExecution updates a record that is still running. Concluded
// records are immutable and fail with CONFLICT.
func (s *LibSQLStore) UpdateStateExecution(ctx context.Context, id string, update StateExecutionUpdate) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.Output != nil {
		set("output", string(update.Output))
	}
	if update.Error != nil {
		set("error", nullStr(*update.Error))
	}
	if update.ErrorCode != nil {
		set("error_code", nullStr(*update.ErrorCode))
	}
	if update.RetryCount != nil {
		set("retry_count", *update.RetryCount)
	}
	if update.InvocationID != nil {
		set("invocation_id", nullStr(*update.InvocationID))
	}
	if update.CompletedAt != nil {
		set("completed_at", *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id, string(schema.StateRunning))

	query := fmt.Sprintf("UPDATE state_executions SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM state_executions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("state execution", id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "state execution %q is %s and can no longer change", id, status)
}

func (s *LibSQLStore) ListStateExecutions(ctx context.Context, executionID string) ([]*StateExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM state_executions WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StateExecution
	for rows.Next() {
		r := &StateExecution{}
		var (
			parentID, input, output, errMsg, errCode, invocationID sql.NullString
			branch                                                 sql.NullInt64
			stateType, status                                      string
			startedAt, completedAt                                 sql.NullTime
		)
		if err := rows.Scan(&r.Seq, &r.ID, &r.ExecutionID, &parentID, &branch, &r.StateName, &stateType, &status,
			&input, &output, &errMsg, &errCode, &r.RetryCount, &invocationID, &startedAt, &completedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ParentID = parentID.String
		if branch.Valid {
			r.BranchIndex = ptr(int(branch.Int64))
		}
		r.StateType = schema.StateType(stateType)
		r.Status = schema.StateStatus(status)
		r.Input = rawOrNil(input)
		r.Output = rawOrNil(output)
		r.Error = errMsg.String
		r.ErrorCode = errCode.String
		r.InvocationID = invocationID.String
		r.StartedAt = timePtr(startedAt)
		r.CompletedAt = timePtr(completedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Breakpoints ---

// UpsertBreakpoint inserts the breakpoint or re-enables the existing one for
// the same (execution, state). bp.ID is set to the stored row's id.
func (s *LibSQLStore) UpsertBreakpoint(ctx context.Context, bp *Breakpoint) error {
	bp.CreatedAt = timeOrNow(bp.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_breakpoints (id, execution_id, before_state, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, before_state) DO UPDATE SET enabled = excluded.enabled`,
		bp.ID, bp.ExecutionID, bp.BeforeState, bp.Enabled, bp.CreatedAt,
	)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM execution_breakpoints WHERE execution_id = ? AND before_state = ?`,
		bp.ExecutionID, bp.BeforeState,
	).Scan(&bp.ID, &bp.CreatedAt)
}

func (s *LibSQLStore) ListBreakpoints(ctx context.Context, executionID string) ([]*Breakpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, before_state, enabled, created_at FROM execution_breakpoints
		 WHERE execution_id = ? ORDER BY created_at, before_state`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Breakpoint
	for rows.Next() {
		bp := &Breakpoint{}
		if err := rows.Scan(&bp.ID, &bp.ExecutionID, &bp.BeforeState, &bp.Enabled, &bp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteBreakpoint(ctx context.Context, executionID, beforeState string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_breakpoints WHERE execution_id = ? AND before_state = ?`, executionID, beforeState)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "breakpoint", executionID+"/"+beforeState)
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces
	// the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, state, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.State), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, state, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`, executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, state, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp, id" + limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var state, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &state, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.State = state.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled jobs ---

const jobColumns = `id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, job.CronExpression, nullRaw(job.Input), job.Enabled,
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), job.CreatedAt,
	)
	return err
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var (
		input, lastStatus sql.NullString
		lastRun, nextRun  sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.WorkflowID, &j.CronExpression, &input, &j.Enabled,
		&lastRun, &nextRun, &lastStatus, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Input = rawOrNil(input)
	j.LastRunAt = timePtr(lastRun)
	j.NextRunAt = timePtr(nextRun)
	j.LastRunStatus = lastStatus.String
	return j, nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	return j, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := "SELECT " + jobColumns + " FROM scheduled_jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id" + limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func terminalConflict(id, status string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s and can no longer change", id, status)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
