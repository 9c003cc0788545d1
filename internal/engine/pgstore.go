package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowline/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Transactions rely on row
// locks (SELECT ... FOR UPDATE) plus guarded status transitions, so two racing
// completions of the same task serialize at the database.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL execution store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const instanceColumns = `id, template_id, title, description, status,
	current_stage_id, current_assignee_id, initiator_id,
	started_at, completed_at, created_at, updated_at, version`

const taskColumns = `id, flow_instance_id, stage_id, assignee_id, status,
	assigned_at, completed_at, created_at, updated_at`

// ExecTx runs fn inside a single database transaction.
func (s *PgStore) ExecTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	dbTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbTx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: dbTx}); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetInstance retrieves a flow instance by ID.
func (s *PgStore) GetInstance(ctx context.Context, instanceID string) (model.FlowInstance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM flow_instances WHERE id = $1`, instanceID)
	return scanInstance(row, instanceID)
}

// ListInstances returns instances matching the filters, newest first.
func (s *PgStore) ListInstances(ctx context.Context, filters Filters) ([]model.FlowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM flow_instances WHERE 1=1`
	args := []any{}
	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.TemplateID != "" {
		args = append(args, filters.TemplateID)
		query += fmt.Sprintf(" AND template_id = $%d", len(args))
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flow instances: %w", err)
	}
	defer rows.Close()

	var out []model.FlowInstance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// TasksForInstance returns all tasks of an instance, oldest first.
func (s *PgStore) TasksForInstance(ctx context.Context, instanceID string) ([]model.TaskInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM task_instances
		 WHERE flow_instance_id = $1 ORDER BY created_at ASC, id ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// PendingTasksForAssignee returns a user's pending tasks, oldest first.
func (s *PgStore) PendingTasksForAssignee(ctx context.Context, userID string) ([]model.TaskInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM task_instances
		 WHERE assignee_id = $1 AND status = $2
		 ORDER BY assigned_at ASC, id ASC`, userID, model.TaskStatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ValuesForTask returns the form values recorded for a task.
func (s *PgStore) ValuesForTask(ctx context.Context, taskID string) ([]model.FormDataValue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_instance_id, form_field_id, value, created_at
		 FROM form_data_values WHERE task_instance_id = $1
		 ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query form values: %w", err)
	}
	defer rows.Close()

	var out []model.FormDataValue
	for rows.Next() {
		var v model.FormDataValue
		var valueJSON []byte
		if err := rows.Scan(&v.ID, &v.TaskInstanceID, &v.FormFieldID, &valueJSON, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan form value: %w", err)
		}
		if valueJSON != nil {
			if err := json.Unmarshal(valueJSON, &v.Value); err != nil {
				return nil, fmt.Errorf("unmarshal form value: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LogsForInstance returns an instance's activity trail, newest first.
func (s *PgStore) LogsForInstance(ctx context.Context, instanceID string) ([]model.ActivityLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, flow_instance_id, type, actor_id, details, created_at
		 FROM activity_logs WHERE flow_instance_id = $1
		 ORDER BY created_at DESC, id DESC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query activity logs: %w", err)
	}
	defer rows.Close()

	var out []model.ActivityLog
	for rows.Next() {
		var l model.ActivityLog
		var detailsJSON []byte
		if err := rows.Scan(&l.ID, &l.FlowInstanceID, &l.Type, &l.ActorID, &detailsJSON, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity log: %w", err)
		}
		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &l.Details); err != nil {
				return nil, fmt.Errorf("unmarshal log details: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// StallCandidates returns active instances whose pending task was assigned
// before the cutoff.
func (s *PgStore) StallCandidates(ctx context.Context, cutoff time.Time) ([]model.FlowInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+qualifiedInstanceColumns("i")+`
		 FROM flow_instances i
		 JOIN task_instances t ON t.flow_instance_id = i.id AND t.status = $1
		 WHERE i.status = $2 AND t.assigned_at < $3
		 ORDER BY i.id ASC`,
		model.TaskStatusPending, model.FlowStatusActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stall candidates: %w", err)
	}
	defer rows.Close()

	var out []model.FlowInstance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// DeleteByTemplate removes all instances of a template together with their
// tasks, values, and logs. Child rows cascade via foreign keys.
func (s *PgStore) DeleteByTemplate(ctx context.Context, templateID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM flow_instances WHERE template_id = $1`, templateID)
	if err != nil {
		return fmt.Errorf("delete instances by template: %w", err)
	}
	return nil
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetTask(ctx context.Context, taskID string) (model.TaskInstance, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM task_instances WHERE id = $1`, taskID)
	return scanTask(row, taskID)
}

func (t *pgTx) GetTaskForUpdate(ctx context.Context, taskID string) (model.TaskInstance, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM task_instances WHERE id = $1 FOR UPDATE`, taskID)
	return scanTask(row, taskID)
}

func (t *pgTx) GetInstanceForUpdate(ctx context.Context, instanceID string) (model.FlowInstance, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM flow_instances WHERE id = $1 FOR UPDATE`, instanceID)
	return scanInstance(row, instanceID)
}

func (t *pgTx) GetPendingTaskForUpdate(ctx context.Context, instanceID string) (model.TaskInstance, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM task_instances
		 WHERE flow_instance_id = $1 AND status = $2 FOR UPDATE`,
		instanceID, model.TaskStatusPending)

	var task model.TaskInstance
	err := row.Scan(
		&task.ID, &task.FlowInstanceID, &task.StageID, &task.AssigneeID, &task.Status,
		&task.AssignedAt, &task.CompletedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.TaskInstance{}, model.Errorf(model.ErrTaskNotFound,
			"no pending task for flow instance %q", instanceID)
	}
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("query pending task: %w", err)
	}
	return task, nil
}

func (t *pgTx) CreateInstance(ctx context.Context, inst model.FlowInstance) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO flow_instances (
			id, template_id, title, description, status,
			current_stage_id, current_assignee_id, initiator_id,
			started_at, completed_at, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inst.ID, inst.TemplateID, inst.Title, inst.Description, inst.Status,
		inst.CurrentStageID, inst.CurrentAssigneeID, inst.InitiatorID,
		inst.StartedAt, inst.CompletedAt, inst.CreatedAt, inst.UpdatedAt, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("insert flow instance: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateInstance(ctx context.Context, inst model.FlowInstance) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE flow_instances SET
			status = $1,
			current_stage_id = $2,
			current_assignee_id = $3,
			completed_at = $4,
			updated_at = $5,
			version = $6
		WHERE id = $7 AND version = $8`,
		inst.Status, inst.CurrentStageID, inst.CurrentAssigneeID,
		inst.CompletedAt, inst.UpdatedAt, inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update flow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("flow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

func (t *pgTx) CreateTask(ctx context.Context, task model.TaskInstance) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO task_instances (
			id, flow_instance_id, stage_id, assignee_id, status,
			assigned_at, completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, task.FlowInstanceID, task.StageID, task.AssigneeID, task.Status,
		task.AssignedAt, task.CompletedAt, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task instance: %w", err)
	}
	return nil
}

func (t *pgTx) CompleteTask(ctx context.Context, taskID string, at time.Time) error {
	return t.resolveTask(ctx, taskID, model.TaskStatusCompleted, at)
}

func (t *pgTx) RejectTask(ctx context.Context, taskID string, at time.Time) error {
	return t.resolveTask(ctx, taskID, model.TaskStatusRejected, at)
}

// resolveTask transitions a task out of pending with a guarded update: the
// WHERE clause only matches a still-pending row, so a lost race surfaces as
// TASK_ALREADY_RESOLVED instead of a silent double write.
func (t *pgTx) resolveTask(ctx context.Context, taskID, status string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE task_instances SET status = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4`,
		status, at, taskID, model.TaskStatusPending,
	)
	if err != nil {
		return fmt.Errorf("resolve task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Errorf(model.ErrTaskAlreadyResolved, "task %q is no longer pending", taskID)
	}
	return nil
}

func (t *pgTx) ReassignTask(ctx context.Context, taskID, assigneeID string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE task_instances SET assignee_id = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		assigneeID, time.Now().UTC(), taskID, model.TaskStatusPending,
	)
	if err != nil {
		return fmt.Errorf("reassign task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Errorf(model.ErrTaskAlreadyResolved, "task %q is no longer pending", taskID)
	}
	return nil
}

func (t *pgTx) InsertValue(ctx context.Context, v model.FormDataValue) error {
	valueJSON, err := json.Marshal(v.Value)
	if err != nil {
		return fmt.Errorf("marshal form value: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO form_data_values (id, task_instance_id, form_field_id, value, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.TaskInstanceID, v.FormFieldID, valueJSON, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert form value: %w", err)
	}
	return nil
}

func (t *pgTx) AppendLog(ctx context.Context, l model.ActivityLog) error {
	detailsJSON, err := json.Marshal(l.Details)
	if err != nil {
		return fmt.Errorf("marshal log details: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO activity_logs (id, flow_instance_id, type, actor_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.FlowInstanceID, l.Type, l.ActorID, detailsJSON, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity log: %w", err)
	}
	return nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner, instanceID string) (model.FlowInstance, error) {
	inst, err := scanInstanceRow(row)
	if err == pgx.ErrNoRows {
		return model.FlowInstance{}, model.Errorf(model.ErrFlowNotFound,
			"flow instance %q not found", instanceID)
	}
	if err != nil {
		return model.FlowInstance{}, err
	}
	return inst, nil
}

func scanInstanceRow(row rowScanner) (model.FlowInstance, error) {
	var inst model.FlowInstance
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.Title, &inst.Description, &inst.Status,
		&inst.CurrentStageID, &inst.CurrentAssigneeID, &inst.InitiatorID,
		&inst.StartedAt, &inst.CompletedAt, &inst.CreatedAt, &inst.UpdatedAt, &inst.Version,
	)
	if err == pgx.ErrNoRows {
		return model.FlowInstance{}, err
	}
	if err != nil {
		return model.FlowInstance{}, fmt.Errorf("scan flow instance: %w", err)
	}
	return inst, nil
}

func scanTask(row rowScanner, taskID string) (model.TaskInstance, error) {
	var task model.TaskInstance
	err := row.Scan(
		&task.ID, &task.FlowInstanceID, &task.StageID, &task.AssigneeID, &task.Status,
		&task.AssignedAt, &task.CompletedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.TaskInstance{}, model.Errorf(model.ErrTaskNotFound, "task %q not found", taskID)
	}
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("scan task instance: %w", err)
	}
	return task, nil
}

func collectTasks(rows pgx.Rows) ([]model.TaskInstance, error) {
	var out []model.TaskInstance
	for rows.Next() {
		var task model.TaskInstance
		if err := rows.Scan(
			&task.ID, &task.FlowInstanceID, &task.StageID, &task.AssigneeID, &task.Status,
			&task.AssignedAt, &task.CompletedAt, &task.CreatedAt, &task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// qualifiedInstanceColumns prefixes the instance column list with a table
// alias for joined queries.
func qualifiedInstanceColumns(alias string) string {
	return alias + `.id, ` + alias + `.template_id, ` + alias + `.title, ` +
		alias + `.description, ` + alias + `.status, ` +
		alias + `.current_stage_id, ` + alias + `.current_assignee_id, ` +
		alias + `.initiator_id, ` + alias + `.started_at, ` + alias + `.completed_at, ` +
		alias + `.created_at, ` + alias + `.updated_at, ` + alias + `.version`
}
