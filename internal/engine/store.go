package engine

import (
	"context"
	"time"

	"github.com/pitabwire/flowline/model"
)

// Store persists flow instances, tasks, form values, and activity logs.
//
// Every state-changing engine operation runs inside ExecTx: either all of its
// writes become durable together, or none do. Reads outside ExecTx see the
// latest committed state.
type Store interface {
	// ExecTx runs fn inside a single transaction, committing if fn returns
	// nil and rolling every write back otherwise.
	ExecTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetInstance retrieves a flow instance by ID. Returns FLOW_NOT_FOUND
	// if absent.
	GetInstance(ctx context.Context, instanceID string) (model.FlowInstance, error)

	// ListInstances returns instances matching the filters, newest first.
	ListInstances(ctx context.Context, filters Filters) ([]model.FlowInstance, error)

	// TasksForInstance returns all tasks of an instance, oldest first.
	TasksForInstance(ctx context.Context, instanceID string) ([]model.TaskInstance, error)

	// PendingTasksForAssignee returns a user's pending tasks, oldest first.
	PendingTasksForAssignee(ctx context.Context, userID string) ([]model.TaskInstance, error)

	// ValuesForTask returns the form values recorded for a task.
	ValuesForTask(ctx context.Context, taskID string) ([]model.FormDataValue, error)

	// LogsForInstance returns an instance's activity trail, newest first
	// (created_at descending, ID as tiebreak).
	LogsForInstance(ctx context.Context, instanceID string) ([]model.ActivityLog, error)

	// StallCandidates returns active instances whose pending task was
	// assigned before the cutoff.
	StallCandidates(ctx context.Context, cutoff time.Time) ([]model.FlowInstance, error)

	// DeleteByTemplate removes all instances of a template together with
	// their tasks, values, and logs. Administrative; not on the hot path.
	DeleteByTemplate(ctx context.Context, templateID string) error
}

// Tx is the transactional write surface handed to ExecTx callbacks.
//
// GetTaskForUpdate / GetInstanceForUpdate acquire row-level locks (or the
// store-wide equivalent) so that two racing completions of the same task
// serialize: one wins, the other observes the already-resolved status.
// Writers must lock the instance row before any of its task rows; task
// commands first read the task without a lock to learn its instance.
type Tx interface {
	// GetTask reads a task without locking it. Returns TASK_NOT_FOUND
	// if absent.
	GetTask(ctx context.Context, taskID string) (model.TaskInstance, error)

	GetTaskForUpdate(ctx context.Context, taskID string) (model.TaskInstance, error)
	GetInstanceForUpdate(ctx context.Context, instanceID string) (model.FlowInstance, error)

	// GetPendingTaskForUpdate locks and returns the instance's single
	// pending task. Returns TASK_NOT_FOUND if none is pending.
	GetPendingTaskForUpdate(ctx context.Context, instanceID string) (model.TaskInstance, error)

	CreateInstance(ctx context.Context, inst model.FlowInstance) error

	// UpdateInstance persists an updated instance with optimistic locking
	// on Version. Returns CONFLICT if the stored version has moved.
	UpdateInstance(ctx context.Context, inst model.FlowInstance) error

	CreateTask(ctx context.Context, task model.TaskInstance) error

	// CompleteTask transitions a task pending→completed. Returns
	// TASK_ALREADY_RESOLVED if the task is no longer pending.
	CompleteTask(ctx context.Context, taskID string, at time.Time) error

	// RejectTask transitions a task pending→rejected. Returns
	// TASK_ALREADY_RESOLVED if the task is no longer pending.
	RejectTask(ctx context.Context, taskID string, at time.Time) error

	// ReassignTask changes the assignee of a pending task.
	ReassignTask(ctx context.Context, taskID, assigneeID string) error

	InsertValue(ctx context.Context, v model.FormDataValue) error
	AppendLog(ctx context.Context, l model.ActivityLog) error
}

// Filters are optional criteria for listing flow instances.
type Filters struct {
	Status     string
	TemplateID string
	Limit      int
	Offset     int
}
