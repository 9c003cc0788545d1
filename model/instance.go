package model

import "time"

// Flow instance status constants.
const (
	FlowStatusActive     = "active"
	FlowStatusCompleted  = "completed"
	FlowStatusStalled    = "stalled"
	FlowStatusTerminated = "terminated"
)

// Task instance status constants.
const (
	TaskStatusPending   = "pending"
	TaskStatusCompleted = "completed"
	TaskStatusRejected  = "rejected"
)

// Activity log entry types.
const (
	ActivityFlowStarted    = "flow_started"
	ActivityStageCompleted = "stage_completed"
	ActivityStageRejected  = "stage_rejected"
	ActivityTaskAssigned   = "task_assigned"
	ActivityTaskReassigned = "task_reassigned"
	ActivityFlowCompleted  = "flow_completed"
	ActivityFlowTerminated = "flow_terminated"
	ActivityFlowStalled    = "flow_stalled"
)

// FlowInstance is one running execution of a flow template.
//
// CurrentStageID and CurrentAssigneeID are non-empty exactly while the
// instance is active or stalled; they mirror the single pending task for
// fast lookup. CompletedAt is set exactly when the instance reaches a
// terminal status (completed or terminated).
type FlowInstance struct {
	ID                string     `json:"id"`
	TemplateID        string     `json:"template_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Status            string     `json:"status"`
	CurrentStageID    string     `json:"current_stage_id,omitempty"`
	CurrentAssigneeID string     `json:"current_assignee_id,omitempty"`
	InitiatorID       string     `json:"initiator_id"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Version           int        `json:"version"`
}

// Open reports whether the instance still has work in flight.
func (f *FlowInstance) Open() bool {
	return f.Status == FlowStatusActive || f.Status == FlowStatusStalled
}

// TaskInstance is the concrete unit of work for one stage within one flow
// instance. A flow instance has at most one pending task at any time.
type TaskInstance struct {
	ID             string     `json:"id"`
	FlowInstanceID string     `json:"flow_instance_id"`
	StageID        string     `json:"stage_id"`
	AssigneeID     string     `json:"assignee_id"`
	Status         string     `json:"status"`
	AssignedAt     time.Time  `json:"assigned_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// FormDataValue is one submitted value for one form field, recorded when its
// owning task completes. Immutable thereafter; at most one per (task, field).
type FormDataValue struct {
	ID             string    `json:"id"`
	TaskInstanceID string    `json:"task_instance_id"`
	FormFieldID    string    `json:"form_field_id"`
	Value          any       `json:"value"`
	CreatedAt      time.Time `json:"created_at"`
}

// ActivityLog is one append-only audit trail entry for a flow instance.
// ActorID is empty for system-generated entries (e.g. stall detection).
type ActivityLog struct {
	ID             string         `json:"id"`
	FlowInstanceID string         `json:"flow_instance_id"`
	Type           string         `json:"type"`
	ActorID        string         `json:"actor_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
