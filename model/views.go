package model

import "time"

// FlowDetail is the full read projection of one flow instance: the instance
// itself plus names and emails resolved from the template and the user
// directory, elapsed wall-clock time, all tasks, and the activity trail
// (newest first).
type FlowDetail struct {
	FlowInstance
	TemplateName         string        `json:"template_name"`
	CurrentStageName     string        `json:"current_stage_name,omitempty"`
	CurrentAssigneeEmail string        `json:"current_assignee_email,omitempty"`
	InitiatorEmail       string        `json:"initiator_email"`
	ElapsedSeconds       int64         `json:"elapsed_seconds"`
	Tasks                []TaskDetail  `json:"tasks"`
	Activity             []ActivityLog `json:"activity"`
}

// FlowSummary is FlowDetail minus tasks and activity, for list views.
type FlowSummary struct {
	FlowInstance
	TemplateName         string `json:"template_name"`
	CurrentStageName     string `json:"current_stage_name,omitempty"`
	CurrentAssigneeEmail string `json:"current_assignee_email,omitempty"`
	InitiatorEmail       string `json:"initiator_email"`
	ElapsedSeconds       int64  `json:"elapsed_seconds"`
}

// TaskDetail is a task enriched with its stage name, assignee email, and the
// form values submitted when it completed.
type TaskDetail struct {
	TaskInstance
	StageName     string          `json:"stage_name"`
	AssigneeEmail string          `json:"assignee_email,omitempty"`
	Values        []FormDataValue `json:"values,omitempty"`
}

// TaskSummary is one entry in a user's "my tasks" view: a pending task with
// enough flow context to act on it. ElapsedSeconds counts from the flow's
// start, not the task's assignment.
type TaskSummary struct {
	ID             string    `json:"id"`
	FlowInstanceID string    `json:"flow_instance_id"`
	FlowTitle      string    `json:"flow_title"`
	TemplateName   string    `json:"template_name"`
	StageID        string    `json:"stage_id"`
	StageName      string    `json:"stage_name"`
	AssigneeID     string    `json:"assignee_id"`
	AssignedAt     time.Time `json:"assigned_at"`
	ElapsedSeconds int64     `json:"elapsed_seconds"`
}
