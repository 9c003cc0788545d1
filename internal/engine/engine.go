// Package engine implements the flow execution state machine: it instantiates
// flow templates into running instances, routes each instance through its
// linear chain of tasks, records form submissions, and appends the activity
// trail. Every command runs as one atomic transaction against the Store.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/flowline/internal/identity"
	"github.com/pitabwire/flowline/internal/observability"
	"github.com/pitabwire/flowline/model"
)

var tracer = otel.Tracer("github.com/pitabwire/flowline/internal/engine")

// TemplateSource provides read-only template snapshots. The engine loads a
// template once per operation and passes it by value into the resolver and
// sequencer; it never mutates template structure.
type TemplateSource interface {
	Get(ctx context.Context, templateID string) (model.FlowTemplate, error)
}

// Engine executes flow instances. It is stateless between calls; all shared
// state lives in the Store.
type Engine struct {
	store     Store
	templates TemplateSource
	users     identity.Directory
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics instruments the engine records into.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a flow execution engine.
func New(store Store, templates TemplateSource, users identity.Directory, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		templates: templates,
		users:     users,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartFlowRequest carries the parameters of a StartFlow command.
type StartFlowRequest struct {
	TemplateID  string
	Title       string
	Description string
}

// StartFlow instantiates a template into a running flow: it creates the
// instance, the pending task for the first stage, and the flow_started
// activity entry, all in one transaction.
func (e *Engine) StartFlow(ctx context.Context, rctx *model.RequestContext, req StartFlowRequest) (model.FlowDetail, error) {
	ctx, span := tracer.Start(ctx, "engine.StartFlow",
		trace.WithAttributes(observability.AttrTemplateID.String(req.TemplateID)))
	defer span.End()

	if req.Title == "" {
		return model.FlowDetail{}, model.NewBadRequestError("title is required")
	}

	// 1. Load the template snapshot.
	tpl, err := e.templates.Get(ctx, req.TemplateID)
	if err != nil {
		return model.FlowDetail{}, err
	}
	if !tpl.Active {
		return model.FlowDetail{}, model.Errorf(model.ErrTemplateInactive,
			"flow template %q is not active", tpl.Name)
	}

	// 2. Determine the first stage.
	first := FirstStage(&tpl)
	if first == nil {
		return model.FlowDetail{}, model.Errorf(model.ErrNoStagesDefined,
			"flow template %q has no stages defined", tpl.Name)
	}

	// 3. Resolve the first assignee against the initiating user.
	initiator, err := e.users.Get(ctx, rctx.UserID)
	if err != nil {
		return model.FlowDetail{}, model.NewUnauthorizedError("initiating user is not known to the directory")
	}
	assignee, err := ResolveAssignee(ctx, first, &tpl, initiator, e.users)
	if err != nil {
		return model.FlowDetail{}, err
	}

	// 4. Create instance, first task, and flow_started entry together.
	now := time.Now().UTC()
	inst := model.FlowInstance{
		ID:                uuid.New().String(),
		TemplateID:        tpl.ID,
		Title:             req.Title,
		Description:       req.Description,
		Status:            model.FlowStatusActive,
		CurrentStageID:    first.ID,
		CurrentAssigneeID: assignee.ID,
		InitiatorID:       initiator.ID,
		StartedAt:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
	task := model.TaskInstance{
		ID:             uuid.New().String(),
		FlowInstanceID: inst.ID,
		StageID:        first.ID,
		AssigneeID:     assignee.ID,
		Status:         model.TaskStatusPending,
		AssignedAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = e.store.ExecTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.CreateInstance(ctx, inst); err != nil {
			return err
		}
		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		return tx.AppendLog(ctx, newLog(inst.ID, model.ActivityFlowStarted, initiator.ID, map[string]any{
			"template_name":        tpl.Name,
			"first_stage_name":     first.Name,
			"first_assignee_email": assignee.Email,
		}))
	})
	if err != nil {
		return model.FlowDetail{}, err
	}

	if e.metrics != nil {
		e.metrics.FlowStartsTotal.WithLabelValues(tpl.ID).Inc()
	}
	e.logger.Info("flow started",
		zap.String("flow_instance_id", inst.ID),
		zap.String("template_id", tpl.ID),
		zap.String("initiator_id", initiator.ID),
		zap.String("first_assignee_id", assignee.ID),
	)

	return e.buildDetail(ctx, inst.ID)
}

// CompleteTask completes a pending task with the submitted form values and
// advances the flow: either a new pending task is created for the next stage,
// or the flow finishes. The whole operation commits atomically; an
// unresolvable next-stage assignee rolls back the completion itself.
func (e *Engine) CompleteTask(ctx context.Context, rctx *model.RequestContext, taskID string, values map[string]any) (model.FlowDetail, string, error) {
	ctx, span := tracer.Start(ctx, "engine.CompleteTask",
		trace.WithAttributes(observability.AttrTaskID.String(taskID)))
	defer span.End()

	var (
		instanceID string
		templateID string
		message    string
		finished   bool
	)

	err := e.store.ExecTx(ctx, func(ctx context.Context, tx Tx) error {
		// 1. Find the task's flow, then lock the instance before the
		// task. TerminateFlow and the stall sweep take rows in the same
		// order, so competing writers queue instead of deadlocking.
		ref, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		inst, err := tx.GetInstanceForUpdate(ctx, ref.FlowInstanceID)
		if err != nil {
			return err
		}
		task, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		instanceID = inst.ID
		templateID = inst.TemplateID

		// 2. Authorization: only the assignee may complete the task.
		if task.AssigneeID != rctx.UserID {
			return model.NewError(model.ErrNotAssignee, "you are not assigned to this task")
		}

		// 3. State check: a second completion attempt is rejected, not
		// silently accepted.
		if task.Status != model.TaskStatusPending {
			return model.Errorf(model.ErrTaskAlreadyResolved, "task is already %s", task.Status)
		}

		// 4. Validate the submission against the stage's form fields.
		tpl, err := e.templates.Get(ctx, inst.TemplateID)
		if err != nil {
			return err
		}
		stage := tpl.StageByID(task.StageID)
		if stage == nil {
			return model.NewInternalError()
		}
		if err := validateSubmission(stage, values); err != nil {
			return err
		}

		// 5. Persist one value per supplied field, in declared field order.
		now := time.Now().UTC()
		for i := range stage.Fields {
			f := &stage.Fields[i]
			v, ok := values[f.ID]
			if !ok {
				continue
			}
			err := tx.InsertValue(ctx, model.FormDataValue{
				ID:             uuid.New().String(),
				TaskInstanceID: task.ID,
				FormFieldID:    f.ID,
				Value:          v,
				CreatedAt:      now,
			})
			if err != nil {
				return err
			}
		}

		// 6. Mark the task completed.
		if err := tx.CompleteTask(ctx, task.ID, now); err != nil {
			return err
		}

		// 7. Advance or finish.
		next := NextStage(&tpl, stage)
		if next != nil {
			// Assignee resolution runs against the flow's ORIGINAL
			// initiator, not the completing actor.
			initiator, err := e.users.Get(ctx, inst.InitiatorID)
			if err != nil {
				return model.Errorf(model.ErrAssigneeUnresolvable,
					"flow initiator %q no longer exists", inst.InitiatorID)
			}
			assignee, err := ResolveAssignee(ctx, next, &tpl, initiator, e.users)
			if err != nil {
				return err
			}

			nextTask := model.TaskInstance{
				ID:             uuid.New().String(),
				FlowInstanceID: inst.ID,
				StageID:        next.ID,
				AssigneeID:     assignee.ID,
				Status:         model.TaskStatusPending,
				AssignedAt:     now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.CreateTask(ctx, nextTask); err != nil {
				return err
			}

			inst.CurrentStageID = next.ID
			inst.CurrentAssigneeID = assignee.ID
			inst.Status = model.FlowStatusActive // resumes a stalled flow
			inst.UpdatedAt = now
			if err := tx.UpdateInstance(ctx, inst); err != nil {
				return err
			}

			if err := tx.AppendLog(ctx, newLog(inst.ID, model.ActivityStageCompleted, rctx.UserID, map[string]any{
				"stage_id":            stage.ID,
				"stage_name":          stage.Name,
				"next_stage_id":       next.ID,
				"next_stage_name":     next.Name,
				"next_assignee_email": assignee.Email,
			})); err != nil {
				return err
			}
			message = fmt.Sprintf("Task completed. Flow advanced to stage %q, assigned to %s.", next.Name, assignee.Email)
		} else {
			inst.Status = model.FlowStatusCompleted
			inst.CompletedAt = &now
			inst.CurrentStageID = ""
			inst.CurrentAssigneeID = ""
			inst.UpdatedAt = now
			if err := tx.UpdateInstance(ctx, inst); err != nil {
				return err
			}

			if err := tx.AppendLog(ctx, newLog(inst.ID, model.ActivityFlowCompleted, rctx.UserID, map[string]any{
				"final_stage_id":   stage.ID,
				"final_stage_name": stage.Name,
			})); err != nil {
				return err
			}
			message = "Task completed. Flow is now complete."
			finished = true
		}
		return nil
	})
	if err != nil {
		return model.FlowDetail{}, "", err
	}

	if e.metrics != nil {
		e.metrics.TaskCompletionsTotal.WithLabelValues(templateID).Inc()
		if finished {
			e.metrics.FlowCompletionsTotal.WithLabelValues(templateID, model.FlowStatusCompleted).Inc()
		}
	}
	e.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("flow_instance_id", instanceID),
		zap.String("actor_id", rctx.UserID),
		zap.Bool("flow_finished", finished),
	)

	detail, err := e.buildDetail(ctx, instanceID)
	return detail, message, err
}

// RejectTask rejects a pending task on an approval stage and reopens the
// previous stage for rework. Rejecting the first stage terminates the flow.
func (e *Engine) RejectTask(ctx context.Context, rctx *model.RequestContext, taskID, comment string) (model.FlowDetail, string, error) {
	ctx, span := tracer.Start(ctx, "engine.RejectTask",
		trace.WithAttributes(observability.AttrTaskID.String(taskID)))
	defer span.End()

	var (
		instanceID string
		templateID string
		message    string
		terminated bool
	)

	err := e.store.ExecTx(ctx, func(ctx context.Context, tx Tx) error {
		// Instance lock before task lock, same order as every writer.
		ref, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		inst, err := tx.GetInstanceForUpdate(ctx, ref.FlowInstanceID)
		if err != nil {
			return err
		}
		task, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		instanceID = inst.ID
		templateID = inst.TemplateID

		if task.AssigneeID != rctx.UserID {
			return model.NewError(model.ErrNotAssignee, "you are not assigned to this task")
		}
		if task.Status != model.TaskStatusPending {
			return model.Errorf(model.ErrTaskAlreadyResolved, "task is already %s", task.Status)
		}

		tpl, err := e.templates.Get(ctx, inst.TemplateID)
		if err != nil {
			return err
		}
		stage := tpl.StageByID(task.StageID)
		if stage == nil {
			return model.NewInternalError()
		}
		if !stage.Approval {
			return model.Errorf(model.ErrNotApprovalStage,
				"stage %q is not an approval stage", stage.Name)
		}

		now := time.Now().UTC()
		if err := tx.RejectTask(ctx, task.ID, now); err != nil {
			return err
		}

		prev := PrevStage(&tpl, stage)
		if prev != nil {
			initiator, err := e.users.Get(ctx, inst.InitiatorID)
			if err != nil {
				return model.Errorf(model.ErrAssigneeUnresolvable,
					"flow initiator %q no longer exists", inst.InitiatorID)
			}
			assignee, err := ResolveAssignee(ctx, prev, &tpl, initiator, e.users)
			if err != nil {
				return err
			}

			reworkTask := model.TaskInstance{
				ID:             uuid.New().String(),
				FlowInstanceID: inst.ID,
				StageID:        prev.ID,
				AssigneeID:     assignee.ID,
				Status:         model.TaskStatusPending,
				AssignedAt:     now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.CreateTask(ctx, reworkTask); err != nil {
				return err
			}

			inst.CurrentStageID = prev.ID
			inst.CurrentAssigneeID = assignee.ID
			inst.Status = model.FlowStatusActive
			inst.UpdatedAt = now
			if err := tx.UpdateInstance(ctx, inst); err != nil {
				return err
			}

			if err := tx.AppendLog(ctx, newLog(inst.ID, model.ActivityStageRejected, rctx.UserID, map[string]any{
				"stage_id":            stage.ID,
				"stage_name":          stage.Name,
				"reopened_stage_id":   prev.ID,
				"reopened_stage_name": prev.Name,
				"comment":             comment,
			})); err != nil {
				return err
			}
			if err := tx.AppendLog(ctx, newLog(inst.ID, model.ActivityTaskAssigned, "", map[string]any{
				"stage_id":       prev.ID,
				"stage_name":     prev.Name,
				"assignee_id":    assignee.ID,
				"assignee_email": assignee.Email,
			})); err != nil {
				return err
			}
			message = fmt.Sprintf("Changes requested. Flow returned to stage %q, assigned to %s.", prev.Name, assignee.Email)
		} else {
			// Nothing to send the work back to: the flow ends here.
			inst.Status = model.FlowStatusTerminated
			inst.CompletedAt = &now
			inst.CurrentStageID = ""
			inst.CurrentAssigneeID = ""
			inst.UpdatedAt = now
			if err := tx.UpdateInstance(ctx, inst); err != nil {
				return err
			}

			if err := tx.AppendLog(ctx, newLog(inst.ID, model.ActivityStageRejected, rctx.UserID, map[string]any{
				"stage_id":   stage.ID,
				"stage_name": stage.Name,
				"comment":    comment,
			})); err != nil {
				return err
			}
			if err := tx.AppendLog(ctx, newLog(inst.ID, model.ActivityFlowTerminated, rctx.UserID, map[string]any{
				"reason":     "first stage rejected",
				"stage_id":   stage.ID,
				"stage_name": stage.Name,
			})); err != nil {
				return err
			}
			message = "Rejected. Flow terminated: there is no earlier stage to return to."
			terminated = true
		}
		return nil
	})
	if err != nil {
		return model.FlowDetail{}, "", err
	}

	if e.metrics != nil {
		e.metrics.TaskRejectionsTotal.WithLabelValues(templateID).Inc()
		if terminated {
			e.metrics.FlowCompletionsTotal.WithLabelValues(templateID, model.FlowStatusTerminated).Inc()
		}
	}
	e.logger.Info("task rejected",
		zap.String("task_id", taskID),
		zap.String("flow_instance_id", instanceID),
		zap.String("actor_id", rctx.UserID),
		zap.Bool("flow_terminated", terminated),
	)

	detail, err := e.buildDetail(ctx, instanceID)
	return detail, message, err
}

// ReassignTask hands a pending task to a different user. Only the flow's
// initiator or an admin may reassign.
func (e *Engine) ReassignTask(ctx context.Context, rctx *model.RequestContext, taskID, newAssigneeID string) (model.FlowDetail, error) {
	ctx, span := tracer.Start(ctx, "engine.ReassignTask",
		trace.WithAttributes(observability.AttrTaskID.String(taskID)))
	defer span.End()

	var (
		instanceID string
		templateID string
	)

	err := e.store.ExecTx(ctx, func(ctx context.Context, tx Tx) error {
		// Instance lock before task lock, same order as every writer.
		ref, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		inst, err := tx.GetInstanceForUpdate(ctx, ref.FlowInstanceID)
		if err != nil {
			return err
		}
		task, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		instanceID = inst.ID
		templateID = inst.TemplateID

		actor, err := e.users.Get(ctx, rctx.UserID)
		if err != nil {
			return model.NewUnauthorizedError("acting user is not known to the directory")
		}
		if actor.ID != inst.InitiatorID && !actor.IsAdmin() {
			return model.NewForbiddenError("only the flow initiator or an admin may reassign a task")
		}
		if task.Status != model.TaskStatusPending {
			return model.Errorf(model.ErrTaskAlreadyResolved, "task is already %s", task.Status)
		}

		newAssignee, err := e.users.Get(ctx, newAssigneeID)
		if err != nil {
			return err
		}
		if !newAssignee.Active {
			return model.NewValidationError([]model.FieldError{{
				Field:   "new_assignee_id",
				Code:    "INACTIVE",
				Message: fmt.Sprintf("user %q is deactivated and cannot take over a task", newAssignee.ID),
			}})
		}

		tpl, err := e.templates.Get(ctx, inst.TemplateID)
		if err != nil {
			return err
		}
		stageName := ""
		if stage := tpl.StageByID(task.StageID); stage != nil {
			stageName = stage.Name
		}

		previousEmail := ""
		if prev, err := e.users.Get(ctx, task.AssigneeID); err == nil {
			previousEmail = prev.Email
		}

		if err := tx.ReassignTask(ctx, task.ID, newAssignee.ID); err != nil {
			return err
		}

		inst.CurrentAssigneeID = newAssignee.ID
		inst.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return err
		}

		return tx.AppendLog(ctx, newLog(inst.ID, model.ActivityTaskReassigned, actor.ID, map[string]any{
			"stage_id":                task.StageID,
			"stage_name":              stageName,
			"previous_assignee_id":    task.AssigneeID,
			"previous_assignee_email": previousEmail,
			"new_assignee_id":         newAssignee.ID,
			"new_assignee_email":      newAssignee.Email,
		}))
	})
	if err != nil {
		return model.FlowDetail{}, err
	}

	if e.metrics != nil {
		e.metrics.TaskReassignmentsTotal.WithLabelValues(templateID).Inc()
	}
	e.logger.Info("task reassigned",
		zap.String("task_id", taskID),
		zap.String("flow_instance_id", instanceID),
		zap.String("new_assignee_id", newAssigneeID),
	)

	return e.buildDetail(ctx, instanceID)
}

// TerminateFlow ends an open flow without completing it: the pending task is
// rejected, the current pointers are cleared, and a flow_terminated entry is
// appended. Only the flow's initiator or an admin may terminate.
func (e *Engine) TerminateFlow(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.FlowDetail, error) {
	ctx, span := tracer.Start(ctx, "engine.TerminateFlow",
		trace.WithAttributes(observability.AttrInstanceID.String(instanceID)))
	defer span.End()

	var templateID string

	err := e.store.ExecTx(ctx, func(ctx context.Context, tx Tx) error {
		inst, err := tx.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		templateID = inst.TemplateID

		actor, err := e.users.Get(ctx, rctx.UserID)
		if err != nil {
			return model.NewUnauthorizedError("acting user is not known to the directory")
		}
		if actor.ID != inst.InitiatorID && !actor.IsAdmin() {
			return model.NewForbiddenError("only the flow initiator or an admin may terminate a flow")
		}
		if !inst.Open() {
			return model.Errorf(model.ErrFlowNotActive, "flow is already %s", inst.Status)
		}

		now := time.Now().UTC()

		stageName := ""
		stageID := inst.CurrentStageID
		if tpl, err := e.templates.Get(ctx, inst.TemplateID); err == nil {
			if stage := tpl.StageByID(stageID); stage != nil {
				stageName = stage.Name
			}
		}

		// Reject the pending task, if any survived this far.
		if task, err := tx.GetPendingTaskForUpdate(ctx, inst.ID); err == nil {
			if err := tx.RejectTask(ctx, task.ID, now); err != nil {
				return err
			}
		}

		inst.Status = model.FlowStatusTerminated
		inst.CompletedAt = &now
		inst.CurrentStageID = ""
		inst.CurrentAssigneeID = ""
		inst.UpdatedAt = now
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return err
		}

		return tx.AppendLog(ctx, newLog(inst.ID, model.ActivityFlowTerminated, actor.ID, map[string]any{
			"reason":     reason,
			"stage_id":   stageID,
			"stage_name": stageName,
		}))
	})
	if err != nil {
		return model.FlowDetail{}, err
	}

	if e.metrics != nil {
		e.metrics.FlowCompletionsTotal.WithLabelValues(templateID, model.FlowStatusTerminated).Inc()
	}
	e.logger.Info("flow terminated",
		zap.String("flow_instance_id", instanceID),
		zap.String("actor_id", rctx.UserID),
	)

	return e.buildDetail(ctx, instanceID)
}

// validateSubmission checks the submitted values against a stage's declared
// form fields: every required field must be present, and every supplied key
// must belong to the stage. Value TYPES are deliberately not checked.
func validateSubmission(stage *model.Stage, values map[string]any) error {
	for i := range stage.Fields {
		f := &stage.Fields[i]
		if !f.Required {
			continue
		}
		if _, ok := values[f.ID]; !ok {
			return model.Errorf(model.ErrMissingRequiredField,
				"required field %q (id=%s) is missing", f.Label, f.ID)
		}
	}
	for fieldID := range values {
		if stage.FieldByID(fieldID) == nil {
			return model.Errorf(model.ErrUnknownField,
				"field %q does not belong to stage %q", fieldID, stage.Name)
		}
	}
	return nil
}

// newLog builds an activity entry. ActorID empty means system-generated.
func newLog(instanceID, activityType, actorID string, details map[string]any) model.ActivityLog {
	return model.ActivityLog{
		ID:             uuid.New().String(),
		FlowInstanceID: instanceID,
		Type:           activityType,
		ActorID:        actorID,
		Details:        details,
		CreatedAt:      time.Now().UTC(),
	}
}
