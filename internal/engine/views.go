package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/flowline/internal/observability"
	"github.com/pitabwire/flowline/model"
)

// ElapsedSeconds returns the whole seconds a flow has been (or was) running:
// from start until completion if the flow finished, until now otherwise.
// Never negative.
func ElapsedSeconds(started time.Time, completed *time.Time, now time.Time) int64 {
	end := now
	if completed != nil {
		end = *completed
	}
	d := end.Sub(started)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}

// GetFlow returns the full detail projection of one flow instance.
func (e *Engine) GetFlow(ctx context.Context, instanceID string) (model.FlowDetail, error) {
	ctx, span := tracer.Start(ctx, "engine.GetFlow",
		trace.WithAttributes(observability.AttrInstanceID.String(instanceID)))
	defer span.End()

	return e.buildDetail(ctx, instanceID)
}

// ListFlows returns summary projections of the instances matching the
// filters, newest first.
func (e *Engine) ListFlows(ctx context.Context, filters Filters) ([]model.FlowSummary, error) {
	ctx, span := tracer.Start(ctx, "engine.ListFlows")
	defer span.End()

	instances, err := e.store.ListInstances(ctx, filters)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	templates := map[string]model.FlowTemplate{}
	emails := map[string]string{}

	summaries := make([]model.FlowSummary, 0, len(instances))
	for _, inst := range instances {
		tpl, ok := templates[inst.TemplateID]
		if !ok {
			tpl, err = e.templates.Get(ctx, inst.TemplateID)
			if err != nil {
				return nil, err
			}
			templates[inst.TemplateID] = tpl
		}

		s := model.FlowSummary{
			FlowInstance:         inst,
			TemplateName:         tpl.Name,
			CurrentAssigneeEmail: e.emailOf(ctx, emails, inst.CurrentAssigneeID),
			InitiatorEmail:       e.emailOf(ctx, emails, inst.InitiatorID),
			ElapsedSeconds:       ElapsedSeconds(inst.StartedAt, inst.CompletedAt, now),
		}
		if stage := tpl.StageByID(inst.CurrentStageID); stage != nil {
			s.CurrentStageName = stage.Name
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// UserTasks returns the user's pending tasks, oldest first, each with enough
// flow context to act on.
func (e *Engine) UserTasks(ctx context.Context, userID string) ([]model.TaskSummary, error) {
	ctx, span := tracer.Start(ctx, "engine.UserTasks",
		trace.WithAttributes(observability.AttrActorID.String(userID)))
	defer span.End()

	tasks, err := e.store.PendingTasksForAssignee(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	instances := map[string]model.FlowInstance{}
	templates := map[string]model.FlowTemplate{}

	summaries := make([]model.TaskSummary, 0, len(tasks))
	for _, task := range tasks {
		inst, ok := instances[task.FlowInstanceID]
		if !ok {
			inst, err = e.store.GetInstance(ctx, task.FlowInstanceID)
			if err != nil {
				return nil, err
			}
			instances[task.FlowInstanceID] = inst
		}
		tpl, ok := templates[inst.TemplateID]
		if !ok {
			tpl, err = e.templates.Get(ctx, inst.TemplateID)
			if err != nil {
				return nil, err
			}
			templates[inst.TemplateID] = tpl
		}

		s := model.TaskSummary{
			ID:             task.ID,
			FlowInstanceID: inst.ID,
			FlowTitle:      inst.Title,
			TemplateName:   tpl.Name,
			StageID:        task.StageID,
			AssigneeID:     task.AssigneeID,
			AssignedAt:     task.AssignedAt,
			ElapsedSeconds: ElapsedSeconds(inst.StartedAt, inst.CompletedAt, now),
		}
		if stage := tpl.StageByID(task.StageID); stage != nil {
			s.StageName = stage.Name
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// buildDetail assembles the full FlowDetail projection from committed state.
func (e *Engine) buildDetail(ctx context.Context, instanceID string) (model.FlowDetail, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.FlowDetail{}, err
	}
	tpl, err := e.templates.Get(ctx, inst.TemplateID)
	if err != nil {
		return model.FlowDetail{}, err
	}
	tasks, err := e.store.TasksForInstance(ctx, inst.ID)
	if err != nil {
		return model.FlowDetail{}, err
	}
	logs, err := e.store.LogsForInstance(ctx, inst.ID)
	if err != nil {
		return model.FlowDetail{}, err
	}

	emails := map[string]string{}
	detail := model.FlowDetail{
		FlowInstance:         inst,
		TemplateName:         tpl.Name,
		CurrentAssigneeEmail: e.emailOf(ctx, emails, inst.CurrentAssigneeID),
		InitiatorEmail:       e.emailOf(ctx, emails, inst.InitiatorID),
		ElapsedSeconds:       ElapsedSeconds(inst.StartedAt, inst.CompletedAt, time.Now().UTC()),
		Tasks:                make([]model.TaskDetail, 0, len(tasks)),
		Activity:             logs,
	}
	if stage := tpl.StageByID(inst.CurrentStageID); stage != nil {
		detail.CurrentStageName = stage.Name
	}

	for _, task := range tasks {
		td := model.TaskDetail{
			TaskInstance:  task,
			AssigneeEmail: e.emailOf(ctx, emails, task.AssigneeID),
		}
		if stage := tpl.StageByID(task.StageID); stage != nil {
			td.StageName = stage.Name
		}
		if task.Status == model.TaskStatusCompleted {
			values, err := e.store.ValuesForTask(ctx, task.ID)
			if err != nil {
				return model.FlowDetail{}, err
			}
			td.Values = values
		}
		detail.Tasks = append(detail.Tasks, td)
	}
	return detail, nil
}

// emailOf resolves a user ID to an email through a per-call cache. Unknown
// or empty IDs resolve to "" rather than failing the projection.
func (e *Engine) emailOf(ctx context.Context, cache map[string]string, userID string) string {
	if userID == "" {
		return ""
	}
	if email, ok := cache[userID]; ok {
		return email
	}
	email := ""
	if u, err := e.users.Get(ctx, userID); err == nil {
		email = u.Email
	}
	cache[userID] = email
	return email
}
