package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/flowline/internal/identity"
	"github.com/pitabwire/flowline/model"
)

// tplSource is a map-backed TemplateSource for tests.
type tplSource map[string]model.FlowTemplate

func (s tplSource) Get(_ context.Context, templateID string) (model.FlowTemplate, error) {
	tpl, ok := s[templateID]
	if !ok {
		return model.FlowTemplate{}, model.Errorf(model.ErrTemplateNotFound,
			"flow template %q not found", templateID)
	}
	return tpl, nil
}

func testUsers() []model.User {
	return []model.User{
		{ID: "u-alice", Email: "alice@example.com", FullName: "Alice Okello", Role: model.RoleMember, Active: true},
		{ID: "u-bob", Email: "bob@example.com", FullName: "Bob Wanjiru", Role: model.RoleMember, Active: true},
		{ID: "u-carol", Email: "carol@example.com", FullName: "Carol Mwangi", Role: model.RoleMember, Active: true},
		{ID: "u-admin", Email: "admin@example.com", FullName: "Site Admin", Role: model.RoleAdmin, Active: true},
	}
}

// testTemplate is a three-stage purchase request flow: submit (initiator),
// manager review (role, approval), archive (fixed user).
func testTemplate() model.FlowTemplate {
	return model.FlowTemplate{
		ID:     "tpl-1",
		Name:   "Purchase Request",
		Active: true,
		Stages: []model.Stage{
			{
				ID: "st-1", TemplateID: "tpl-1", Order: 1, Name: "Submit request",
				AssignmentType: model.AssignmentInitiator,
				Fields: []model.FormField{
					{ID: "f-amount", StageID: "st-1", Order: 1, Type: model.FieldNumber, Label: "Amount", Required: true},
					{ID: "f-note", StageID: "st-1", Order: 2, Type: model.FieldText, Label: "Note"},
				},
			},
			{
				ID: "st-2", TemplateID: "tpl-1", Order: 2, Name: "Manager review",
				AssignmentType: model.AssignmentRole, AssignmentTargetID: "r-review",
				Approval: true,
				Fields: []model.FormField{
					{ID: "f-comment", StageID: "st-2", Order: 1, Type: model.FieldText, Label: "Comment"},
				},
			},
			{
				ID: "st-3", TemplateID: "tpl-1", Order: 3, Name: "Archive",
				AssignmentType: model.AssignmentUser, AssignmentTargetID: "u-carol",
			},
		},
		Roles: []model.FlowRole{
			{ID: "r-review", TemplateID: "tpl-1", Name: "Reviewers", MemberIDs: []string{"u-carol", "u-bob"}},
		},
	}
}

func newTestEngine(t *testing.T, tpls ...model.FlowTemplate) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	source := tplSource{}
	if len(tpls) == 0 {
		tpls = []model.FlowTemplate{testTemplate()}
	}
	for _, tpl := range tpls {
		source[tpl.ID] = tpl
	}
	dir := identity.NewMemoryDirectory(testUsers()...)
	return New(store, source, dir), store
}

func asUser(userID string) *model.RequestContext {
	return &model.RequestContext{UserID: userID}
}

func mustStart(t *testing.T, e *Engine, initiator string) model.FlowDetail {
	t.Helper()
	detail, err := e.StartFlow(context.Background(), asUser(initiator), StartFlowRequest{
		TemplateID: "tpl-1",
		Title:      "Laptop purchase",
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	return detail
}

func pendingTask(t *testing.T, detail model.FlowDetail) model.TaskDetail {
	t.Helper()
	for _, task := range detail.Tasks {
		if task.Status == model.TaskStatusPending {
			return task
		}
	}
	t.Fatal("no pending task found")
	return model.TaskDetail{}
}

func TestStartFlow_createsInstanceAtFirstStage(t *testing.T) {
	e, _ := newTestEngine(t)

	detail := mustStart(t, e, "u-alice")

	if detail.Status != model.FlowStatusActive {
		t.Errorf("status = %q, want active", detail.Status)
	}
	if detail.CurrentStageID != "st-1" {
		t.Errorf("current stage = %q, want st-1", detail.CurrentStageID)
	}
	if detail.CurrentStageName != "Submit request" {
		t.Errorf("current stage name = %q", detail.CurrentStageName)
	}
	// First stage assigns to the initiator.
	if detail.CurrentAssigneeID != "u-alice" {
		t.Errorf("assignee = %q, want u-alice", detail.CurrentAssigneeID)
	}
	if detail.InitiatorEmail != "alice@example.com" {
		t.Errorf("initiator email = %q", detail.InitiatorEmail)
	}
	if detail.Version != 1 {
		t.Errorf("version = %d, want 1", detail.Version)
	}
	if len(detail.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(detail.Tasks))
	}
	task := detail.Tasks[0]
	if task.Status != model.TaskStatusPending {
		t.Errorf("task status = %q, want pending", task.Status)
	}
	if task.StageID != "st-1" {
		t.Errorf("task stage = %q, want st-1", task.StageID)
	}
}

func TestStartFlow_recordsFlowStartedActivity(t *testing.T) {
	e, _ := newTestEngine(t)

	detail := mustStart(t, e, "u-alice")

	if len(detail.Activity) != 1 {
		t.Fatalf("activity entries = %d, want 1", len(detail.Activity))
	}
	entry := detail.Activity[0]
	if entry.Type != model.ActivityFlowStarted {
		t.Errorf("type = %q, want flow_started", entry.Type)
	}
	if entry.ActorID != "u-alice" {
		t.Errorf("actor = %q, want u-alice", entry.ActorID)
	}
	if entry.Details["template_name"] != "Purchase Request" {
		t.Errorf("template_name = %v", entry.Details["template_name"])
	}
	if entry.Details["first_stage_name"] != "Submit request" {
		t.Errorf("first_stage_name = %v", entry.Details["first_stage_name"])
	}
	if entry.Details["first_assignee_email"] != "alice@example.com" {
		t.Errorf("first_assignee_email = %v", entry.Details["first_assignee_email"])
	}
}

func TestStartFlow_emptyTitle(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.StartFlow(context.Background(), asUser("u-alice"), StartFlowRequest{TemplateID: "tpl-1"})
	if model.ErrorCode(err) != model.ErrBadRequest {
		t.Errorf("error = %v, want BAD_REQUEST", err)
	}
}

func TestStartFlow_unknownTemplate(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.StartFlow(context.Background(), asUser("u-alice"), StartFlowRequest{
		TemplateID: "tpl-missing", Title: "x",
	})
	if model.ErrorCode(err) != model.ErrTemplateNotFound {
		t.Errorf("error = %v, want TEMPLATE_NOT_FOUND", err)
	}
}

func TestStartFlow_inactiveTemplate(t *testing.T) {
	tpl := testTemplate()
	tpl.Active = false
	e, _ := newTestEngine(t, tpl)

	_, err := e.StartFlow(context.Background(), asUser("u-alice"), StartFlowRequest{
		TemplateID: "tpl-1", Title: "x",
	})
	if model.ErrorCode(err) != model.ErrTemplateInactive {
		t.Errorf("error = %v, want TEMPLATE_INACTIVE", err)
	}
}

func TestStartFlow_noStages(t *testing.T) {
	tpl := testTemplate()
	tpl.Stages = nil
	e, _ := newTestEngine(t, tpl)

	_, err := e.StartFlow(context.Background(), asUser("u-alice"), StartFlowRequest{
		TemplateID: "tpl-1", Title: "x",
	})
	if model.ErrorCode(err) != model.ErrNoStagesDefined {
		t.Errorf("error = %v, want NO_STAGES_DEFINED", err)
	}
}

func TestStartFlow_unresolvableFirstAssignee_persistsNothing(t *testing.T) {
	tpl := testTemplate()
	tpl.Stages[0].AssignmentType = model.AssignmentUser
	tpl.Stages[0].AssignmentTargetID = "u-ghost"
	e, store := newTestEngine(t, tpl)

	_, err := e.StartFlow(context.Background(), asUser("u-alice"), StartFlowRequest{
		TemplateID: "tpl-1", Title: "x",
	})
	if model.ErrorCode(err) != model.ErrAssigneeUnresolvable {
		t.Fatalf("error = %v, want ASSIGNEE_UNRESOLVABLE", err)
	}

	instances, _ := store.ListInstances(context.Background(), Filters{})
	if len(instances) != 0 {
		t.Errorf("instances = %d, want 0", len(instances))
	}
}

func TestCompleteTask_advancesToNextStage(t *testing.T) {
	e, _ := newTestEngine(t)
	started := mustStart(t, e, "u-alice")
	task := pendingTask(t, started)

	detail, message, err := e.CompleteTask(context.Background(), asUser("u-alice"), task.ID, map[string]any{
		"f-amount": 1500,
		"f-note":   "two laptops",
	})
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}

	if detail.CurrentStageID != "st-2" {
		t.Errorf("current stage = %q, want st-2", detail.CurrentStageID)
	}
	// Role assignment picks the member with the lowest user ID.
	if detail.CurrentAssigneeID != "u-bob" {
		t.Errorf("assignee = %q, want u-bob", detail.CurrentAssigneeID)
	}
	if detail.Status != model.FlowStatusActive {
		t.Errorf("status = %q, want active", detail.Status)
	}
	want := `Task completed. Flow advanced to stage "Manager review", assigned to bob@example.com.`
	if message != want {
		t.Errorf("message = %q, want %q", message, want)
	}

	if len(detail.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(detail.Tasks))
	}
	if detail.Tasks[0].Status != model.TaskStatusCompleted {
		t.Errorf("first task = %q, want completed", detail.Tasks[0].Status)
	}
	if got := len(detail.Tasks[0].Values); got != 2 {
		t.Errorf("recorded values = %d, want 2", got)
	}
	if detail.Tasks[1].Status != model.TaskStatusPending {
		t.Errorf("second task = %q, want pending", detail.Tasks[1].Status)
	}

	// Newest activity first: stage_completed then flow_started.
	if detail.Activity[0].Type != model.ActivityStageCompleted {
		t.Errorf("activity[0] = %q, want stage_completed", detail.Activity[0].Type)
	}
	d := detail.Activity[0].Details
	if d["stage_name"] != "Submit request" || d["next_stage_name"] != "Manager review" {
		t.Errorf("stage_completed details = %v", d)
	}
	if d["next_assignee_email"] != "bob@example.com" {
		t.Errorf("next_assignee_email = %v", d["next_assignee_email"])
	}
}

func TestCompleteTask_finalStageCompletesFlow(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	detail, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), pendingTask(t, detail).ID,
		map[string]any{"f-amount": 10})
	if err != nil {
		t.Fatalf("stage 1: %v", err)
	}
	detail, _, err = e.CompleteTask(context.Background(), asUser("u-bob"), pendingTask(t, detail).ID, nil)
	if err != nil {
		t.Fatalf("stage 2: %v", err)
	}
	detail, message, err := e.CompleteTask(context.Background(), asUser("u-carol"), pendingTask(t, detail).ID, nil)
	if err != nil {
		t.Fatalf("stage 3: %v", err)
	}

	if detail.Status != model.FlowStatusCompleted {
		t.Errorf("status = %q, want completed", detail.Status)
	}
	if detail.CompletedAt == nil {
		t.Error("completed_at should be set")
	}
	if detail.CurrentStageID != "" || detail.CurrentAssigneeID != "" {
		t.Errorf("current pointers should be cleared, got %q/%q",
			detail.CurrentStageID, detail.CurrentAssigneeID)
	}
	if message != "Task completed. Flow is now complete." {
		t.Errorf("message = %q", message)
	}
	if detail.Activity[0].Type != model.ActivityFlowCompleted {
		t.Errorf("activity[0] = %q, want flow_completed", detail.Activity[0].Type)
	}
	if detail.Activity[0].Details["final_stage_name"] != "Archive" {
		t.Errorf("final_stage_name = %v", detail.Activity[0].Details["final_stage_name"])
	}
}

func TestCompleteTask_notAssignee(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	_, _, err := e.CompleteTask(context.Background(), asUser("u-bob"), pendingTask(t, detail).ID,
		map[string]any{"f-amount": 10})
	if model.ErrorCode(err) != model.ErrNotAssignee {
		t.Errorf("error = %v, want NOT_ASSIGNEE", err)
	}
}

func TestCompleteTask_twice(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")
	taskID := pendingTask(t, detail).ID

	if _, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), taskID,
		map[string]any{"f-amount": 10}); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	_, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), taskID,
		map[string]any{"f-amount": 10})
	if model.ErrorCode(err) != model.ErrTaskAlreadyResolved {
		t.Errorf("error = %v, want TASK_ALREADY_RESOLVED", err)
	}
}

func TestCompleteTask_missingRequiredField(t *testing.T) {
	e, store := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")
	taskID := pendingTask(t, detail).ID

	_, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), taskID,
		map[string]any{"f-note": "no amount"})
	if model.ErrorCode(err) != model.ErrMissingRequiredField {
		t.Fatalf("error = %v, want MISSING_REQUIRED_FIELD", err)
	}

	// The failed attempt must not leave any state behind.
	tasks, _ := store.TasksForInstance(context.Background(), detail.ID)
	if tasks[0].Status != model.TaskStatusPending {
		t.Errorf("task status = %q, want still pending", tasks[0].Status)
	}
	values, _ := store.ValuesForTask(context.Background(), taskID)
	if len(values) != 0 {
		t.Errorf("values = %d, want 0", len(values))
	}
}

func TestCompleteTask_unknownField(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	_, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), pendingTask(t, detail).ID,
		map[string]any{"f-amount": 10, "f-bogus": "x"})
	if model.ErrorCode(err) != model.ErrUnknownField {
		t.Errorf("error = %v, want UNKNOWN_FIELD", err)
	}
}

func TestCompleteTask_unknownTask(t *testing.T) {
	e, _ := newTestEngine(t)

	_, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), "t-missing", nil)
	if model.ErrorCode(err) != model.ErrTaskNotFound {
		t.Errorf("error = %v, want TASK_NOT_FOUND", err)
	}
}

func TestCompleteTask_unresolvableNextAssignee_rollsBack(t *testing.T) {
	tpl := testTemplate()
	tpl.Roles[0].MemberIDs = nil // review stage has nobody to assign to
	e, store := newTestEngine(t, tpl)
	detail := mustStart(t, e, "u-alice")
	taskID := pendingTask(t, detail).ID

	_, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), taskID,
		map[string]any{"f-amount": 10})
	if model.ErrorCode(err) != model.ErrAssigneeUnresolvable {
		t.Fatalf("error = %v, want ASSIGNEE_UNRESOLVABLE", err)
	}

	// The completion itself must have been rolled back with the advance.
	tasks, _ := store.TasksForInstance(context.Background(), detail.ID)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Status != model.TaskStatusPending {
		t.Errorf("task status = %q, want pending after rollback", tasks[0].Status)
	}
	inst, _ := store.GetInstance(context.Background(), detail.ID)
	if inst.CurrentStageID != "st-1" {
		t.Errorf("current stage = %q, want st-1", inst.CurrentStageID)
	}
}

func TestCompleteTask_resumesStalledFlow(t *testing.T) {
	e, store := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")
	taskID := pendingTask(t, detail).ID

	// Force the instance into the stalled state.
	err := store.ExecTx(context.Background(), func(ctx context.Context, tx Tx) error {
		inst, err := tx.GetInstanceForUpdate(ctx, detail.ID)
		if err != nil {
			return err
		}
		inst.Status = model.FlowStatusStalled
		return tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		t.Fatalf("forcing stall: %v", err)
	}

	advanced, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), taskID,
		map[string]any{"f-amount": 10})
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	if advanced.Status != model.FlowStatusActive {
		t.Errorf("status = %q, want active after resuming", advanced.Status)
	}
}

func TestRejectTask_reopensPreviousStage(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")
	detail, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), pendingTask(t, detail).ID,
		map[string]any{"f-amount": 10})
	if err != nil {
		t.Fatalf("advancing to review: %v", err)
	}

	detail, message, err := e.RejectTask(context.Background(), asUser("u-bob"),
		pendingTask(t, detail).ID, "amount unclear")
	if err != nil {
		t.Fatalf("RejectTask() error = %v", err)
	}

	if detail.Status != model.FlowStatusActive {
		t.Errorf("status = %q, want active", detail.Status)
	}
	if detail.CurrentStageID != "st-1" {
		t.Errorf("current stage = %q, want st-1", detail.CurrentStageID)
	}
	if detail.CurrentAssigneeID != "u-alice" {
		t.Errorf("assignee = %q, want initiator u-alice", detail.CurrentAssigneeID)
	}
	if !strings.Contains(message, "Changes requested") {
		t.Errorf("message = %q", message)
	}

	// Newest first: task_assigned, stage_rejected, stage_completed, flow_started.
	if detail.Activity[0].Type != model.ActivityTaskAssigned {
		t.Errorf("activity[0] = %q, want task_assigned", detail.Activity[0].Type)
	}
	if detail.Activity[0].ActorID != "" {
		t.Errorf("task_assigned should be system-generated, actor = %q", detail.Activity[0].ActorID)
	}
	if detail.Activity[1].Type != model.ActivityStageRejected {
		t.Errorf("activity[1] = %q, want stage_rejected", detail.Activity[1].Type)
	}
	if detail.Activity[1].Details["comment"] != "amount unclear" {
		t.Errorf("comment = %v", detail.Activity[1].Details["comment"])
	}
	if detail.Activity[1].Details["reopened_stage_name"] != "Submit request" {
		t.Errorf("reopened_stage_name = %v", detail.Activity[1].Details["reopened_stage_name"])
	}

	// The rejected review task stays in the history.
	if len(detail.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(detail.Tasks))
	}
	if detail.Tasks[1].Status != model.TaskStatusRejected {
		t.Errorf("review task = %q, want rejected", detail.Tasks[1].Status)
	}
}

func TestRejectTask_nonApprovalStage(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	_, _, err := e.RejectTask(context.Background(), asUser("u-alice"), pendingTask(t, detail).ID, "")
	if model.ErrorCode(err) != model.ErrNotApprovalStage {
		t.Errorf("error = %v, want NOT_APPROVAL_STAGE", err)
	}
}

func TestRejectTask_firstStageTerminatesFlow(t *testing.T) {
	tpl := testTemplate()
	tpl.Stages[0].Approval = true
	e, _ := newTestEngine(t, tpl)
	detail := mustStart(t, e, "u-alice")

	detail, message, err := e.RejectTask(context.Background(), asUser("u-alice"),
		pendingTask(t, detail).ID, "not needed")
	if err != nil {
		t.Fatalf("RejectTask() error = %v", err)
	}
	if detail.Status != model.FlowStatusTerminated {
		t.Errorf("status = %q, want terminated", detail.Status)
	}
	if detail.CompletedAt == nil {
		t.Error("completed_at should be set")
	}
	if !strings.Contains(message, "terminated") {
		t.Errorf("message = %q", message)
	}
	if detail.Activity[0].Type != model.ActivityFlowTerminated {
		t.Errorf("activity[0] = %q, want flow_terminated", detail.Activity[0].Type)
	}
}

func TestRejectTask_notAssignee(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")
	detail, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), pendingTask(t, detail).ID,
		map[string]any{"f-amount": 10})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = e.RejectTask(context.Background(), asUser("u-carol"), pendingTask(t, detail).ID, "")
	if model.ErrorCode(err) != model.ErrNotAssignee {
		t.Errorf("error = %v, want NOT_ASSIGNEE", err)
	}
}

func TestReassignTask_byInitiator(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	detail, err := e.ReassignTask(context.Background(), asUser("u-alice"),
		pendingTask(t, detail).ID, "u-bob")
	if err != nil {
		t.Fatalf("ReassignTask() error = %v", err)
	}
	if detail.CurrentAssigneeID != "u-bob" {
		t.Errorf("assignee = %q, want u-bob", detail.CurrentAssigneeID)
	}
	task := pendingTask(t, detail)
	if task.AssigneeID != "u-bob" {
		t.Errorf("task assignee = %q, want u-bob", task.AssigneeID)
	}

	if detail.Activity[0].Type != model.ActivityTaskReassigned {
		t.Fatalf("activity[0] = %q, want task_reassigned", detail.Activity[0].Type)
	}
	d := detail.Activity[0].Details
	if d["previous_assignee_email"] != "alice@example.com" || d["new_assignee_email"] != "bob@example.com" {
		t.Errorf("reassign details = %v", d)
	}
}

func TestReassignTask_byAdmin(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	if _, err := e.ReassignTask(context.Background(), asUser("u-admin"),
		pendingTask(t, detail).ID, "u-carol"); err != nil {
		t.Errorf("admin reassign should succeed: %v", err)
	}
}

func TestReassignTask_forbidden(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	_, err := e.ReassignTask(context.Background(), asUser("u-bob"),
		pendingTask(t, detail).ID, "u-carol")
	if model.ErrorCode(err) != model.ErrForbidden {
		t.Errorf("error = %v, want FORBIDDEN", err)
	}
}

func TestReassignTask_unknownNewAssignee(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	_, err := e.ReassignTask(context.Background(), asUser("u-alice"),
		pendingTask(t, detail).ID, "u-ghost")
	if model.ErrorCode(err) != model.ErrUserNotFound {
		t.Errorf("error = %v, want USER_NOT_FOUND", err)
	}
}

func TestReassignTask_inactiveNewAssignee(t *testing.T) {
	store := NewMemoryStore()
	source := tplSource{"tpl-1": testTemplate()}
	users := append(testUsers(),
		model.User{ID: "u-dora", Email: "dora@example.com", FullName: "Dora Achieng", Role: model.RoleMember, Active: false})
	e := New(store, source, identity.NewMemoryDirectory(users...))

	detail := mustStart(t, e, "u-alice")
	_, err := e.ReassignTask(context.Background(), asUser("u-alice"),
		pendingTask(t, detail).ID, "u-dora")
	if model.ErrorCode(err) != model.ErrValidationError {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}

	// The task stays with its current assignee.
	after, err := e.GetFlow(context.Background(), detail.ID)
	if err != nil {
		t.Fatalf("GetFlow() error = %v", err)
	}
	if after.CurrentAssigneeID != "u-alice" {
		t.Errorf("assignee = %q, want u-alice", after.CurrentAssigneeID)
	}
	if pendingTask(t, after).AssigneeID != "u-alice" {
		t.Errorf("task assignee = %q, want u-alice", pendingTask(t, after).AssigneeID)
	}
}

func TestCompleteTask_concurrentAttemptsOneWins(t *testing.T) {
	e, store := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")
	taskID := pendingTask(t, detail).ID
	values := map[string]any{"f-amount": 1200}

	errs := make(chan error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, _, err := e.CompleteTask(context.Background(), asUser("u-alice"), taskID, values)
			errs <- err
		}()
	}
	close(start)

	var wins, losses int
	for i := 0; i < 2; i++ {
		switch err := <-errs; model.ErrorCode(err) {
		case "":
			wins++
		case model.ErrTaskAlreadyResolved:
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins = %d, losses = %d; want exactly one of each", wins, losses)
	}

	// Exactly one next-stage task was created.
	tasks, err := store.TasksForInstance(context.Background(), detail.ID)
	if err != nil {
		t.Fatalf("TasksForInstance() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2 (submit + review)", len(tasks))
	}
	pending := 0
	for _, task := range tasks {
		if task.Status == model.TaskStatusPending {
			pending++
			if task.StageID != "st-2" {
				t.Errorf("pending task stage = %q, want st-2", task.StageID)
			}
		}
	}
	if pending != 1 {
		t.Errorf("pending tasks = %d, want 1", pending)
	}
}

func TestTerminateFlow_byInitiator(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	detail, err := e.TerminateFlow(context.Background(), asUser("u-alice"), detail.ID, "duplicate request")
	if err != nil {
		t.Fatalf("TerminateFlow() error = %v", err)
	}
	if detail.Status != model.FlowStatusTerminated {
		t.Errorf("status = %q, want terminated", detail.Status)
	}
	if detail.CompletedAt == nil {
		t.Error("completed_at should be set")
	}
	if detail.CurrentStageID != "" {
		t.Errorf("current stage should be cleared, got %q", detail.CurrentStageID)
	}
	// The pending task was rejected, not completed.
	if detail.Tasks[0].Status != model.TaskStatusRejected {
		t.Errorf("task status = %q, want rejected", detail.Tasks[0].Status)
	}
	if detail.Activity[0].Type != model.ActivityFlowTerminated {
		t.Errorf("activity[0] = %q, want flow_terminated", detail.Activity[0].Type)
	}
	if detail.Activity[0].Details["reason"] != "duplicate request" {
		t.Errorf("reason = %v", detail.Activity[0].Details["reason"])
	}
}

func TestTerminateFlow_forbidden(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	_, err := e.TerminateFlow(context.Background(), asUser("u-bob"), detail.ID, "")
	if model.ErrorCode(err) != model.ErrForbidden {
		t.Errorf("error = %v, want FORBIDDEN", err)
	}
}

func TestTerminateFlow_alreadyClosed(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")
	if _, err := e.TerminateFlow(context.Background(), asUser("u-alice"), detail.ID, ""); err != nil {
		t.Fatal(err)
	}

	_, err := e.TerminateFlow(context.Background(), asUser("u-alice"), detail.ID, "")
	if model.ErrorCode(err) != model.ErrFlowNotActive {
		t.Errorf("error = %v, want FLOW_NOT_ACTIVE", err)
	}
}

func TestTerminateFlow_unknownInstance(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.TerminateFlow(context.Background(), asUser("u-alice"), "fl-missing", "")
	if model.ErrorCode(err) != model.ErrFlowNotFound {
		t.Errorf("error = %v, want FLOW_NOT_FOUND", err)
	}
}

func TestListFlows_statusFilter(t *testing.T) {
	e, _ := newTestEngine(t)
	first := mustStart(t, e, "u-alice")
	mustStart(t, e, "u-bob")
	if _, err := e.TerminateFlow(context.Background(), asUser("u-alice"), first.ID, ""); err != nil {
		t.Fatal(err)
	}

	active, err := e.ListFlows(context.Background(), Filters{Status: model.FlowStatusActive})
	if err != nil {
		t.Fatalf("ListFlows() error = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active flows = %d, want 1", len(active))
	}
	if active[0].TemplateName != "Purchase Request" {
		t.Errorf("template name = %q", active[0].TemplateName)
	}

	all, err := e.ListFlows(context.Background(), Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all flows = %d, want 2", len(all))
	}
}

func TestUserTasks_returnsPendingWithContext(t *testing.T) {
	e, _ := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")
	if _, _, err := e.CompleteTask(context.Background(), asUser("u-alice"),
		pendingTask(t, detail).ID, map[string]any{"f-amount": 10}); err != nil {
		t.Fatal(err)
	}

	tasks, err := e.UserTasks(context.Background(), "u-bob")
	if err != nil {
		t.Fatalf("UserTasks() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	got := tasks[0]
	if got.StageName != "Manager review" {
		t.Errorf("stage name = %q", got.StageName)
	}
	if got.FlowTitle != "Laptop purchase" {
		t.Errorf("flow title = %q", got.FlowTitle)
	}
	if got.TemplateName != "Purchase Request" {
		t.Errorf("template name = %q", got.TemplateName)
	}
	if got.ElapsedSeconds < 0 {
		t.Errorf("elapsed = %d", got.ElapsedSeconds)
	}

	// Alice completed her task; nothing pending for her.
	aliceTasks, _ := e.UserTasks(context.Background(), "u-alice")
	if len(aliceTasks) != 0 {
		t.Errorf("alice tasks = %d, want 0", len(aliceTasks))
	}
}

func TestGetFlow_unknown(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.GetFlow(context.Background(), "fl-missing")
	if model.ErrorCode(err) != model.ErrFlowNotFound {
		t.Errorf("error = %v, want FLOW_NOT_FOUND", err)
	}
}

func TestElapsedSeconds(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)

	if got := ElapsedSeconds(started, nil, now); got != 90 {
		t.Errorf("running elapsed = %d, want 90", got)
	}

	done := started.Add(30 * time.Second)
	if got := ElapsedSeconds(started, &done, now); got != 30 {
		t.Errorf("completed elapsed = %d, want 30", got)
	}

	// Clock skew never yields a negative duration.
	early := started.Add(-time.Minute)
	if got := ElapsedSeconds(started, nil, early); got != 0 {
		t.Errorf("skewed elapsed = %d, want 0", got)
	}
}

// lockOrderStore records the order in which row locks are taken inside each
// transaction.
type lockOrderStore struct {
	*MemoryStore
	calls []string
}

func (s *lockOrderStore) ExecTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.MemoryStore.ExecTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &lockOrderTx{Tx: tx, calls: &s.calls})
	})
}

type lockOrderTx struct {
	Tx
	calls *[]string
}

func (t *lockOrderTx) GetInstanceForUpdate(ctx context.Context, instanceID string) (model.FlowInstance, error) {
	*t.calls = append(*t.calls, "instance")
	return t.Tx.GetInstanceForUpdate(ctx, instanceID)
}

func (t *lockOrderTx) GetTaskForUpdate(ctx context.Context, taskID string) (model.TaskInstance, error) {
	*t.calls = append(*t.calls, "task")
	return t.Tx.GetTaskForUpdate(ctx, taskID)
}

func (t *lockOrderTx) GetPendingTaskForUpdate(ctx context.Context, instanceID string) (model.TaskInstance, error) {
	*t.calls = append(*t.calls, "task")
	return t.Tx.GetPendingTaskForUpdate(ctx, instanceID)
}

func assertInstanceLockedFirst(t *testing.T, calls []string, op string) {
	t.Helper()
	for _, call := range calls {
		switch call {
		case "instance":
			return
		case "task":
			t.Fatalf("%s locked a task row before its instance (order: %v)", op, calls)
		}
	}
	t.Fatalf("%s never locked the instance (order: %v)", op, calls)
}

// Every writer takes the instance lock before any task lock, so concurrent
// commands on one flow queue on the instance row instead of deadlocking.
func TestTaskCommands_lockInstanceBeforeTask(t *testing.T) {
	store := &lockOrderStore{MemoryStore: NewMemoryStore()}
	source := tplSource{"tpl-1": testTemplate()}
	e := New(store, source, identity.NewMemoryDirectory(testUsers()...))

	detail := mustStart(t, e, "u-alice")
	taskID := pendingTask(t, detail).ID

	store.calls = nil
	if _, err := e.ReassignTask(context.Background(), asUser("u-alice"), taskID, "u-bob"); err != nil {
		t.Fatalf("ReassignTask() error = %v", err)
	}
	assertInstanceLockedFirst(t, store.calls, "ReassignTask")

	store.calls = nil
	detail, _, err := e.CompleteTask(context.Background(), asUser("u-bob"), taskID,
		map[string]any{"f-amount": 10})
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	assertInstanceLockedFirst(t, store.calls, "CompleteTask")

	store.calls = nil
	detail, _, err = e.RejectTask(context.Background(), asUser("u-bob"),
		pendingTask(t, detail).ID, "missing receipts")
	if err != nil {
		t.Fatalf("RejectTask() error = %v", err)
	}
	assertInstanceLockedFirst(t, store.calls, "RejectTask")

	store.calls = nil
	if _, err := e.TerminateFlow(context.Background(), asUser("u-alice"), detail.ID, "abandoned"); err != nil {
		t.Fatalf("TerminateFlow() error = %v", err)
	}
	assertInstanceLockedFirst(t, store.calls, "TerminateFlow")
}
