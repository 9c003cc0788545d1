package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/flowline/internal/config"
	"github.com/pitabwire/flowline/internal/engine"
	"github.com/pitabwire/flowline/internal/identity"
	"github.com/pitabwire/flowline/internal/observability"
	"github.com/pitabwire/flowline/internal/template"
	"github.com/pitabwire/flowline/model"
)

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()

	cfg := config.Defaults()
	cfg.Identity = identityConfig(t)
	cfg.Observability.Metrics.Enabled = false

	dir := identity.NewMemoryDirectory(
		model.User{ID: "u-alice", Email: "alice@example.com", Role: model.RoleMember, Active: true},
		model.User{ID: "u-bob", Email: "bob@example.com", Role: model.RoleMember, Active: true},
		model.User{ID: "u-admin", Email: "admin@example.com", Role: model.RoleAdmin, Active: true},
	)
	execStore := engine.NewMemoryStore()
	tplService := template.NewService(template.NewMemoryStore(), execStore, dir)
	eng := engine.New(execStore, tplService, dir)

	auth, err := NewAuthenticator(cfg.Identity)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	return NewRouter(Dependencies{
		Config:       cfg,
		Engine:       eng,
		Templates:    tplService,
		Users:        dir,
		Authenticate: auth,
		Logger:       zap.NewNop(),
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded: func() bool { return true },
		},
	})
}

func doRequest(t *testing.T, router chi.Router, method, path, subject string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, withClaim("sub", subject)))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decoding %s: %v", rec.Body.String(), err)
	}
}

// templateBody is a two-stage flow: initiator submits, u-bob approves.
func templateBody() map[string]any {
	return map[string]any{
		"name": "Purchase Request",
		"stages": []map[string]any{
			{
				"order": 1, "name": "Submit", "assignment_type": "initiator",
				"fields": []map[string]any{
					{"order": 1, "type": "number", "label": "Amount", "required": true},
				},
			},
			{
				"order": 2, "name": "Review", "assignment_type": "role",
				"assignment_target_id": "r-review", "approval": true,
			},
		},
		"roles": []map[string]any{
			{"id": "r-review", "name": "Reviewers", "member_ids": []string{"u-bob"}},
		},
	}
}

// publishTemplate creates and publishes a template over the API, returning it
// with its server-generated IDs.
func publishTemplate(t *testing.T, router chi.Router) model.FlowTemplate {
	t.Helper()
	rec := doRequest(t, router, http.MethodPost, "/api/flow-templates", "u-admin", templateBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create template: %d %s", rec.Code, rec.Body.String())
	}
	var tpl model.FlowTemplate
	decodeInto(t, rec, &tpl)

	rec = doRequest(t, router, http.MethodPost, "/api/flow-templates/"+tpl.ID+"/publish", "u-admin", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish template: %d %s", rec.Code, rec.Body.String())
	}
	return tpl
}

func errorCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	decodeInto(t, rec, &body)
	if body.Error == nil {
		t.Fatalf("no error envelope in %s", rec.Body.String())
	}
	return body.Error.Code
}

func TestRouter_publicEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/health = %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/ready = %d %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_requiresAuthentication(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/flow-instances", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRouter_flowLifecycle(t *testing.T) {
	router := newTestRouter(t)
	tpl := publishTemplate(t, router)

	// Alice starts a flow.
	rec := doRequest(t, router, http.MethodPost, "/api/flow-instances", "u-alice", map[string]any{
		"template_id": tpl.ID,
		"title":       "New laptop",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start flow: %d %s", rec.Code, rec.Body.String())
	}
	var detail model.FlowDetail
	decodeInto(t, rec, &detail)
	if detail.CurrentAssigneeID != "u-alice" {
		t.Errorf("assignee = %q, want u-alice", detail.CurrentAssigneeID)
	}
	taskID := detail.Tasks[0].ID

	// Completing without the required field fails with 422.
	rec = doRequest(t, router, http.MethodPost, "/api/tasks/"+taskID+"/complete", "u-alice",
		map[string]any{"values": map[string]any{}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("incomplete submit: %d %s", rec.Code, rec.Body.String())
	}
	if code := errorCodeOf(t, rec); code != model.ErrMissingRequiredField {
		t.Errorf("code = %q", code)
	}

	// Bob is not the assignee.
	rec = doRequest(t, router, http.MethodPost, "/api/tasks/"+taskID+"/complete", "u-bob",
		map[string]any{"values": map[string]any{}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-assignee: %d", rec.Code)
	}

	// Alice submits properly; the flow advances to review.
	var completed struct {
		Message string           `json:"message"`
		Flow    model.FlowDetail `json:"flow"`
	}
	fieldID := tpl.Stages[0].Fields[0].ID
	rec = doRequest(t, router, http.MethodPost, "/api/tasks/"+taskID+"/complete", "u-alice",
		map[string]any{"values": map[string]any{fieldID: 1200}})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &completed)
	if completed.Flow.CurrentAssigneeID != "u-bob" {
		t.Errorf("assignee after advance = %q", completed.Flow.CurrentAssigneeID)
	}
	if completed.Message == "" {
		t.Error("expected a confirmation message")
	}

	// Bob rejects; the flow returns to Alice.
	reviewTaskID := completed.Flow.Tasks[1].ID
	rec = doRequest(t, router, http.MethodPost, "/api/tasks/"+reviewTaskID+"/reject", "u-bob",
		map[string]any{"comment": "too expensive"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", rec.Code, rec.Body.String())
	}
	var rejected struct {
		Flow model.FlowDetail `json:"flow"`
	}
	decodeInto(t, rec, &rejected)
	if rejected.Flow.CurrentAssigneeID != "u-alice" {
		t.Errorf("assignee after reject = %q", rejected.Flow.CurrentAssigneeID)
	}

	// Alice terminates her own flow.
	rec = doRequest(t, router, http.MethodPost, "/api/flow-instances/"+detail.ID+"/terminate", "u-alice",
		map[string]any{"reason": "no longer needed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("terminate: %d %s", rec.Code, rec.Body.String())
	}

	// Filtered listing shows no active flows anymore.
	rec = doRequest(t, router, http.MethodGet, "/api/flow-instances?status=active", "u-alice", nil)
	var list struct {
		Data []model.FlowSummary `json:"data"`
	}
	decodeInto(t, rec, &list)
	if len(list.Data) != 0 {
		t.Errorf("active flows = %d, want 0", len(list.Data))
	}
}

func TestRouter_startFlowUnknownTemplate(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/flow-instances", "u-alice", map[string]any{
		"template_id": "tpl-missing", "title": "x",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouter_userTaskQueues(t *testing.T) {
	router := newTestRouter(t)
	tpl := publishTemplate(t, router)
	rec := doRequest(t, router, http.MethodPost, "/api/flow-instances", "u-alice", map[string]any{
		"template_id": tpl.ID, "title": "New laptop",
	})
	if rec.Code != http.StatusCreated {
		t.Fatal(rec.Body.String())
	}

	// Own queue.
	rec = doRequest(t, router, http.MethodGet, "/api/users/me/tasks", "u-alice", nil)
	var mine struct {
		Data []model.TaskSummary `json:"data"`
	}
	decodeInto(t, rec, &mine)
	if len(mine.Data) != 1 {
		t.Fatalf("alice tasks = %d, want 1", len(mine.Data))
	}
	if mine.Data[0].FlowTitle != "New laptop" {
		t.Errorf("flow title = %q", mine.Data[0].FlowTitle)
	}

	// A member cannot read someone else's queue.
	rec = doRequest(t, router, http.MethodGet, "/api/users/u-alice/tasks", "u-bob", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("member peek = %d, want 403", rec.Code)
	}

	// An admin can.
	rec = doRequest(t, router, http.MethodGet, "/api/users/u-alice/tasks", "u-admin", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("admin peek = %d, want 200", rec.Code)
	}
}

func TestRouter_templateAuthoringPermissions(t *testing.T) {
	router := newTestRouter(t)

	// A member cannot author templates.
	rec := doRequest(t, router, http.MethodPost, "/api/flow-templates", "u-alice", templateBody())
	if rec.Code != http.StatusForbidden {
		t.Errorf("member create = %d, want 403", rec.Code)
	}

	// Anyone authenticated can read them.
	templateID := publishTemplate(t, router).ID
	rec = doRequest(t, router, http.MethodGet, "/api/flow-templates/"+templateID, "u-alice", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("member read = %d, want 200", rec.Code)
	}

	// Updating a published template is refused.
	rec = doRequest(t, router, http.MethodPut, "/api/flow-templates/"+templateID, "u-admin", templateBody())
	if rec.Code != http.StatusConflict {
		t.Errorf("update published = %d, want 409", rec.Code)
	}
	if code := errorCodeOf(t, rec); code != model.ErrTemplateImmutable {
		t.Errorf("code = %q", code)
	}

	// Role membership stays editable.
	rec = doRequest(t, router, http.MethodPut,
		"/api/flow-templates/"+templateID+"/roles/r-review/members", "u-admin",
		map[string]any{"member_ids": []string{"u-bob", "u-admin"}})
	if rec.Code != http.StatusOK {
		t.Errorf("membership update = %d %s", rec.Code, rec.Body.String())
	}

	// Cascade delete.
	rec = doRequest(t, router, http.MethodDelete, "/api/flow-templates/"+templateID, "u-admin", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
}

func TestRouter_correlationIDHeader(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/health", "", nil)
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Error("missing X-Correlation-Id header")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	echo := httptest.NewRecorder()
	router.ServeHTTP(echo, req)
	if got := echo.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("correlation id = %q, want corr-123", got)
	}
}
