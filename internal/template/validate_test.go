package template

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pitabwire/flowline/model"
)

func validTemplate() model.FlowTemplate {
	return model.FlowTemplate{
		ID:   "tpl-1",
		Name: "Expense Approval",
		Stages: []model.Stage{
			{ID: "st-1", Order: 1, Name: "Submit", AssignmentType: model.AssignmentInitiator,
				Fields: []model.FormField{
					{ID: "f-1", Order: 1, Type: model.FieldNumber, Label: "Amount", Required: true},
					{ID: "f-2", Order: 2, Type: model.FieldText, Label: "Reason"},
				}},
			{ID: "st-2", Order: 2, Name: "Approve", AssignmentType: model.AssignmentRole,
				AssignmentTargetID: "r-1", Approval: true},
		},
		Roles: []model.FlowRole{
			{ID: "r-1", Name: "Approvers", MemberIDs: []string{"u-1", "u-2"}},
		},
	}
}

func fieldPaths(errs []model.FieldError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Field
	}
	return out
}

func TestValidate_validTemplate(t *testing.T) {
	tpl := validTemplate()
	assert.Empty(t, Validate(&tpl))
}

func TestValidate_missingName(t *testing.T) {
	tpl := validTemplate()
	tpl.Name = ""
	assert.Contains(t, fieldPaths(Validate(&tpl)), "name")
}

func TestValidate_duplicateStageOrder(t *testing.T) {
	tpl := validTemplate()
	tpl.Stages[1].Order = 1

	errs := Validate(&tpl)
	assert.Contains(t, fieldPaths(errs), "stages[1].order")
}

func TestValidate_nonPositiveStageOrder(t *testing.T) {
	tpl := validTemplate()
	tpl.Stages[0].Order = 0
	assert.Contains(t, fieldPaths(Validate(&tpl)), "stages[0].order")
}

func TestValidate_assignmentTargets(t *testing.T) {
	t.Run("user without target", func(t *testing.T) {
		tpl := validTemplate()
		tpl.Stages[0].AssignmentType = model.AssignmentUser
		assert.Contains(t, fieldPaths(Validate(&tpl)), "stages[0].assignment_target_id")
	})
	t.Run("role without target", func(t *testing.T) {
		tpl := validTemplate()
		tpl.Stages[1].AssignmentTargetID = ""
		assert.Contains(t, fieldPaths(Validate(&tpl)), "stages[1].assignment_target_id")
	})
	t.Run("role target not declared", func(t *testing.T) {
		tpl := validTemplate()
		tpl.Stages[1].AssignmentTargetID = "r-ghost"
		errs := Validate(&tpl)
		assert.Contains(t, fieldPaths(errs), "stages[1].assignment_target_id")
		assert.Equal(t, "REF_NOT_FOUND", errs[0].Code)
	})
	t.Run("unknown assignment type", func(t *testing.T) {
		tpl := validTemplate()
		tpl.Stages[0].AssignmentType = "lottery"
		assert.Contains(t, fieldPaths(Validate(&tpl)), "stages[0].assignment_type")
	})
}

func TestValidate_fields(t *testing.T) {
	t.Run("duplicate field order", func(t *testing.T) {
		tpl := validTemplate()
		tpl.Stages[0].Fields[1].Order = 1
		assert.Contains(t, fieldPaths(Validate(&tpl)), "stages[0].fields[1].order")
	})
	t.Run("invalid type", func(t *testing.T) {
		tpl := validTemplate()
		tpl.Stages[0].Fields[0].Type = "spreadsheet"
		assert.Contains(t, fieldPaths(Validate(&tpl)), "stages[0].fields[0].type")
	})
	t.Run("missing label", func(t *testing.T) {
		tpl := validTemplate()
		tpl.Stages[0].Fields[0].Label = ""
		assert.Contains(t, fieldPaths(Validate(&tpl)), "stages[0].fields[0].label")
	})
}

func TestValidate_duplicateRoleMember(t *testing.T) {
	tpl := validTemplate()
	tpl.Roles[0].MemberIDs = []string{"u-1", "u-1"}
	assert.Contains(t, fieldPaths(Validate(&tpl)), "roles[0].member_ids")
}

func TestValidate_collectsAllErrors(t *testing.T) {
	tpl := validTemplate()
	tpl.Name = ""
	tpl.Stages[0].Name = ""
	tpl.Stages[0].Fields[0].Label = ""

	assert.Len(t, Validate(&tpl), 3)
}
