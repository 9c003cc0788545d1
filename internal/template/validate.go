package template

import (
	"fmt"

	"github.com/pitabwire/flowline/model"
)

var validAssignmentTypes = map[string]bool{
	model.AssignmentUser:      true,
	model.AssignmentRole:      true,
	model.AssignmentInitiator: true,
	model.AssignmentExternal:  true,
}

var validFieldTypes = map[string]bool{
	model.FieldText:       true,
	model.FieldNumber:     true,
	model.FieldDate:       true,
	model.FieldAttachment: true,
	model.FieldCheckbox:   true,
}

// Validate checks a template structurally and referentially. It returns one
// FieldError per problem so authors can fix a whole template in one round.
func Validate(tpl *model.FlowTemplate) []model.FieldError {
	var errs []model.FieldError

	if tpl.Name == "" {
		errs = append(errs, model.FieldError{
			Field: "name", Code: "REQUIRED", Message: "name is required",
		})
	}

	roleIDs := make(map[string]bool, len(tpl.Roles))
	for i, role := range tpl.Roles {
		prefix := fmt.Sprintf("roles[%d]", i)
		if role.Name == "" {
			errs = append(errs, model.FieldError{
				Field: prefix + ".name", Code: "REQUIRED", Message: "role name is required",
			})
		}
		if roleIDs[role.ID] {
			errs = append(errs, model.FieldError{
				Field: prefix + ".id", Code: "DUPLICATE",
				Message: fmt.Sprintf("role id %q appears more than once", role.ID),
			})
		}
		roleIDs[role.ID] = true

		seen := make(map[string]bool, len(role.MemberIDs))
		for _, member := range role.MemberIDs {
			if seen[member] {
				errs = append(errs, model.FieldError{
					Field: prefix + ".member_ids", Code: "DUPLICATE",
					Message: fmt.Sprintf("user %q listed more than once", member),
				})
			}
			seen[member] = true
		}
	}

	stageIDs := make(map[string]bool, len(tpl.Stages))
	orders := make(map[int]bool, len(tpl.Stages))
	for i := range tpl.Stages {
		stage := &tpl.Stages[i]
		prefix := fmt.Sprintf("stages[%d]", i)

		if stage.Name == "" {
			errs = append(errs, model.FieldError{
				Field: prefix + ".name", Code: "REQUIRED", Message: "stage name is required",
			})
		}
		if stageIDs[stage.ID] {
			errs = append(errs, model.FieldError{
				Field: prefix + ".id", Code: "DUPLICATE",
				Message: fmt.Sprintf("stage id %q appears more than once", stage.ID),
			})
		}
		stageIDs[stage.ID] = true

		if stage.Order < 1 {
			errs = append(errs, model.FieldError{
				Field: prefix + ".order", Code: "RANGE", Message: "order must be a positive integer",
			})
		} else if orders[stage.Order] {
			errs = append(errs, model.FieldError{
				Field: prefix + ".order", Code: "DUPLICATE",
				Message: fmt.Sprintf("order %d is used by another stage", stage.Order),
			})
		}
		orders[stage.Order] = true

		errs = append(errs, validateAssignment(prefix, stage, roleIDs)...)
		errs = append(errs, validateFields(prefix, stage)...)
	}

	return errs
}

func validateAssignment(prefix string, stage *model.Stage, roleIDs map[string]bool) []model.FieldError {
	var errs []model.FieldError

	switch {
	case stage.AssignmentType == "":
		errs = append(errs, model.FieldError{
			Field: prefix + ".assignment_type", Code: "REQUIRED",
			Message: "assignment_type is required",
		})
	case !validAssignmentTypes[stage.AssignmentType]:
		errs = append(errs, model.FieldError{
			Field: prefix + ".assignment_type", Code: "INVALID_ENUM",
			Message: fmt.Sprintf("invalid assignment type %q", stage.AssignmentType),
		})
	case stage.AssignmentType == model.AssignmentUser && stage.AssignmentTargetID == "":
		errs = append(errs, model.FieldError{
			Field: prefix + ".assignment_target_id", Code: "REQUIRED",
			Message: "target user is required for user assignment",
		})
	case stage.AssignmentType == model.AssignmentRole:
		if stage.AssignmentTargetID == "" {
			errs = append(errs, model.FieldError{
				Field: prefix + ".assignment_target_id", Code: "REQUIRED",
				Message: "target role is required for role assignment",
			})
		} else if !roleIDs[stage.AssignmentTargetID] {
			errs = append(errs, model.FieldError{
				Field: prefix + ".assignment_target_id", Code: "REF_NOT_FOUND",
				Message: fmt.Sprintf("role %q is not declared on this template", stage.AssignmentTargetID),
			})
		}
	}

	return errs
}

func validateFields(prefix string, stage *model.Stage) []model.FieldError {
	var errs []model.FieldError

	fieldIDs := make(map[string]bool, len(stage.Fields))
	fieldOrders := make(map[int]bool, len(stage.Fields))
	for j, field := range stage.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, j)

		if field.Label == "" {
			errs = append(errs, model.FieldError{
				Field: fp + ".label", Code: "REQUIRED", Message: "field label is required",
			})
		}
		if field.Type == "" {
			errs = append(errs, model.FieldError{
				Field: fp + ".type", Code: "REQUIRED", Message: "field type is required",
			})
		} else if !validFieldTypes[field.Type] {
			errs = append(errs, model.FieldError{
				Field: fp + ".type", Code: "INVALID_ENUM",
				Message: fmt.Sprintf("invalid field type %q", field.Type),
			})
		}
		if fieldIDs[field.ID] {
			errs = append(errs, model.FieldError{
				Field: fp + ".id", Code: "DUPLICATE",
				Message: fmt.Sprintf("field id %q appears more than once", field.ID),
			})
		}
		fieldIDs[field.ID] = true

		if field.Order < 1 {
			errs = append(errs, model.FieldError{
				Field: fp + ".order", Code: "RANGE", Message: "order must be a positive integer",
			})
		} else if fieldOrders[field.Order] {
			errs = append(errs, model.FieldError{
				Field: fp + ".order", Code: "DUPLICATE",
				Message: fmt.Sprintf("order %d is used by another field", field.Order),
			})
		}
		fieldOrders[field.Order] = true
	}

	return errs
}
