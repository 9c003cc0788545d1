package model

import "time"

// Stage assignment rule types.
const (
	AssignmentUser      = "user"
	AssignmentRole      = "role"
	AssignmentInitiator = "initiator"
	AssignmentExternal  = "external"
)

// Form field types.
const (
	FieldText       = "text"
	FieldNumber     = "number"
	FieldDate       = "date"
	FieldAttachment = "attachment"
	FieldCheckbox   = "checkbox"
)

// FlowTemplate is the reusable definition of a workflow: an ordered chain of
// stages plus the roles referenced by role-based assignment rules. Once
// published its structure is immutable, even after it is retired; running
// instances only ever read it. Role membership stays editable throughout.
type FlowTemplate struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Active      bool       `json:"active"`
	Stages      []Stage    `json:"stages"`
	Roles       []FlowRole `json:"roles,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Published reports whether the template has ever been published.
func (t *FlowTemplate) Published() bool { return t.PublishedAt != nil }

// StageByID returns the stage with the given ID, or nil.
func (t *FlowTemplate) StageByID(stageID string) *Stage {
	for i := range t.Stages {
		if t.Stages[i].ID == stageID {
			return &t.Stages[i]
		}
	}
	return nil
}

// RoleByID returns the flow role with the given ID, or nil.
func (t *FlowTemplate) RoleByID(roleID string) *FlowRole {
	for i := range t.Roles {
		if t.Roles[i].ID == roleID {
			return &t.Roles[i]
		}
	}
	return nil
}

// Stage is one step in a flow template. Order values are unique positive
// integers within a template; gaps are tolerated.
type Stage struct {
	ID                 string      `json:"id"`
	TemplateID         string      `json:"template_id"`
	Order              int         `json:"order"`
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	AssignmentType     string      `json:"assignment_type"`
	AssignmentTargetID string      `json:"assignment_target_id,omitempty"`
	Approval           bool        `json:"approval"`
	Fields             []FormField `json:"fields"`
}

// FieldByID returns the form field with the given ID, or nil.
func (s *Stage) FieldByID(fieldID string) *FormField {
	for i := range s.Fields {
		if s.Fields[i].ID == fieldID {
			return &s.Fields[i]
		}
	}
	return nil
}

// FormField is a single typed input declared on a stage.
type FormField struct {
	ID       string `json:"id"`
	StageID  string `json:"stage_id"`
	Order    int    `json:"order"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// FlowRole is a named group of users a stage can be assigned to. Membership
// is a set; resolution order is defined by the engine, not by this slice.
type FlowRole struct {
	ID         string   `json:"id"`
	TemplateID string   `json:"template_id"`
	Name       string   `json:"name"`
	MemberIDs  []string `json:"member_ids"`
}
