// Package fixture seeds the memory-backed deployment from a YAML file:
// directory users plus flow templates, so a single-node instance comes up
// ready to run flows without a database.
package fixture

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/flowline/internal/identity"
	"github.com/pitabwire/flowline/internal/template"
	"github.com/pitabwire/flowline/model"
)

// Seed is the parsed content of a fixture file.
type Seed struct {
	Users     []model.User
	Templates []model.FlowTemplate
}

type seedFile struct {
	Users     []seedUser     `yaml:"users"`
	Templates []seedTemplate `yaml:"templates"`
}

type seedUser struct {
	ID       string `yaml:"id"`
	Email    string `yaml:"email"`
	FullName string `yaml:"full_name"`
	Role     string `yaml:"role"`
	Active   *bool  `yaml:"active"`
}

type seedTemplate struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Active      bool        `yaml:"active"`
	Stages      []seedStage `yaml:"stages"`
	Roles       []seedRole  `yaml:"roles"`
}

type seedStage struct {
	ID                 string      `yaml:"id"`
	Order              int         `yaml:"order"`
	Name               string      `yaml:"name"`
	Description        string      `yaml:"description"`
	AssignmentType     string      `yaml:"assignment_type"`
	AssignmentTargetID string      `yaml:"assignment_target_id"`
	Approval           bool        `yaml:"approval"`
	Fields             []seedField `yaml:"fields"`
}

type seedField struct {
	ID       string `yaml:"id"`
	Order    int    `yaml:"order"`
	Type     string `yaml:"type"`
	Label    string `yaml:"label"`
	Required bool   `yaml:"required"`
}

type seedRole struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	MemberIDs []string `yaml:"member_ids"`
}

// Load reads and parses a fixture file.
func Load(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Seed{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	now := time.Now().UTC()
	seed := Seed{}
	for _, u := range file.Users {
		active := true
		if u.Active != nil {
			active = *u.Active
		}
		role := u.Role
		if role == "" {
			role = model.RoleMember
		}
		seed.Users = append(seed.Users, model.User{
			ID:        u.ID,
			Email:     u.Email,
			FullName:  u.FullName,
			Role:      role,
			Active:    active,
			CreatedAt: now,
		})
	}
	for _, t := range file.Templates {
		seed.Templates = append(seed.Templates, convertTemplate(t, now))
	}
	return seed, nil
}

// Apply pushes the seed into the user directory and template store. Every
// template must validate; an active fixture template counts as published.
func (s Seed) Apply(ctx context.Context, dir *identity.MemoryDirectory, store template.Store, logger *zap.Logger) error {
	for _, u := range s.Users {
		if u.ID == "" || u.Email == "" {
			return fmt.Errorf("fixture user needs both id and email, got id=%q email=%q", u.ID, u.Email)
		}
		dir.Put(u)
	}

	for _, tpl := range s.Templates {
		if errs := template.Validate(&tpl); len(errs) > 0 {
			return fmt.Errorf("fixture template %q: %s", tpl.ID, errs[0].Message)
		}
		if err := store.Create(ctx, tpl); err != nil {
			return fmt.Errorf("seeding template %q: %w", tpl.ID, err)
		}
	}

	logger.Info("fixtures applied",
		zap.Int("users", len(s.Users)),
		zap.Int("templates", len(s.Templates)))
	return nil
}

func convertTemplate(t seedTemplate, now time.Time) model.FlowTemplate {
	tpl := model.FlowTemplate{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Active:      t.Active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Active {
		tpl.PublishedAt = &now
	}
	for _, st := range t.Stages {
		stage := model.Stage{
			ID:                 st.ID,
			TemplateID:         t.ID,
			Order:              st.Order,
			Name:               st.Name,
			Description:        st.Description,
			AssignmentType:     st.AssignmentType,
			AssignmentTargetID: st.AssignmentTargetID,
			Approval:           st.Approval,
		}
		for _, f := range st.Fields {
			stage.Fields = append(stage.Fields, model.FormField{
				ID:       f.ID,
				StageID:  st.ID,
				Order:    f.Order,
				Type:     f.Type,
				Label:    f.Label,
				Required: f.Required,
			})
		}
		tpl.Stages = append(tpl.Stages, stage)
	}
	for _, r := range t.Roles {
		tpl.Roles = append(tpl.Roles, model.FlowRole{
			ID:         r.ID,
			TemplateID: t.ID,
			Name:       r.Name,
			MemberIDs:  r.MemberIDs,
		})
	}
	return tpl
}
