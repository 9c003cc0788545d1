package template

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/flowline/internal/identity"
	"github.com/pitabwire/flowline/model"
)

// ExecutionPurger removes all execution state owned by a template. The
// engine's store satisfies it.
type ExecutionPurger interface {
	DeleteByTemplate(ctx context.Context, templateID string) error
}

// Service implements template authoring. Reads are open to any authenticated
// user; every mutation requires the admin role. It also serves the engine as
// its template source.
type Service struct {
	store  Store
	exec   ExecutionPurger
	users  identity.Directory
	logger *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService builds a Service over the given stores.
func NewService(store Store, exec ExecutionPurger, users identity.Directory, opts ...Option) *Service {
	s := &Service{store: store, exec: exec, users: users, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the template with the given ID.
func (s *Service) Get(ctx context.Context, templateID string) (model.FlowTemplate, error) {
	return s.store.Get(ctx, templateID)
}

// List returns all templates, oldest first.
func (s *Service) List(ctx context.Context) ([]model.FlowTemplate, error) {
	return s.store.List(ctx)
}

// Create persists a new template. Missing entity IDs are generated; the
// template starts unpublished regardless of the submitted flags.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, tpl model.FlowTemplate) (model.FlowTemplate, error) {
	if err := s.requireAdmin(ctx, rctx); err != nil {
		return model.FlowTemplate{}, err
	}

	now := time.Now().UTC()
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	tpl.Active = false
	tpl.PublishedAt = nil
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	fillIDs(&tpl)

	if errs := Validate(&tpl); len(errs) > 0 {
		return model.FlowTemplate{}, model.NewValidationError(errs)
	}
	if err := s.store.Create(ctx, tpl); err != nil {
		return model.FlowTemplate{}, err
	}

	s.logger.Info("flow template created",
		zap.String("template_id", tpl.ID),
		zap.String("name", tpl.Name),
		zap.Int("stages", len(tpl.Stages)))
	return tpl, nil
}

// Update replaces the template's structure. Only templates that have never
// been published may be updated.
func (s *Service) Update(ctx context.Context, rctx *model.RequestContext, templateID string, tpl model.FlowTemplate) (model.FlowTemplate, error) {
	if err := s.requireAdmin(ctx, rctx); err != nil {
		return model.FlowTemplate{}, err
	}

	current, err := s.store.Get(ctx, templateID)
	if err != nil {
		return model.FlowTemplate{}, err
	}
	if current.Published() {
		return model.FlowTemplate{}, model.Errorf(model.ErrTemplateImmutable,
			"flow template %q has been published and its structure can no longer change", templateID)
	}

	tpl.ID = current.ID
	tpl.Active = current.Active
	tpl.PublishedAt = current.PublishedAt
	tpl.CreatedAt = current.CreatedAt
	tpl.UpdatedAt = time.Now().UTC()
	fillIDs(&tpl)

	if errs := Validate(&tpl); len(errs) > 0 {
		return model.FlowTemplate{}, model.NewValidationError(errs)
	}
	if err := s.store.Update(ctx, tpl); err != nil {
		return model.FlowTemplate{}, err
	}
	return tpl, nil
}

// Publish activates the template so flows can be started from it. The first
// publish freezes the template's structure permanently.
func (s *Service) Publish(ctx context.Context, rctx *model.RequestContext, templateID string) (model.FlowTemplate, error) {
	if err := s.requireAdmin(ctx, rctx); err != nil {
		return model.FlowTemplate{}, err
	}

	tpl, err := s.store.Get(ctx, templateID)
	if err != nil {
		return model.FlowTemplate{}, err
	}
	if len(tpl.Stages) == 0 {
		return model.FlowTemplate{}, model.Errorf(model.ErrNoStagesDefined,
			"flow template %q has no stages and cannot be published", templateID)
	}

	now := time.Now().UTC()
	tpl.Active = true
	if tpl.PublishedAt == nil {
		tpl.PublishedAt = &now
	}
	tpl.UpdatedAt = now
	if err := s.store.Update(ctx, tpl); err != nil {
		return model.FlowTemplate{}, err
	}

	s.logger.Info("flow template published", zap.String("template_id", tpl.ID))
	return tpl, nil
}

// Retire deactivates the template. Running flows keep executing; new flows
// can no longer be started from it.
func (s *Service) Retire(ctx context.Context, rctx *model.RequestContext, templateID string) (model.FlowTemplate, error) {
	if err := s.requireAdmin(ctx, rctx); err != nil {
		return model.FlowTemplate{}, err
	}

	tpl, err := s.store.Get(ctx, templateID)
	if err != nil {
		return model.FlowTemplate{}, err
	}
	tpl.Active = false
	tpl.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, tpl); err != nil {
		return model.FlowTemplate{}, err
	}

	s.logger.Info("flow template retired", zap.String("template_id", tpl.ID))
	return tpl, nil
}

// ReplaceRoleMembers swaps a role's membership. Membership is the one part
// of a published template that stays editable; every member must exist in
// the user directory.
func (s *Service) ReplaceRoleMembers(ctx context.Context, rctx *model.RequestContext, templateID, roleID string, memberIDs []string) (model.FlowTemplate, error) {
	if err := s.requireAdmin(ctx, rctx); err != nil {
		return model.FlowTemplate{}, err
	}

	tpl, err := s.store.Get(ctx, templateID)
	if err != nil {
		return model.FlowTemplate{}, err
	}
	role := tpl.RoleByID(roleID)
	if role == nil {
		return model.FlowTemplate{}, model.NewNotFoundError("role " + roleID + " not found on this template")
	}

	members := dedupe(memberIDs)
	for _, member := range members {
		if _, err := s.users.Get(ctx, member); err != nil {
			return model.FlowTemplate{}, err
		}
	}

	role.MemberIDs = members
	tpl.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, tpl); err != nil {
		return model.FlowTemplate{}, err
	}

	s.logger.Info("flow role membership replaced",
		zap.String("template_id", templateID),
		zap.String("role_id", roleID),
		zap.Int("members", len(members)))
	return tpl, nil
}

// Delete removes the template together with every flow instance, task,
// submitted value, and activity entry it owns. There is no undo.
func (s *Service) Delete(ctx context.Context, rctx *model.RequestContext, templateID string) error {
	if err := s.requireAdmin(ctx, rctx); err != nil {
		return err
	}

	if _, err := s.store.Get(ctx, templateID); err != nil {
		return err
	}
	if err := s.exec.DeleteByTemplate(ctx, templateID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, templateID); err != nil {
		return err
	}

	s.logger.Warn("flow template deleted with all execution state",
		zap.String("template_id", templateID),
		zap.String("actor_id", rctx.UserID))
	return nil
}

// requireAdmin resolves the acting user and checks the admin role.
func (s *Service) requireAdmin(ctx context.Context, rctx *model.RequestContext) error {
	actor, err := s.users.Get(ctx, rctx.UserID)
	if err != nil {
		return model.NewUnauthorizedError("acting user is not known to the directory")
	}
	if !actor.IsAdmin() {
		return model.NewForbiddenError("only an admin may manage flow templates")
	}
	return nil
}

// fillIDs generates missing entity IDs and repairs parent references.
func fillIDs(tpl *model.FlowTemplate) {
	for i := range tpl.Stages {
		stage := &tpl.Stages[i]
		if stage.ID == "" {
			stage.ID = uuid.New().String()
		}
		stage.TemplateID = tpl.ID
		for j := range stage.Fields {
			field := &stage.Fields[j]
			if field.ID == "" {
				field.ID = uuid.New().String()
			}
			field.StageID = stage.ID
		}
	}
	for i := range tpl.Roles {
		role := &tpl.Roles[i]
		if role.ID == "" {
			role.ID = uuid.New().String()
		}
		role.TemplateID = tpl.ID
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
