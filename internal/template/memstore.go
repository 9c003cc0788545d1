package template

import (
	"context"
	"sort"
	"sync"

	"github.com/pitabwire/flowline/model"
)

// MemoryStore is an in-memory template store for single-node deployments and
// tests. Templates are copied on every read and write so callers can never
// alias the stored nested slices.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]model.FlowTemplate
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: make(map[string]model.FlowTemplate)}
}

func (s *MemoryStore) Get(ctx context.Context, templateID string) (model.FlowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[templateID]
	if !ok {
		return model.FlowTemplate{}, model.Errorf(model.ErrTemplateNotFound,
			"flow template %q not found", templateID)
	}
	return cloneTemplate(tpl), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]model.FlowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FlowTemplate, 0, len(s.templates))
	for _, tpl := range s.templates {
		out = append(out, cloneTemplate(tpl))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Create(ctx context.Context, tpl model.FlowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[tpl.ID]; ok {
		return model.NewConflictError("flow template " + tpl.ID + " already exists")
	}
	s.templates[tpl.ID] = cloneTemplate(tpl)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, tpl model.FlowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[tpl.ID]; !ok {
		return model.Errorf(model.ErrTemplateNotFound, "flow template %q not found", tpl.ID)
	}
	s.templates[tpl.ID] = cloneTemplate(tpl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[templateID]; !ok {
		return model.Errorf(model.ErrTemplateNotFound, "flow template %q not found", templateID)
	}
	delete(s.templates, templateID)
	return nil
}

func cloneTemplate(tpl model.FlowTemplate) model.FlowTemplate {
	out := tpl
	out.Stages = make([]model.Stage, len(tpl.Stages))
	for i, stage := range tpl.Stages {
		cp := stage
		cp.Fields = append([]model.FormField(nil), stage.Fields...)
		out.Stages[i] = cp
	}
	out.Roles = make([]model.FlowRole, len(tpl.Roles))
	for i, role := range tpl.Roles {
		cp := role
		cp.MemberIDs = append([]string(nil), role.MemberIDs...)
		out.Roles[i] = cp
	}
	if tpl.PublishedAt != nil {
		at := *tpl.PublishedAt
		out.PublishedAt = &at
	}
	return out
}
