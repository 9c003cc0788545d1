// Package template carries the authoring surface for flow templates: create,
// structural update, publish, retire, role membership, and cascading delete.
// The execution engine only ever reads templates through this package.
package template

import (
	"context"

	"github.com/pitabwire/flowline/model"
)

// Store persists flow templates with their nested stages, fields, and roles.
// Get and List always return fully loaded templates.
type Store interface {
	// Get returns the template with the given ID, or TEMPLATE_NOT_FOUND.
	Get(ctx context.Context, templateID string) (model.FlowTemplate, error)

	// List returns all templates, oldest first.
	List(ctx context.Context) ([]model.FlowTemplate, error)

	// Create persists a new template. Returns CONFLICT if the ID is taken.
	Create(ctx context.Context, tpl model.FlowTemplate) error

	// Update replaces the stored template wholesale, including its stages,
	// fields, and roles. Returns TEMPLATE_NOT_FOUND for unknown IDs.
	Update(ctx context.Context, tpl model.FlowTemplate) error

	// Delete removes the template and its nested structure.
	Delete(ctx context.Context, templateID string) error
}
