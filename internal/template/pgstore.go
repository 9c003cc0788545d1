package template

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowline/model"
)

// PgStore is a PostgreSQL-backed template store using pgx/v5. A template and
// its stages, fields, and roles are written in one transaction; structural
// updates replace the nested rows wholesale.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL template store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const templateColumns = `id, name, description, active, published_at, created_at, updated_at`

func (s *PgStore) Get(ctx context.Context, templateID string) (model.FlowTemplate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM flow_templates WHERE id = $1`, templateID)
	tpl, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FlowTemplate{}, model.Errorf(model.ErrTemplateNotFound,
			"flow template %q not found", templateID)
	}
	if err != nil {
		return model.FlowTemplate{}, err
	}
	if err := s.loadNested(ctx, &tpl); err != nil {
		return model.FlowTemplate{}, err
	}
	return tpl, nil
}

func (s *PgStore) List(ctx context.Context) ([]model.FlowTemplate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+templateColumns+` FROM flow_templates ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []model.FlowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadNested(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PgStore) Create(ctx context.Context, tpl model.FlowTemplate) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO flow_templates (id, name, description, active, published_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			tpl.ID, tpl.Name, tpl.Description, tpl.Active, tpl.PublishedAt, tpl.CreatedAt, tpl.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
		return insertNested(ctx, tx, tpl)
	})
}

func (s *PgStore) Update(ctx context.Context, tpl model.FlowTemplate) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE flow_templates
			 SET name = $1, description = $2, active = $3, published_at = $4, updated_at = $5
			 WHERE id = $6`,
			tpl.Name, tpl.Description, tpl.Active, tpl.PublishedAt, tpl.UpdatedAt, tpl.ID)
		if err != nil {
			return fmt.Errorf("update template: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.Errorf(model.ErrTemplateNotFound, "flow template %q not found", tpl.ID)
		}
		// Stages cascade to fields, roles to membership rows.
		if _, err := tx.Exec(ctx, `DELETE FROM stages WHERE template_id = $1`, tpl.ID); err != nil {
			return fmt.Errorf("clear stages: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM flow_roles WHERE template_id = $1`, tpl.ID); err != nil {
			return fmt.Errorf("clear roles: %w", err)
		}
		return insertNested(ctx, tx, tpl)
	})
}

func (s *PgStore) Delete(ctx context.Context, templateID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM flow_templates WHERE id = $1`, templateID)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Errorf(model.ErrTemplateNotFound, "flow template %q not found", templateID)
	}
	return nil
}

func (s *PgStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertNested(ctx context.Context, tx pgx.Tx, tpl model.FlowTemplate) error {
	for _, stage := range tpl.Stages {
		_, err := tx.Exec(ctx,
			`INSERT INTO stages (id, template_id, stage_order, name, description,
			   assignment_type, assignment_target_id, approval)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			stage.ID, tpl.ID, stage.Order, stage.Name, stage.Description,
			stage.AssignmentType, nullable(stage.AssignmentTargetID), stage.Approval)
		if err != nil {
			return fmt.Errorf("insert stage %s: %w", stage.ID, err)
		}
		for _, field := range stage.Fields {
			_, err := tx.Exec(ctx,
				`INSERT INTO form_fields (id, stage_id, field_order, type, label, required)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				field.ID, stage.ID, field.Order, field.Type, field.Label, field.Required)
			if err != nil {
				return fmt.Errorf("insert field %s: %w", field.ID, err)
			}
		}
	}
	for _, role := range tpl.Roles {
		_, err := tx.Exec(ctx,
			`INSERT INTO flow_roles (id, template_id, name) VALUES ($1, $2, $3)`,
			role.ID, tpl.ID, role.Name)
		if err != nil {
			return fmt.Errorf("insert role %s: %w", role.ID, err)
		}
		for _, member := range role.MemberIDs {
			_, err := tx.Exec(ctx,
				`INSERT INTO flow_role_users (flow_role_id, user_id) VALUES ($1, $2)`,
				role.ID, member)
			if err != nil {
				return fmt.Errorf("insert role member %s: %w", member, err)
			}
		}
	}
	return nil
}

// loadNested populates the template's stages, fields, and roles.
func (s *PgStore) loadNested(ctx context.Context, tpl *model.FlowTemplate) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, template_id, stage_order, name, description,
		   assignment_type, assignment_target_id, approval
		 FROM stages WHERE template_id = $1 ORDER BY stage_order ASC`, tpl.ID)
	if err != nil {
		return fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stage model.Stage
		var target *string
		if err := rows.Scan(&stage.ID, &stage.TemplateID, &stage.Order, &stage.Name,
			&stage.Description, &stage.AssignmentType, &target, &stage.Approval); err != nil {
			return fmt.Errorf("scan stage: %w", err)
		}
		if target != nil {
			stage.AssignmentTargetID = *target
		}
		tpl.Stages = append(tpl.Stages, stage)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range tpl.Stages {
		if err := s.loadFields(ctx, &tpl.Stages[i]); err != nil {
			return err
		}
	}
	return s.loadRoles(ctx, tpl)
}

func (s *PgStore) loadFields(ctx context.Context, stage *model.Stage) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, stage_id, field_order, type, label, required
		 FROM form_fields WHERE stage_id = $1 ORDER BY field_order ASC`, stage.ID)
	if err != nil {
		return fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var field model.FormField
		if err := rows.Scan(&field.ID, &field.StageID, &field.Order,
			&field.Type, &field.Label, &field.Required); err != nil {
			return fmt.Errorf("scan field: %w", err)
		}
		stage.Fields = append(stage.Fields, field)
	}
	return rows.Err()
}

func (s *PgStore) loadRoles(ctx context.Context, tpl *model.FlowTemplate) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, template_id, name FROM flow_roles
		 WHERE template_id = $1 ORDER BY id ASC`, tpl.ID)
	if err != nil {
		return fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role model.FlowRole
		if err := rows.Scan(&role.ID, &role.TemplateID, &role.Name); err != nil {
			return fmt.Errorf("scan role: %w", err)
		}
		tpl.Roles = append(tpl.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range tpl.Roles {
		role := &tpl.Roles[i]
		memberRows, err := s.pool.Query(ctx,
			`SELECT user_id FROM flow_role_users
			 WHERE flow_role_id = $1 ORDER BY user_id ASC`, role.ID)
		if err != nil {
			return fmt.Errorf("query role members: %w", err)
		}
		for memberRows.Next() {
			var member string
			if err := memberRows.Scan(&member); err != nil {
				memberRows.Close()
				return fmt.Errorf("scan role member: %w", err)
			}
			role.MemberIDs = append(role.MemberIDs, member)
		}
		err = memberRows.Err()
		memberRows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func scanTemplate(row pgx.Row) (model.FlowTemplate, error) {
	var tpl model.FlowTemplate
	var description *string
	err := row.Scan(&tpl.ID, &tpl.Name, &description, &tpl.Active,
		&tpl.PublishedAt, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return model.FlowTemplate{}, err
	}
	if description != nil {
		tpl.Description = *description
	}
	return tpl, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
