package storage

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

type scanner interface {
	Scan(dest ...any) error
}

const ruleColumns = "id, name, trigger_type, trigger_spec, action_spec, is_active, created_at, updated_at"

func scanRule(row scanner) (RuleRecord, error) {
	var rec RuleRecord
	if err := row.Scan(&rec.ID, &rec.Name, &rec.TriggerType, &rec.TriggerSpec, &rec.ActionSpec, &rec.IsActive, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return RuleRecord{}, err
	}
	return rec, nil
}

func (r *Repository) ListRules(ctx context.Context, triggerType string, activeOnly bool) ([]RuleRecord, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules`
	conds := []string{}
	args := []any{}
	if triggerType != "" {
		args = append(args, triggerType)
		conds = append(conds, "trigger_type=$1")
	}
	if activeOnly {
		conds = append(conds, "is_active = true")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	rows, err := r.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []RuleRecord{}
	for rows.Next() {
		rec, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) GetRule(ctx context.Context, id string) (RuleRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=$1`, id)
	rec, err := scanRule(row)
	if err != nil {
		return RuleRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *Repository) CreateRule(ctx context.Context, rec RuleRecord) (RuleRecord, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO rules (id, name, trigger_type, trigger_spec, action_spec, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
		RETURNING `+ruleColumns,
		id, rec.Name, rec.TriggerType, rec.TriggerSpec, rec.ActionSpec, rec.IsActive,
	)
	return scanRule(row)
}

func (r *Repository) SetRuleActive(ctx context.Context, id string, active bool) error {
	tag, err := r.Store.Pool.Exec(ctx, `UPDATE rules SET is_active=$1, updated_at=now() WHERE id=$2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
