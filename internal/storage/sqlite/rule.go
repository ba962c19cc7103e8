package sqlite

import (
	"context"
	"database/sql"
	"time"

	routex "github.com/routexhq/routex/internal"
)

const ruleCols = `id, name, type, condition, target_channel, target_model,
	 transformer, priority, enabled, created_at, updated_at`

// CreateRule inserts a new routing rule.
func (s *Store) CreateRule(ctx context.Context, r *routex.RoutingRule) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO routing_rules (`+ruleCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, string(r.Type), string(r.Condition), r.TargetChannel,
		nullStr(r.TargetModel), nullStr(r.Transformer), r.Priority, boolToInt(r.Enabled),
		r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return uniqueErr(err)
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*routex.RoutingRule, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+ruleCols+` FROM routing_rules WHERE id = ?`, id)
	return scanRule(row)
}

// ListRules returns all rules in effective order.
func (s *Store) ListRules(ctx context.Context) ([]*routex.RoutingRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleCols+` FROM routing_rules ORDER BY priority DESC, name ASC`)
}

// ListEnabledRules returns enabled rules in effective order:
// priority descending, name ascending on ties.
func (s *Store) ListEnabledRules(ctx context.Context) ([]*routex.RoutingRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleCols+` FROM routing_rules WHERE enabled = 1 ORDER BY priority DESC, name ASC`)
}

func (s *Store) queryRules(ctx context.Context, query string) ([]*routex.RoutingRule, error) {
	rows, err := s.read.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*routex.RoutingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateRule updates a routing rule.
func (s *Store) UpdateRule(ctx context.Context, r *routex.RoutingRule) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE routing_rules SET name=?, type=?, condition=?, target_channel=?,
		 target_model=?, transformer=?, priority=?, enabled=?, updated_at=? WHERE id=?`,
		r.Name, string(r.Type), string(r.Condition), r.TargetChannel,
		nullStr(r.TargetModel), nullStr(r.Transformer), r.Priority, boolToInt(r.Enabled),
		time.Now().UTC().Format(time.RFC3339), r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "routing rule")
}

// DeleteRule removes a routing rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM routing_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "routing rule")
}

func scanRule(s scanner) (*routex.RoutingRule, error) {
	var r routex.RoutingRule
	var ruleType, condition, createdAt, updatedAt string
	var targetModel, transformer sql.NullString
	var enabled int

	err := s.Scan(
		&r.ID, &r.Name, &ruleType, &condition, &r.TargetChannel,
		&targetModel, &transformer, &r.Priority, &enabled, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.Type = routex.RuleType(ruleType)
	r.Condition = []byte(condition)
	r.TargetModel = targetModel.String
	r.Transformer = transformer.String
	r.Enabled = enabled != 0
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		r.CreatedAt = t
	}
	if t, e := time.Parse(time.RFC3339, updatedAt); e == nil {
		r.UpdatedAt = t
	}
	return &r, nil
}
