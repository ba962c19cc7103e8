package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	routex "github.com/routexhq/routex/internal"
)

const channelCols = `id, name, vendor, base_url, api_key_enc, refresh_token_enc, models,
	 priority, weight, status, request_count, success_count, failure_count,
	 consecutive_failures, last_used_at, last_failure_at, circuit_breaker_until,
	 rate_limited_until, transformers, created_at, updated_at`

// CreateChannel inserts a new channel. Weight is clamped to >= 1.
func (s *Store) CreateChannel(ctx context.Context, c *routex.Channel) error {
	models, err := marshalJSON(c.Models)
	if err != nil {
		return err
	}
	transformers, err := marshalJSON(c.Transformers)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO channels (`+channelCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, string(c.Vendor), nullStr(c.BaseURL), nullStr(c.APIKeyEnc), nullStr(c.RefreshToken),
		models, c.Priority, max(1, c.Weight), string(c.Status),
		c.RequestCount, c.SuccessCount, c.FailureCount, c.ConsecutiveFailures,
		timeToStr(c.LastUsedAt), timeToStr(c.LastFailureAt),
		timeToStr(c.CircuitBreakerUntil), timeToStr(c.RateLimitedUntil),
		transformers,
		c.CreatedAt.UTC().Format(time.RFC3339), c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return uniqueErr(err)
}

// GetChannel retrieves a channel by ID.
func (s *Store) GetChannel(ctx context.Context, id string) (*routex.Channel, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// GetChannelByName retrieves a channel by its unique name.
func (s *Store) GetChannelByName(ctx context.Context, name string) (*routex.Channel, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE name = ?`, name)
	return scanChannel(row)
}

// ListChannels returns all channels ordered by priority descending, name ascending.
func (s *Store) ListChannels(ctx context.Context) ([]*routex.Channel, error) {
	return s.queryChannels(ctx,
		`SELECT `+channelCols+` FROM channels ORDER BY priority DESC, name ASC`)
}

// ListEnabledChannels returns channels whose admin status is not disabled.
// Health eligibility (circuit/rate-limit windows) is the registry's concern.
func (s *Store) ListEnabledChannels(ctx context.Context) ([]*routex.Channel, error) {
	return s.queryChannels(ctx,
		`SELECT `+channelCols+` FROM channels WHERE status != 'disabled' ORDER BY priority DESC, name ASC`)
}

func (s *Store) queryChannels(ctx context.Context, query string, args ...any) ([]*routex.Channel, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*routex.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// UpdateChannel updates the admin-owned channel fields.
func (s *Store) UpdateChannel(ctx context.Context, c *routex.Channel) error {
	models, err := marshalJSON(c.Models)
	if err != nil {
		return err
	}
	transformers, err := marshalJSON(c.Transformers)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE channels SET name=?, vendor=?, base_url=?, api_key_enc=?, refresh_token_enc=?,
		 models=?, priority=?, weight=?, status=?, transformers=?, updated_at=? WHERE id=?`,
		c.Name, string(c.Vendor), nullStr(c.BaseURL), nullStr(c.APIKeyEnc), nullStr(c.RefreshToken),
		models, c.Priority, max(1, c.Weight), string(c.Status), transformers,
		time.Now().UTC().Format(time.RFC3339), c.ID,
	)
	if err != nil {
		return uniqueErr(err)
	}
	return checkRowsAffected(result, "channel")
}

// UpdateChannelHealth persists counter and window mutations made by the
// health registry.
func (s *Store) UpdateChannelHealth(ctx context.Context, c *routex.Channel) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE channels SET status=?, request_count=?, success_count=?, failure_count=?,
		 consecutive_failures=?, last_used_at=?, last_failure_at=?,
		 circuit_breaker_until=?, rate_limited_until=?, updated_at=? WHERE id=?`,
		string(c.Status), c.RequestCount, c.SuccessCount, c.FailureCount,
		c.ConsecutiveFailures, timeToStr(c.LastUsedAt), timeToStr(c.LastFailureAt),
		timeToStr(c.CircuitBreakerUntil), timeToStr(c.RateLimitedUntil),
		time.Now().UTC().Format(time.RFC3339), c.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "channel")
}

// DeleteChannel removes a channel.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "channel")
}

func scanChannel(s scanner) (*routex.Channel, error) {
	var c routex.Channel
	var vendor, status string
	var baseURL, apiKey, refresh, modelsJSON, transformersJSON sql.NullString
	var lastUsed, lastFailure, cbUntil, rlUntil sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(
		&c.ID, &c.Name, &vendor, &baseURL, &apiKey, &refresh, &modelsJSON,
		&c.Priority, &c.Weight, &status,
		&c.RequestCount, &c.SuccessCount, &c.FailureCount, &c.ConsecutiveFailures,
		&lastUsed, &lastFailure, &cbUntil, &rlUntil,
		&transformersJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.Vendor = routex.Vendor(vendor)
	c.Status = routex.ChannelStatus(status)
	c.BaseURL = baseURL.String
	c.APIKeyEnc = apiKey.String
	c.RefreshToken = refresh.String

	if c.Models, err = unmarshalStringSlice(modelsJSON); err != nil {
		return nil, err
	}
	if c.Transformers, err = unmarshalStringSlice(transformersJSON); err != nil {
		return nil, err
	}

	c.LastUsedAt = parseTime(lastUsed)
	c.LastFailureAt = parseTime(lastFailure)
	c.CircuitBreakerUntil = parseTime(cbUntil)
	c.RateLimitedUntil = parseTime(rlUntil)
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		c.CreatedAt = t
	}
	if t, e := time.Parse(time.RFC3339, updatedAt); e == nil {
		c.UpdatedAt = t
	}
	return &c, nil
}

// --- shared row helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to routex.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return routex.ErrNotFound
	}
	return err
}

// uniqueErr translates SQLite unique constraint violations to routex.ErrConflict.
func uniqueErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint") {
		return fmt.Errorf("%w: %v", routex.ErrConflict, err)
	}
	return err
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, routex.ErrNotFound)
	}
	return nil
}
