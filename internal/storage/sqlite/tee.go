package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	routex "github.com/routexhq/routex/internal"
)

const teeCols = `id, name, type, enabled, url, method, headers, file_path,
	 handler_id, filter, retries, timeout_ms, created_at, updated_at`

// CreateTee inserts a new tee destination.
func (s *Store) CreateTee(ctx context.Context, d *routex.TeeDestination) error {
	headers, err := marshalJSON(mapOrNil(d.Headers))
	if err != nil {
		return err
	}
	filter, err := marshalFilter(d.Filter)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO tee_destinations (`+teeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, string(d.Type), boolToInt(d.Enabled),
		nullStr(d.URL), nullStr(d.Method), headers, nullStr(d.FilePath),
		nullStr(d.HandlerID), filter, d.Retries, d.TimeoutMs,
		d.CreatedAt.UTC().Format(time.RFC3339), d.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return uniqueErr(err)
}

// GetTee retrieves a tee destination by ID.
func (s *Store) GetTee(ctx context.Context, id string) (*routex.TeeDestination, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+teeCols+` FROM tee_destinations WHERE id = ?`, id)
	return scanTee(row)
}

// ListTees returns all tee destinations.
func (s *Store) ListTees(ctx context.Context) ([]*routex.TeeDestination, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+teeCols+` FROM tee_destinations ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tees []*routex.TeeDestination
	for rows.Next() {
		d, err := scanTee(rows)
		if err != nil {
			return nil, err
		}
		tees = append(tees, d)
	}
	return tees, rows.Err()
}

// UpdateTee updates a tee destination.
func (s *Store) UpdateTee(ctx context.Context, d *routex.TeeDestination) error {
	headers, err := marshalJSON(mapOrNil(d.Headers))
	if err != nil {
		return err
	}
	filter, err := marshalFilter(d.Filter)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE tee_destinations SET name=?, type=?, enabled=?, url=?, method=?,
		 headers=?, file_path=?, handler_id=?, filter=?, retries=?, timeout_ms=?, updated_at=?
		 WHERE id=?`,
		d.Name, string(d.Type), boolToInt(d.Enabled),
		nullStr(d.URL), nullStr(d.Method), headers, nullStr(d.FilePath),
		nullStr(d.HandlerID), filter, d.Retries, d.TimeoutMs,
		time.Now().UTC().Format(time.RFC3339), d.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tee destination")
}

// DeleteTee removes a tee destination.
func (s *Store) DeleteTee(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM tee_destinations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tee destination")
}

func scanTee(s scanner) (*routex.TeeDestination, error) {
	var d routex.TeeDestination
	var teeType, createdAt, updatedAt string
	var url, method, headers, filePath, handlerID, filter sql.NullString
	var enabled int

	err := s.Scan(
		&d.ID, &d.Name, &teeType, &enabled, &url, &method, &headers,
		&filePath, &handlerID, &filter, &d.Retries, &d.TimeoutMs,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	d.Type = routex.TeeType(teeType)
	d.Enabled = enabled != 0
	d.URL = url.String
	d.Method = method.String
	d.FilePath = filePath.String
	d.HandlerID = handlerID.String

	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &d.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal tee headers: %w", err)
		}
	}
	if filter.Valid {
		var f routex.TeeFilter
		if err := json.Unmarshal([]byte(filter.String), &f); err != nil {
			return nil, fmt.Errorf("unmarshal tee filter: %w", err)
		}
		d.Filter = &f
	}
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		d.CreatedAt = t
	}
	if t, e := time.Parse(time.RFC3339, updatedAt); e == nil {
		d.UpdatedAt = t
	}
	return &d, nil
}

func marshalFilter(f *routex.TeeFilter) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func mapOrNil(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
