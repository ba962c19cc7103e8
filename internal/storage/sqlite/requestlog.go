package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/storage"
)

// InsertLogs batch-inserts request log records.
// A single multi-row INSERT avoids N round-trips for large batches.
func (s *Store) InsertLogs(ctx context.Context, records []routex.RequestLog) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	const cols = 14
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, nullStr(r.ChannelID), nullStr(r.Model), nullStr(r.Method), nullStr(r.Path),
			r.StatusCode, r.LatencyMs,
			r.InputTokens, r.OutputTokens, r.CachedTokens,
			boolToInt(r.Success), nullStr(r.Error), nullStr(r.TraceID),
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
	}

	query := `INSERT INTO request_logs
		(id, channel_id, model, method, path, status_code, latency_ms,
		 input_tokens, output_tokens, cached_tokens, success, error, trace_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryLogs returns matching rows plus the total match count in one call.
func (s *Store) QueryLogs(ctx context.Context, f routex.LogFilter) ([]routex.RequestLog, int, error) {
	where, args := logWhere(f)

	var total int
	if err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, channel_id, model, method, path, status_code, latency_ms,
		input_tokens, output_tokens, cached_tokens, success, error, trace_id, created_at
		FROM request_logs` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []routex.RequestLog
	for rows.Next() {
		var r routex.RequestLog
		var channelID, model, method, path, errStr, traceID sql.NullString
		var success int
		var createdAt string
		err := rows.Scan(
			&r.ID, &channelID, &model, &method, &path, &r.StatusCode, &r.LatencyMs,
			&r.InputTokens, &r.OutputTokens, &r.CachedTokens,
			&success, &errStr, &traceID, &createdAt,
		)
		if err != nil {
			return nil, 0, err
		}
		r.ChannelID = channelID.String
		r.Model = model.String
		r.Method = method.String
		r.Path = path.String
		r.Success = success != 0
		r.Error = errStr.String
		r.TraceID = traceID.String
		if t, e := time.Parse(time.RFC3339Nano, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func logWhere(f routex.LogFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.StatusCode != 0 {
		clauses = append(clauses, "status_code = ?")
		args = append(args, f.StatusCode)
	}
	if f.ChannelID != "" {
		clauses = append(clauses, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model LIKE ?")
		args = append(args, "%"+f.Model+"%")
	}
	if f.Path != "" {
		clauses = append(clauses, "path LIKE ?")
		args = append(args, "%"+f.Path+"%")
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Analytics aggregates counts, latency, and token sums over all logs, plus
// per-model token totals for cost derivation.
func (s *Store) Analytics(ctx context.Context) (*routex.Analytics, map[string]storage.ModelTokens, error) {
	var a routex.Analytics
	var avgLatency sql.NullFloat64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), AVG(latency_ms),
		 COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cached_tokens), 0)
		 FROM request_logs`,
	).Scan(&a.TotalRequests, &a.SuccessCount, &avgLatency,
		&a.InputTokens, &a.OutputTokens, &a.CachedTokens)
	if err != nil {
		return nil, nil, err
	}
	a.AvgLatencyMs = avgLatency.Float64

	rows, err := s.read.QueryContext(ctx,
		`SELECT COALESCE(model, ''), SUM(input_tokens), SUM(output_tokens)
		 FROM request_logs GROUP BY model`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	perModel := make(map[string]storage.ModelTokens)
	for rows.Next() {
		var model string
		var mt storage.ModelTokens
		if err := rows.Scan(&model, &mt.InputTokens, &mt.OutputTokens); err != nil {
			return nil, nil, err
		}
		perModel[model] = mt
	}
	return &a, perModel, rows.Err()
}
