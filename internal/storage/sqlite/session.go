package sqlite

import (
	"context"
	"database/sql"
	"time"

	routex "github.com/routexhq/routex/internal"
)

const sessionCols = `id, channel_id, provider, access_token_enc, refresh_token_enc,
	 expires_at, scopes, user_info, created_at, updated_at`

// CreateSession inserts a new OAuth session. Token fields are expected to
// arrive already encrypted by the caller.
func (s *Store) CreateSession(ctx context.Context, sess *routex.OAuthSession) error {
	scopes, err := marshalJSON(sess.Scopes)
	if err != nil {
		return err
	}
	var userInfo sql.NullString
	if len(sess.UserInfo) > 0 {
		userInfo = sql.NullString{String: string(sess.UserInfo), Valid: true}
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO oauth_sessions (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nullStr(sess.ChannelID), sess.Provider,
		sess.AccessToken, nullStr(sess.RefreshToken),
		sess.ExpiresAt.UTC().Format(time.RFC3339), scopes, userInfo,
		sess.CreatedAt.UTC().Format(time.RFC3339), sess.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return uniqueErr(err)
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*routex.OAuthSession, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM oauth_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*routex.OAuthSession, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM oauth_sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*routex.OAuthSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession updates a session (token rotation, expiry extension).
func (s *Store) UpdateSession(ctx context.Context, sess *routex.OAuthSession) error {
	scopes, err := marshalJSON(sess.Scopes)
	if err != nil {
		return err
	}
	var userInfo sql.NullString
	if len(sess.UserInfo) > 0 {
		userInfo = sql.NullString{String: string(sess.UserInfo), Valid: true}
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE oauth_sessions SET channel_id=?, access_token_enc=?, refresh_token_enc=?,
		 expires_at=?, scopes=?, user_info=?, updated_at=? WHERE id=?`,
		nullStr(sess.ChannelID), sess.AccessToken, nullStr(sess.RefreshToken),
		sess.ExpiresAt.UTC().Format(time.RFC3339), scopes, userInfo,
		time.Now().UTC().Format(time.RFC3339), sess.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "oauth session")
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM oauth_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "oauth session")
}

func scanSession(s scanner) (*routex.OAuthSession, error) {
	var sess routex.OAuthSession
	var channelID, refresh, scopes, userInfo sql.NullString
	var expiresAt, createdAt, updatedAt string

	err := s.Scan(
		&sess.ID, &channelID, &sess.Provider, &sess.AccessToken, &refresh,
		&expiresAt, &scopes, &userInfo, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	sess.ChannelID = channelID.String
	sess.RefreshToken = refresh.String
	if sess.Scopes, err = unmarshalStringSlice(scopes); err != nil {
		return nil, err
	}
	if userInfo.Valid {
		sess.UserInfo = []byte(userInfo.String)
	}
	if t, e := time.Parse(time.RFC3339, expiresAt); e == nil {
		sess.ExpiresAt = t
	}
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		sess.CreatedAt = t
	}
	if t, e := time.Parse(time.RFC3339, updatedAt); e == nil {
		sess.UpdatedAt = t
	}
	return &sess, nil
}
