// Package oauth manages provider OAuth flows and stored token sessions.
// Flows run entirely through the admin surface. The proxy hot path only
// ever reads sessions already exchanged and persisted; a background
// worker handles refresh.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/crypto"
	"github.com/routexhq/routex/internal/storage"
)

// stateTTL bounds how long an authorize redirect stays valid.
const stateTTL = 10 * time.Minute

// Provider is one configured OAuth2 identity source.
type Provider struct {
	Name   string
	Config *oauth2.Config
}

// Manager runs authorize and callback flows against a set of configured
// providers and persists exchanged tokens, encrypted at rest.
type Manager struct {
	providers map[string]*Provider
	store     storage.SessionStore
	cipher    *crypto.Cipher

	mu     sync.Mutex
	states map[string]pendingState
}

type pendingState struct {
	provider  string
	channelID string
	expires   time.Time
}

// NewManager builds a Manager over the given providers.
func NewManager(store storage.SessionStore, cipher *crypto.Cipher, providers []*Provider) *Manager {
	m := &Manager{
		providers: make(map[string]*Provider, len(providers)),
		store:     store,
		cipher:    cipher,
		states:    make(map[string]pendingState),
	}
	for _, p := range providers {
		m.providers[p.Name] = p
	}
	return m
}

// Providers lists configured provider names.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// AuthorizeURL starts a flow for provider, optionally bound to a channel.
// The returned URL carries a single-use state token.
func (m *Manager) AuthorizeURL(provider, channelID string) (string, error) {
	p, ok := m.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: unknown oauth provider %q", routex.ErrBadRequest, provider)
	}

	state, err := randomState()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.states[state] = pendingState{
		provider:  provider,
		channelID: channelID,
		expires:   time.Now().Add(stateTTL),
	}
	m.mu.Unlock()

	return p.Config.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange completes a callback: it validates the state, swaps the code
// for tokens, and stores the session with tokens encrypted.
func (m *Manager) Exchange(ctx context.Context, state, code string) (*routex.OAuthSession, error) {
	pending, err := m.consumeState(state)
	if err != nil {
		return nil, err
	}

	p := m.providers[pending.provider]
	if p == nil {
		return nil, fmt.Errorf("%w: unknown oauth provider %q", routex.ErrBadRequest, pending.provider)
	}

	tok, err := p.Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth exchange for %s: %w", pending.provider, err)
	}

	sess, err := m.sealSession(pending, tok)
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Refresh renews one stored session using its refresh token. Sessions
// without a refresh token are left alone.
func (m *Manager) Refresh(ctx context.Context, sess *routex.OAuthSession) error {
	p, ok := m.providers[sess.Provider]
	if !ok {
		return fmt.Errorf("%w: unknown oauth provider %q", routex.ErrBadRequest, sess.Provider)
	}

	if sess.RefreshToken == "" {
		return nil
	}
	refresh, err := m.cipher.Decrypt(sess.RefreshToken)
	if err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}

	src := p.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh})
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("oauth refresh for %s: %w", sess.Provider, err)
	}

	if err := m.encryptInto(sess, tok); err != nil {
		return err
	}
	sess.UpdatedAt = time.Now()
	return m.store.UpdateSession(ctx, sess)
}

// AccessToken decrypts a session's access token for upstream use.
func (m *Manager) AccessToken(sess *routex.OAuthSession) (string, error) {
	return m.cipher.Decrypt(sess.AccessToken)
}

func (m *Manager) consumeState(state string) (pendingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.states[state]
	if !ok {
		return pendingState{}, fmt.Errorf("%w: unknown or reused oauth state", routex.ErrUnauthorized)
	}
	delete(m.states, state)
	if time.Now().After(pending.expires) {
		return pendingState{}, fmt.Errorf("%w: oauth state expired", routex.ErrUnauthorized)
	}
	return pending, nil
}

// SweepStates drops expired pending states and reports how many.
func (m *Manager) SweepStates(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	swept := 0
	for k, p := range m.states {
		if now.After(p.expires) {
			delete(m.states, k)
			swept++
		}
	}
	return swept
}

func (m *Manager) sealSession(pending pendingState, tok *oauth2.Token) (*routex.OAuthSession, error) {
	now := time.Now()
	sess := &routex.OAuthSession{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ChannelID: pending.channelID,
		Provider:  pending.provider,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if scopes, ok := tok.Extra("scope").(string); ok && scopes != "" {
		sess.Scopes = []string{scopes}
	}
	if err := m.encryptInto(sess, tok); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) encryptInto(sess *routex.OAuthSession, tok *oauth2.Token) error {
	access, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	sess.AccessToken = access
	sess.ExpiresAt = tok.Expiry

	if tok.RefreshToken != "" {
		refresh, err := m.cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		sess.RefreshToken = refresh
	}
	return nil
}

// SessionView is the redacted form returned by the admin API.
type SessionView struct {
	ID        string          `json:"id"`
	ChannelID string          `json:"channel_id,omitempty"`
	Provider  string          `json:"provider"`
	ExpiresAt time.Time       `json:"expires_at"`
	Expired   bool            `json:"expired"`
	Scopes    []string        `json:"scopes,omitempty"`
	UserInfo  json.RawMessage `json:"user_info,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// View redacts a session for API responses.
func View(sess *routex.OAuthSession, now time.Time) SessionView {
	return SessionView{
		ID:        sess.ID,
		ChannelID: sess.ChannelID,
		Provider:  sess.Provider,
		ExpiresAt: sess.ExpiresAt,
		Expired:   sess.Expired(now),
		Scopes:    sess.Scopes,
		UserInfo:  sess.UserInfo,
		CreatedAt: sess.CreatedAt,
	}
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
