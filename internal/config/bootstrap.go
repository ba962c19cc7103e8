package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/crypto"
	"github.com/routexhq/routex/internal/oauth"
	"github.com/routexhq/routex/internal/storage"
)

// Bootstrap seeds the database from the config file. Existing rows win:
// an entry whose name is already present is skipped, so operator edits
// made through the admin API survive restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, cipher *crypto.Cipher) error {
	for _, entry := range cfg.Channels {
		existing, _ := store.GetChannelByName(ctx, entry.Name)
		if existing != nil {
			continue
		}

		vendor := routex.Vendor(entry.Vendor)
		if !vendor.Valid() {
			return fmt.Errorf("channel %q: unknown vendor %q", entry.Name, entry.Vendor)
		}

		var keyEnc string
		if entry.APIKey != "" {
			enc, err := cipher.Encrypt(entry.APIKey)
			if err != nil {
				return fmt.Errorf("channel %q: encrypt api key: %w", entry.Name, err)
			}
			keyEnc = enc
		}

		status := routex.StatusEnabled
		if !entry.IsEnabled() {
			status = routex.StatusDisabled
		}

		now := time.Now()
		ch := &routex.Channel{
			ID:           uuid.Must(uuid.NewV7()).String(),
			Name:         entry.Name,
			Vendor:       vendor,
			BaseURL:      entry.BaseURL,
			APIKeyEnc:    keyEnc,
			Models:       entry.Models,
			Priority:     entry.Priority,
			Weight:       max(1, entry.Weight),
			Status:       status,
			Transformers: entry.Transformers,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := store.CreateChannel(ctx, ch); err != nil {
			return err
		}
		slog.Info("bootstrapped channel", "name", ch.Name, "vendor", ch.Vendor)
	}

	for _, entry := range cfg.Rules {
		if exists, err := ruleExists(ctx, store, entry.Name); err != nil {
			return err
		} else if exists {
			continue
		}

		condition, err := json.Marshal(entry.Condition)
		if err != nil {
			return fmt.Errorf("rule %q: marshal condition: %w", entry.Name, err)
		}

		target := entry.TargetChannel
		if target == "" {
			target = routex.TargetAny
		}

		now := time.Now()
		rule := &routex.RoutingRule{
			ID:            uuid.Must(uuid.NewV7()).String(),
			Name:          entry.Name,
			Type:          routex.RuleType(entry.Type),
			Condition:     condition,
			TargetChannel: target,
			TargetModel:   entry.TargetModel,
			Priority:      entry.Priority,
			Enabled:       entry.IsEnabled(),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := store.CreateRule(ctx, rule); err != nil {
			return err
		}
		slog.Info("bootstrapped rule", "name", rule.Name, "type", rule.Type)
	}

	for _, entry := range cfg.Tees {
		if exists, err := teeExists(ctx, store, entry.Name); err != nil {
			return err
		} else if exists {
			continue
		}

		var filter *routex.TeeFilter
		if len(entry.Models) > 0 || len(entry.Statuses) > 0 {
			filter = &routex.TeeFilter{Models: entry.Models, StatusCodes: entry.Statuses}
		}

		now := time.Now()
		dest := &routex.TeeDestination{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Name:      entry.Name,
			Type:      routex.TeeType(entry.Type),
			Enabled:   entry.IsEnabled(),
			URL:       entry.URL,
			Method:    entry.Method,
			Headers:   entry.Headers,
			FilePath:  entry.FilePath,
			HandlerID: entry.HandlerID,
			Filter:    filter,
			Retries:   entry.Retries,
			TimeoutMs: entry.TimeoutMs,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.CreateTee(ctx, dest); err != nil {
			return err
		}
		slog.Info("bootstrapped tee destination", "name", dest.Name, "type", dest.Type)
	}

	return nil
}

func ruleExists(ctx context.Context, store storage.RuleStore, name string) (bool, error) {
	rules, err := store.ListRules(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range rules {
		if r.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func teeExists(ctx context.Context, store storage.TeeStore, name string) (bool, error) {
	tees, err := store.ListTees(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tees {
		if t.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// OAuthProviders converts configured entries into oauth.Provider values.
// Entries without a client id are skipped so a half-filled env does not
// expose a broken flow.
func (c *Config) OAuthProviders() []*oauth.Provider {
	var providers []*oauth.Provider
	for _, e := range c.OAuth {
		if e.ClientID == "" {
			continue
		}
		providers = append(providers, &oauth.Provider{
			Name: e.Name,
			Config: &oauth2.Config{
				ClientID:     e.ClientID,
				ClientSecret: e.ClientSecret,
				RedirectURL:  e.RedirectURL,
				Scopes:       e.Scopes,
				Endpoint:     providerEndpoint(e),
			},
		})
	}
	return providers
}

// providerEndpoint fills in well-known endpoints so google entries only
// need credentials. Explicit URLs always win.
func providerEndpoint(e OAuthProviderEntry) oauth2.Endpoint {
	if e.AuthURL == "" && e.TokenURL == "" && e.Name == "google" {
		return google.Endpoint
	}
	return oauth2.Endpoint{
		AuthURL:  e.AuthURL,
		TokenURL: e.TokenURL,
	}
}
