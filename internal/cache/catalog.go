package cache

import (
	"context"
	"time"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/storage"
)

// Class names, also the keys under which stats are reported.
const (
	ClassChannels        = "channels"
	ClassEnabledChannels = "enabled_channels"
	ClassSingleChannel   = "single_channel"
	ClassRoutingRules    = "routing_rules"
)

// Singleton keys for the list-valued classes.
const listKey = "all"

// Catalog is the read-through cache over the store's hot reads. Admin writes
// must invalidate the touched class.
type Catalog struct {
	store storage.Store

	channels *Class[[]*routex.Channel]
	enabled  *Class[[]*routex.Channel]
	single   *Class[*routex.Channel]
	rules    *Class[[]*routex.RoutingRule]
}

// NewCatalog creates a Catalog over the given store.
func NewCatalog(store storage.Store, cfg TTLConfig) *Catalog {
	return &Catalog{
		store:    store,
		channels: NewClass[[]*routex.Channel](ClassChannels, 4, cfg),
		enabled:  NewClass[[]*routex.Channel](ClassEnabledChannels, 4, cfg),
		single:   NewClass[*routex.Channel](ClassSingleChannel, 1024, cfg),
		rules:    NewClass[[]*routex.RoutingRule](ClassRoutingRules, 4, cfg),
	}
}

// Channels returns all channels.
func (c *Catalog) Channels(ctx context.Context) ([]*routex.Channel, error) {
	return c.channels.Get(ctx, listKey, c.store.ListChannels)
}

// EnabledChannels returns channels whose admin status is not disabled.
func (c *Catalog) EnabledChannels(ctx context.Context) ([]*routex.Channel, error) {
	return c.enabled.Get(ctx, listKey, c.store.ListEnabledChannels)
}

// Channel returns one channel by id.
func (c *Catalog) Channel(ctx context.Context, id string) (*routex.Channel, error) {
	return c.single.Get(ctx, id, func(ctx context.Context) (*routex.Channel, error) {
		return c.store.GetChannel(ctx, id)
	})
}

// EnabledRules returns enabled routing rules in effective order.
func (c *Catalog) EnabledRules(ctx context.Context) ([]*routex.RoutingRule, error) {
	return c.rules.Get(ctx, listKey, c.store.ListEnabledRules)
}

// InvalidateChannel drops the cached snapshot of one channel plus the list
// classes that contain it.
func (c *Catalog) InvalidateChannel(id string) {
	c.single.Invalidate(id)
	c.channels.Purge()
	c.enabled.Purge()
}

// InvalidateChannels drops all channel-derived entries.
func (c *Catalog) InvalidateChannels() {
	c.single.Purge()
	c.channels.Purge()
	c.enabled.Purge()
}

// InvalidateRules drops the cached rule list.
func (c *Catalog) InvalidateRules() {
	c.rules.Purge()
}

// Adjust runs one adaptive TTL cycle over every class.
func (c *Catalog) Adjust(now time.Time) {
	c.channels.Adjust(now)
	c.enabled.Adjust(now)
	c.single.Adjust(now)
	c.rules.Adjust(now)
}

// ClassStats returns per-class cache statistics.
func (c *Catalog) ClassStats() map[string]Stats {
	return map[string]Stats{
		ClassChannels:        c.channels.Stats(),
		ClassEnabledChannels: c.enabled.Stats(),
		ClassSingleChannel:   c.single.Stats(),
		ClassRoutingRules:    c.rules.Stats(),
	}
}
