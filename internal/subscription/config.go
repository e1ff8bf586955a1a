package subscription

import (
	"fmt"
	"net/url"

	"github.com/cmdruid/pubsub-sub004/internal/filter"
)

// LocalFilters are client-only refinements applied after the remote-filter
// replica, independent of what was sent to the relay.
type LocalFilters struct {
	// ExcludeSelfMentions drops events whose author appears among the
	// event's referenced-pubkey tags. Enabled by default.
	ExcludeSelfMentions bool
	// ExcludeReplies drops events carrying any referenced-event tag.
	// Disabled by default.
	ExcludeReplies bool
}

// DefaultLocalFilters returns the stock local-filter settings.
func DefaultLocalFilters() LocalFilters {
	return LocalFilters{ExcludeSelfMentions: true, ExcludeReplies: false}
}

// Configuration is one named subscription: relay set, filter, local
// refinements, and a delivery target. Immutable once built; edits replace
// the whole value.
type Configuration struct {
	ID       string
	Name     string
	Enabled  bool
	Target   string
	Relays   []string
	Filter   *filter.Filter
	Local    LocalFilters
	Keywords []string
}

// Validate checks the invariants the core relies on. The configuration
// boundary hands in fully-built values; this is the last gate before any
// connection is opened.
func (c *Configuration) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if len(c.Relays) == 0 {
		return fmt.Errorf("subscription %q has no relays", c.ID)
	}
	for _, raw := range c.Relays {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			return fmt.Errorf("subscription %q: invalid relay url %q", c.ID, raw)
		}
	}
	if c.Target != "" {
		parsed, err := url.Parse(c.Target)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("subscription %q: invalid target url %q", c.ID, c.Target)
		}
	}
	if c.Filter == nil {
		return fmt.Errorf("subscription %q has no filter", c.ID)
	}
	if err := c.Filter.Validate(); err != nil {
		return fmt.Errorf("subscription %q: %w", c.ID, err)
	}
	return nil
}
