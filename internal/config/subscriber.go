package config

import (
	"sort"
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/filter"
	"github.com/cmdruid/pubsub-sub004/internal/subscription"
)

// SubscriberConfig holds the subscription set and the knobs shared by
// every connection.
type SubscriberConfig struct {
	PingInterval      time.Duration        `mapstructure:"PING_INTERVAL"       json:"ping_interval"       validate:"required,timeout_duration"`
	DedupCapacity     int                  `mapstructure:"DEDUP_CAPACITY"      json:"dedup_capacity"      validate:"required,min=16,max=1000000"`
	DispatchWorkers   int                  `mapstructure:"DISPATCH_WORKERS"    json:"dispatch_workers"    validate:"required,min=1,max=64"`
	DispatchQueueSize int                  `mapstructure:"DISPATCH_QUEUE_SIZE" json:"dispatch_queue_size" validate:"required,min=1,max=65536"`
	Subscriptions     []SubscriptionConfig `mapstructure:"SUBSCRIPTIONS"       json:"subscriptions"       validate:"omitempty,dive"`
}

// SubscriptionConfig is the file-level shape of one subscription. It is
// converted into a subscription.Configuration before use.
type SubscriptionConfig struct {
	ID      string   `mapstructure:"ID"      json:"id"      validate:"required"`
	Name    string   `mapstructure:"NAME"    json:"name"    validate:"omitempty,max=60"`
	Enabled *bool    `mapstructure:"ENABLED" json:"enabled"`
	Target  string   `mapstructure:"TARGET"  json:"target"  validate:"required,http_url"`
	Relays  []string `mapstructure:"RELAYS"  json:"relays"  validate:"required,min=1,dive,relay_url"`

	Kinds      []int               `mapstructure:"KINDS"       json:"kinds"`
	Authors    []string            `mapstructure:"AUTHORS"     json:"authors"`
	RefEvents  []string            `mapstructure:"REF_EVENTS"  json:"ref_events"`
	RefPubkeys []string            `mapstructure:"REF_PUBKEYS" json:"ref_pubkeys"`
	Hashtags   map[string][]string `mapstructure:"HASHTAGS"    json:"hashtags"`
	Search     string              `mapstructure:"SEARCH"      json:"search"`
	Since      *int64              `mapstructure:"SINCE"       json:"since"`
	Until      *int64              `mapstructure:"UNTIL"       json:"until"`
	Limit      int                 `mapstructure:"LIMIT"       json:"limit"       validate:"min=0,max=5000"`

	Keywords            []string `mapstructure:"KEYWORDS"              json:"keywords"`
	ExcludeSelfMentions *bool    `mapstructure:"EXCLUDE_SELF_MENTIONS" json:"exclude_self_mentions"`
	ExcludeReplies      *bool    `mapstructure:"EXCLUDE_REPLIES"       json:"exclude_replies"`
}

// ToConfiguration converts the file-level shape into the runtime one.
// Unset booleans fall back to the stock local-filter defaults.
func (s *SubscriptionConfig) ToConfiguration() *subscription.Configuration {
	f := &filter.Filter{
		Kinds:      s.Kinds,
		Authors:    s.Authors,
		RefEvents:  s.RefEvents,
		RefPubkeys: s.RefPubkeys,
		Hashtags:   hashtagEntries(s.Hashtags),
		Search:     s.Search,
		Since:      s.Since,
		Until:      s.Until,
		Limit:      s.Limit,
	}

	local := subscription.DefaultLocalFilters()
	if s.ExcludeSelfMentions != nil {
		local.ExcludeSelfMentions = *s.ExcludeSelfMentions
	}
	if s.ExcludeReplies != nil {
		local.ExcludeReplies = *s.ExcludeReplies
	}

	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}

	return &subscription.Configuration{
		ID:       s.ID,
		Name:     s.Name,
		Enabled:  enabled,
		Target:   s.Target,
		Relays:   s.Relays,
		Filter:   f,
		Local:    local,
		Keywords: s.Keywords,
	}
}

// hashtagEntries flattens the tag map into sorted entries so two loads
// of the same file produce the same filter.
func hashtagEntries(tags map[string][]string) []filter.TagEntry {
	if len(tags) == 0 {
		return nil
	}

	letters := make([]string, 0, len(tags))
	for tag := range tags {
		letters = append(letters, tag)
	}
	sort.Strings(letters)

	var entries []filter.TagEntry
	for _, tag := range letters {
		for _, value := range tags[tag] {
			entries = append(entries, filter.TagEntry{Tag: tag, Value: value})
		}
	}
	return entries
}
