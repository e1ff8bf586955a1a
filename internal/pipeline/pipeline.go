package pipeline

import (
	"github.com/cmdruid/pubsub-sub004/internal/constants"
	"github.com/cmdruid/pubsub-sub004/internal/filter"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"github.com/cmdruid/pubsub-sub004/internal/subscription"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Drop stages reported by Accept, used as metric labels.
const (
	StageRemoteFilter = "remote_filter"
	StageSelfMention  = "self_mention"
	StageReply        = "reply"
	StageKeyword      = "keyword"
)

// Pipeline is the three-stage filter applied to every inbound event:
// remote-filter replica, local filters, keyword filter. An event must pass
// every active stage to be forwarded.
type Pipeline struct {
	filter   *filter.Filter
	local    subscription.LocalFilters
	keywords *KeywordMatcher
	log      *zap.Logger
}

// New builds the pipeline for one subscription. The filter is validated
// here so an empty filter never reaches the match stages.
func New(cfg *subscription.Configuration) (*Pipeline, error) {
	if err := cfg.Filter.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		filter:   cfg.Filter,
		local:    cfg.Local,
		keywords: NewKeywordMatcher(cfg.Keywords),
		log:      logger.New("pipeline"),
	}, nil
}

// Accept runs the event through all stages. The second return value names
// the stage that rejected the event, empty when accepted.
func (p *Pipeline) Accept(ev *nostr.Event) (bool, string) {
	// Stage 1: re-validate against the remote filter. Relays are not
	// trusted to only send matching events.
	if !p.filter.Matches(ev) {
		return false, StageRemoteFilter
	}

	// Stage 2: local refinements.
	if p.local.ExcludeSelfMentions && mentionsSelf(ev) {
		return false, StageSelfMention
	}
	if p.local.ExcludeReplies && isReply(ev) {
		return false, StageReply
	}

	// Stage 3: keyword filter, only when keywords are configured.
	if !p.keywords.Match(ev.Content) {
		return false, StageKeyword
	}

	return true, ""
}

// mentionsSelf reports whether the event author's pubkey appears among the
// event's referenced-pubkey tags.
func mentionsSelf(ev *nostr.Event) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == constants.TagPubkey && tag[1] == ev.PubKey {
			return true
		}
	}
	return false
}

// isReply reports whether the event carries any referenced-event tag.
func isReply(ev *nostr.Event) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == constants.TagEvent {
			return true
		}
	}
	return false
}
