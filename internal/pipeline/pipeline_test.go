package pipeline

import (
	"testing"

	"github.com/cmdruid/pubsub-sub004/internal/filter"
	"github.com/cmdruid/pubsub-sub004/internal/subscription"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *subscription.Configuration {
	return &subscription.Configuration{
		ID:     "sub-1",
		Target: "https://downstream.example.com/hook",
		Relays: []string{"wss://relay.example.com"},
		Filter: &filter.Filter{Kinds: []int{1}},
		Local:  subscription.DefaultLocalFilters(),
	}
}

func note(pubkey, content string, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{
		Kind:    1,
		PubKey:  pubkey,
		Content: content,
		Tags:    tags,
	}
}

func TestNewRejectsEmptyFilter(t *testing.T) {
	cfg := testConfig()
	cfg.Filter = &filter.Filter{}
	_, err := New(cfg)
	assert.ErrorIs(t, err, filter.ErrEmptyFilter)
}

func TestAcceptPassesMatchingEvent(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)

	ok, stage := p.Accept(note("alice", "hello"))
	assert.True(t, ok)
	assert.Empty(t, stage)
}

func TestAcceptRemoteFilterStage(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)

	reaction := note("alice", "+")
	reaction.Kind = 7
	ok, stage := p.Accept(reaction)
	assert.False(t, ok)
	assert.Equal(t, StageRemoteFilter, stage)
}

func TestAcceptSelfMentionStage(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)

	selfMention := note("alice", "about me", nostr.Tag{"p", "alice"})
	ok, stage := p.Accept(selfMention)
	assert.False(t, ok)
	assert.Equal(t, StageSelfMention, stage)

	// Mentioning someone else passes.
	otherMention := note("alice", "about bob", nostr.Tag{"p", "bob"})
	ok, _ = p.Accept(otherMention)
	assert.True(t, ok)
}

func TestAcceptSelfMentionDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Local.ExcludeSelfMentions = false
	p, err := New(cfg)
	require.NoError(t, err)

	ok, _ := p.Accept(note("alice", "about me", nostr.Tag{"p", "alice"}))
	assert.True(t, ok)
}

func TestAcceptReplyStage(t *testing.T) {
	cfg := testConfig()
	cfg.Local.ExcludeReplies = true
	p, err := New(cfg)
	require.NoError(t, err)

	reply := note("alice", "replying", nostr.Tag{"e", "parent-id"})
	ok, stage := p.Accept(reply)
	assert.False(t, ok)
	assert.Equal(t, StageReply, stage)

	topLevel := note("alice", "fresh thread")
	ok, _ = p.Accept(topLevel)
	assert.True(t, ok)
}

func TestAcceptRepliesAllowedByDefault(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)

	ok, _ := p.Accept(note("alice", "replying", nostr.Tag{"e", "parent-id"}))
	assert.True(t, ok)
}

func TestAcceptKeywordStage(t *testing.T) {
	cfg := testConfig()
	cfg.Keywords = []string{"bitcoin", "nostr"}
	p, err := New(cfg)
	require.NoError(t, err)

	ok, _ := p.Accept(note("alice", "thoughts on nostr relays"))
	assert.True(t, ok)

	ok, stage := p.Accept(note("alice", "unrelated chatter"))
	assert.False(t, ok)
	assert.Equal(t, StageKeyword, stage)
}

func TestAcceptStageOrder(t *testing.T) {
	// An event failing multiple stages reports the earliest one.
	cfg := testConfig()
	cfg.Local.ExcludeReplies = true
	cfg.Keywords = []string{"bitcoin"}
	p, err := New(cfg)
	require.NoError(t, err)

	ev := note("alice", "no keyword here",
		nostr.Tag{"p", "alice"}, nostr.Tag{"e", "parent"})
	ok, stage := p.Accept(ev)
	assert.False(t, ok)
	assert.Equal(t, StageSelfMention, stage)
}
