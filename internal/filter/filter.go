package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cmdruid/pubsub-sub004/internal/constants"
	nostr "github.com/nbd-wtf/go-nostr"
)

// ErrEmptyFilter is returned by Validate for a filter with no criteria.
// An empty filter would match every event on the relay and is rejected
// before any connection is opened.
var ErrEmptyFilter = errors.New("filter has no criteria")

// TagEntry is a single user-authored (tag letter, value) pair. Entries
// sharing a letter are grouped into one "#<letter>" array on the wire and
// expanded back into independent entries when parsed.
type TagEntry struct {
	Tag   string
	Value string
}

// Filter is the remote-filter specification sent to relays and replicated
// locally by the pipeline. Absent fields are omitted from the wire format
// entirely, never emitted as null.
type Filter struct {
	Kinds      []int
	Authors    []string
	RefEvents  []string // matched against the reserved "e" tag
	RefPubkeys []string // matched against the reserved "p" tag
	Hashtags   []TagEntry
	Search     string
	Since      *int64 // unix seconds, inclusive
	Until      *int64 // unix seconds, inclusive
	Limit      int
}

// Validate rejects filters that carry no criteria and tag entries that
// collide with the reserved "e"/"p" namespaces or are not single letters.
func (f *Filter) Validate() error {
	if f.IsEmpty() {
		return ErrEmptyFilter
	}
	for _, entry := range f.Hashtags {
		if len(entry.Tag) != 1 || entry.Tag[0] < 'a' || entry.Tag[0] > 'z' {
			return fmt.Errorf("invalid tag letter %q", entry.Tag)
		}
		if entry.Tag == constants.TagEvent || entry.Tag == constants.TagPubkey {
			return fmt.Errorf("tag %q is reserved", entry.Tag)
		}
	}
	return nil
}

// IsEmpty reports whether no criterion field is set.
func (f *Filter) IsEmpty() bool {
	return len(f.Kinds) == 0 &&
		len(f.Authors) == 0 &&
		len(f.RefEvents) == 0 &&
		len(f.RefPubkeys) == 0 &&
		len(f.Hashtags) == 0 &&
		f.Search == "" &&
		f.Since == nil &&
		f.Until == nil &&
		f.Limit == 0
}

// Clone returns a deep copy. Per-relay specialization works on copies so
// the stored configuration is never mutated.
func (f *Filter) Clone() *Filter {
	out := &Filter{
		Kinds:      append([]int(nil), f.Kinds...),
		Authors:    append([]string(nil), f.Authors...),
		RefEvents:  append([]string(nil), f.RefEvents...),
		RefPubkeys: append([]string(nil), f.RefPubkeys...),
		Hashtags:   append([]TagEntry(nil), f.Hashtags...),
		Search:     f.Search,
		Limit:      f.Limit,
	}
	if f.Since != nil {
		since := *f.Since
		out.Since = &since
	}
	if f.Until != nil {
		until := *f.Until
		out.Until = &until
	}
	return out
}

// MarshalJSON emits the NIP-01 filter object. Hashtag entries sharing a
// letter are grouped into a single "#<letter>" array.
func (f Filter) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{})
	if len(f.Kinds) > 0 {
		obj["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		obj["authors"] = f.Authors
	}
	if len(f.RefEvents) > 0 {
		obj["#"+constants.TagEvent] = f.RefEvents
	}
	if len(f.RefPubkeys) > 0 {
		obj["#"+constants.TagPubkey] = f.RefPubkeys
	}
	for _, group := range groupTags(f.Hashtags) {
		key := "#" + group.tag
		values, _ := obj[key].([]string)
		obj[key] = append(values, group.values...)
	}
	if f.Search != "" {
		obj["search"] = f.Search
	}
	if f.Since != nil {
		obj["since"] = *f.Since
	}
	if f.Until != nil {
		obj["until"] = *f.Until
	}
	if f.Limit > 0 {
		obj["limit"] = f.Limit
	}
	return json.Marshal(obj)
}

// UnmarshalJSON expands "#<letter>" arrays back into independent tag
// entries. Order within a group is not preserved, only membership.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = Filter{}
	for key, val := range raw {
		switch {
		case key == "kinds":
			if err := json.Unmarshal(val, &f.Kinds); err != nil {
				return fmt.Errorf("kinds: %w", err)
			}
		case key == "authors":
			if err := json.Unmarshal(val, &f.Authors); err != nil {
				return fmt.Errorf("authors: %w", err)
			}
		case key == "search":
			if err := json.Unmarshal(val, &f.Search); err != nil {
				return fmt.Errorf("search: %w", err)
			}
		case key == "since":
			var since int64
			if err := json.Unmarshal(val, &since); err != nil {
				return fmt.Errorf("since: %w", err)
			}
			f.Since = &since
		case key == "until":
			var until int64
			if err := json.Unmarshal(val, &until); err != nil {
				return fmt.Errorf("until: %w", err)
			}
			f.Until = &until
		case key == "limit":
			if err := json.Unmarshal(val, &f.Limit); err != nil {
				return fmt.Errorf("limit: %w", err)
			}
		case strings.HasPrefix(key, "#") && len(key) == 2:
			var values []string
			if err := json.Unmarshal(val, &values); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			tag := key[1:]
			switch tag {
			case constants.TagEvent:
				f.RefEvents = values
			case constants.TagPubkey:
				f.RefPubkeys = values
			default:
				for _, v := range values {
					f.Hashtags = append(f.Hashtags, TagEntry{Tag: tag, Value: v})
				}
			}
		default:
			// Unknown keys are ignored rather than rejected.
		}
	}
	return nil
}

// Matches replicates the relay-side filter evaluation against a received
// event. Relays are not trusted to only send matching events.
func (f *Filter) Matches(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.RefEvents) > 0 && !eventHasTagValue(ev, constants.TagEvent, f.RefEvents) {
		return false
	}
	if len(f.RefPubkeys) > 0 && !eventHasTagValue(ev, constants.TagPubkey, f.RefPubkeys) {
		return false
	}
	for _, group := range groupTags(f.Hashtags) {
		if !eventHasTagValue(ev, group.tag, group.values) {
			return false
		}
	}
	// since > until matches nothing; the window is inclusive on both ends.
	created := int64(ev.CreatedAt)
	if f.Since != nil && created < *f.Since {
		return false
	}
	if f.Until != nil && created > *f.Until {
		return false
	}
	if f.Search != "" &&
		!strings.Contains(strings.ToLower(ev.Content), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

type tagGroup struct {
	tag    string
	values []string
}

// groupTags buckets entries by tag letter preserving first-seen group order.
func groupTags(entries []TagEntry) []tagGroup {
	var groups []tagGroup
	index := make(map[string]int)
	for _, entry := range entries {
		if i, ok := index[entry.Tag]; ok {
			groups[i].values = append(groups[i].values, entry.Value)
			continue
		}
		index[entry.Tag] = len(groups)
		groups = append(groups, tagGroup{tag: entry.Tag, values: []string{entry.Value}})
	}
	return groups
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// eventHasTagValue reports whether the event carries at least one tag
// [name, value] with value in the accepted set.
func eventHasTagValue(ev *nostr.Event, name string, accepted []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name && containsString(accepted, tag[1]) {
			return true
		}
	}
	return false
}
