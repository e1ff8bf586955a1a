package pipeline

import (
	"regexp"
	"sync"
)

// Compiled keyword patterns are cached process-wide so subscriptions
// sharing keywords never recompile them per event.
var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]*regexp.Regexp)
)

func keywordPattern(keyword string) *regexp.Regexp {
	patternMu.RLock()
	re, ok := patternCache[keyword]
	patternMu.RUnlock()
	if ok {
		return re
	}

	re = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)

	patternMu.Lock()
	patternCache[keyword] = re
	patternMu.Unlock()
	return re
}

// KeywordMatcher matches event content against a configured keyword list.
// Keywords match as whole words, case-insensitively.
type KeywordMatcher struct {
	patterns []*regexp.Regexp
}

// NewKeywordMatcher compiles (or reuses) a pattern per keyword. An empty
// keyword list yields a matcher that accepts everything.
func NewKeywordMatcher(keywords []string) *KeywordMatcher {
	m := &KeywordMatcher{}
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		m.patterns = append(m.patterns, keywordPattern(kw))
	}
	return m
}

// Match reports whether the content contains at least one keyword as a
// whole word. With no keywords configured every content matches.
func (m *KeywordMatcher) Match(content string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	for _, re := range m.patterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}
