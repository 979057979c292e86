package supervisor

import (
	"fmt"
	"sync"

	"github.com/wasilibs/go-re2"
	"golang.org/x/text/unicode/norm"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// triggerMatcher decides whether a message batch addresses the assistant.
// Patterns may come from group registrations, so compilation uses re2 for
// linear-time matching on user-supplied expressions.
type triggerMatcher struct {
	defaultRe *re2.Regexp

	mu       sync.Mutex
	compiled map[string]*re2.Regexp
}

// newTriggerMatcher builds the default word-boundary pattern for the
// assistant name.
func newTriggerMatcher(assistantName string) (*triggerMatcher, error) {
	def, err := re2.Compile(`(?i)\b` + re2.QuoteMeta(assistantName) + `\b`)
	if err != nil {
		return nil, fmt.Errorf("failed to compile default trigger for %q: %w", assistantName, err)
	}
	return &triggerMatcher{
		defaultRe: def,
		compiled:  make(map[string]*re2.Regexp),
	}, nil
}

// Matches reports whether any message in the batch triggers the agent:
// an explicit bot mention, a reply to the bot, or a text match against the
// group's trigger pattern.
func (t *triggerMatcher) Matches(group *store.Group, msgs []store.Message) bool {
	re := t.pattern(group.Config.Trigger)
	for _, m := range msgs {
		if m.MentionsBot {
			return true
		}
		// NFKC folds homoglyph and width tricks before matching, so
		// decorated spellings of the name still trigger.
		if re.MatchString(norm.NFKC.String(m.Content)) {
			return true
		}
	}
	return false
}

// pattern returns the group's compiled trigger, falling back to the
// default when the override is absent or invalid.
func (t *triggerMatcher) pattern(override string) *re2.Regexp {
	if override == "" {
		return t.defaultRe
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if re, ok := t.compiled[override]; ok {
		return re
	}
	re, err := re2.Compile(override)
	if err != nil {
		re = t.defaultRe
	}
	t.compiled[override] = re
	return re
}
