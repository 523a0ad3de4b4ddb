package conversation

import (
	"strings"

	"github.com/inboxpilot/inboxpilot/internal/settings"
)

// TriggerKind identifies which configured list produced a match.
type TriggerKind int

const (
	// TriggerNone means no configured entry matched.
	TriggerNone TriggerKind = iota
	// TriggerKeyword and TriggerKeywordPhrase force automation on, send the
	// configured initial message, and skip reply generation for the turn.
	TriggerKeyword
	TriggerKeywordPhrase
	// TriggerActivation forces automation on but lets the turn continue into
	// normal reply generation.
	TriggerActivation
)

// matchMode makes each list's comparison semantics explicit. The source
// behavior mixed exact and substring matching per field; the enum keeps that
// behavior but names it.
type matchMode int

const (
	matchExactOrPrefix matchMode = iota // equality, or "KEYWORD " prefix
	matchExactOrSubstring
	matchSubstring
)

type triggerRule struct {
	phrase string
	mode   matchMode
	kind   TriggerKind
}

// TriggerMatch is the outcome of matching inbound text against a workspace's
// configured trigger lists.
type TriggerMatch struct {
	Kind TriggerKind
	// Phrase is the configured entry that matched, uppercased.
	Phrase string
	// SkipGeneration is true when the turn is fully handled by the trigger
	// (initial message instead of a generated reply).
	SkipGeneration bool
}

// MatchTriggers evaluates inbound text against the workspace's keyword,
// keyword-phrase, and activation-phrase lists, in that priority order,
// case-insensitively. Returns a TriggerNone match when nothing applies.
func MatchTriggers(text string, ws settings.Workspace) TriggerMatch {
	normalized := strings.ToUpper(strings.TrimSpace(text))
	if normalized == "" {
		return TriggerMatch{Kind: TriggerNone}
	}

	var rules []triggerRule
	for _, kw := range ws.Keywords {
		rules = append(rules, triggerRule{phrase: kw, mode: matchExactOrPrefix, kind: TriggerKeyword})
	}
	for _, line := range splitLines(ws.KeywordPhrases) {
		rules = append(rules, triggerRule{phrase: line, mode: matchExactOrSubstring, kind: TriggerKeywordPhrase})
	}
	for _, line := range splitLines(ws.ActivationPhrases) {
		rules = append(rules, triggerRule{phrase: line, mode: matchSubstring, kind: TriggerActivation})
	}

	for _, rule := range rules {
		phrase := strings.ToUpper(strings.TrimSpace(rule.phrase))
		if phrase == "" {
			continue
		}
		if !matches(normalized, phrase, rule.mode) {
			continue
		}
		return TriggerMatch{
			Kind:           rule.kind,
			Phrase:         phrase,
			SkipGeneration: rule.kind == TriggerKeyword || rule.kind == TriggerKeywordPhrase,
		}
	}
	return TriggerMatch{Kind: TriggerNone}
}

func matches(message, phrase string, mode matchMode) bool {
	switch mode {
	case matchExactOrPrefix:
		return message == phrase || strings.HasPrefix(message, phrase+" ")
	case matchExactOrSubstring:
		return message == phrase || strings.Contains(message, phrase)
	case matchSubstring:
		return strings.Contains(message, phrase)
	}
	return false
}

func splitLines(block string) []string {
	if strings.TrimSpace(block) == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
