package conversation

import "strings"

// PartitionHistory splits a message log at the last assistant message.
// Everything up to and including it is answered history; everything after is
// the pending batch of unanswered user turns. With no assistant message, all
// messages are pending.
func PartitionHistory(messages []Message) (answered, pending []Message) {
	lastAssistant := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			lastAssistant = i
			break
		}
	}
	if lastAssistant < 0 {
		return nil, messages
	}
	return messages[:lastAssistant+1], messages[lastAssistant+1:]
}

// CombinePending joins the trimmed text of all user-role pending messages
// with blank-line separators. Non-text turns (e.g. image-only) contribute
// nothing; if the join comes up empty it falls back to the last pending
// message's text. An empty result means there is nothing to answer.
func CombinePending(pending []Message) string {
	var parts []string
	for _, msg := range pending {
		if msg.Role != RoleUser {
			continue
		}
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}

	combined := strings.Join(parts, "\n\n")
	if combined == "" && len(pending) > 0 {
		combined = strings.TrimSpace(pending[len(pending)-1].Content)
	}
	return combined
}

// LatestPendingMID returns the provider message id of the newest pending
// user message, used to detect replies generated against stale history.
func LatestPendingMID(pending []Message) string {
	for i := len(pending) - 1; i >= 0; i-- {
		if pending[i].Role == RoleUser {
			if mid := pending[i].MID(); mid != "" {
				return mid
			}
		}
	}
	return ""
}
