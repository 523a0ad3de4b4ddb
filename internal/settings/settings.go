package settings

import "strings"

// AutopilotMode controls workspace-wide automation behavior.
type AutopilotMode string

const (
	// ModeOff disables automated replies for every conversation.
	ModeOff AutopilotMode = "off"
	// ModeLeadCapture replies only in conversations where automation was
	// activated (keyword, activation phrase, or manual toggle).
	ModeLeadCapture AutopilotMode = "lead_capture"
	// ModeFull replies in every conversation.
	ModeFull AutopilotMode = "full"
)

// ParseAutopilotMode normalizes a stored mode value, defaulting to lead capture.
func ParseAutopilotMode(raw string) AutopilotMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "disabled":
		return ModeOff
	case "full", "all":
		return ModeFull
	default:
		return ModeLeadCapture
	}
}

// Workspace is the typed per-business configuration consumed by the
// conversation engine. Fields are versioned so cached copies can be
// invalidated explicitly.
type Workspace struct {
	BusinessID      string
	Version         int64
	AutopilotMode   AutopilotMode
	PageAccessToken string

	// BookingLink substitutes the {{booking_link}} placeholder.
	BookingLink string

	// SystemPrompt is the generator's standing instruction.
	SystemPrompt string

	// Keywords are exact-match activators (or message prefix + space).
	Keywords []string
	// KeywordPhrases is a line-delimited list matched by equality or
	// substring containment.
	KeywordPhrases string
	// ActivationPhrases is a line-delimited list matched by substring
	// containment only; matches do not suppress reply generation.
	ActivationPhrases string
	// InitialMessage is sent verbatim on a keyword match.
	InitialMessage string
	// StartFollowupsOnKeyword arms the lead follow-up sequence after the
	// initial message.
	StartFollowupsOnKeyword bool
}

// Defaults returns the baseline workspace configuration.
func Defaults(businessID string) Workspace {
	return Workspace{
		BusinessID:    businessID,
		AutopilotMode: ModeLeadCapture,
	}
}

// MergeWithDefaults fills zero-valued fields from the defaults so partially
// stored rows never surface as untyped gaps inside the engine.
func MergeWithDefaults(w Workspace) Workspace {
	def := Defaults(w.BusinessID)
	if w.AutopilotMode == "" {
		w.AutopilotMode = def.AutopilotMode
	}
	return w
}

// Replacements returns the named-placeholder substitution map for composing.
func (w Workspace) Replacements() map[string]string {
	return map[string]string{
		"booking_link": w.BookingLink,
	}
}
