package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

// Generator produces a raw reply from the combined pending text and answered
// history. Failures propagate; the composer never fabricates fallback text.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, history []Message, userTurn string) (string, error)
}

// stageDirectivePattern matches a trailing "[tag: value]" directive emitted
// by the generator.
var stageDirectivePattern = regexp.MustCompile(`\[tag:\s*([^\]]+)\]`)

// placeholderPattern matches named placeholders like {{booking_link}}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// mojibakeReplacer normalizes typographic artifacts and common UTF-8
// double-encoding glitches into plain punctuation. Display-quality only.
var mojibakeReplacer = strings.NewReplacer(
	"—", " - ",
	"–", "-",
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
	"â€™", "'",
	"â€˜", "'",
	"â€œ", `"`,
	"â€", `"`,
	"â€”", " - ",
	"â€“", "-",
)

// ComposeInput carries everything the composer needs for one reply.
type ComposeInput struct {
	SystemPrompt string
	History      []Message
	UserTurn     string
	Replacements map[string]string
}

// ComposedReply is the post-processed generator output.
type ComposedReply struct {
	// Text is the user-visible payload, directive stripped.
	Text string
	// StageTag is the extracted stage directive, normalized, or "".
	StageTag string
	// Suppressed is true for terminal flag directives: nothing may be sent,
	// though the stage update is still persisted.
	Suppressed bool
}

// Composer turns pending user text into a deliverable reply.
type Composer struct {
	generator Generator
	prompts   *PromptCache
	logger    *logging.Logger
}

// NewComposer creates a composer around the given generator.
func NewComposer(generator Generator, prompts *PromptCache, logger *logging.Logger) *Composer {
	if generator == nil {
		panic("conversation: generator cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Composer{generator: generator, prompts: prompts, logger: logger}
}

// Compose calls the generator and applies the post-processing pipeline:
// typography cleanup, stage directive extraction, placeholder substitution.
func (c *Composer) Compose(ctx context.Context, in ComposeInput) (*ComposedReply, error) {
	systemPrompt := in.SystemPrompt
	if systemPrompt == "" && c.prompts != nil {
		systemPrompt, _ = c.prompts.Get()
	}

	raw, err := c.generator.Generate(ctx, systemPrompt, in.History, in.UserTurn)
	if err != nil {
		return nil, fmt.Errorf("conversation: generate reply: %w", err)
	}

	text := NormalizeTypography(raw)
	tag := ExtractStageTag(text)
	text = StripStageTag(text)

	reply := &ComposedReply{
		Text:     strings.TrimSpace(c.substitute(text, in.Replacements)),
		StageTag: tag,
	}
	if IsFlagStage(tag) {
		reply.Suppressed = true
		reply.Text = ""
	}
	return reply, nil
}

func (c *Composer) substitute(text string, replacements map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		if value, ok := replacements[name]; ok && strings.TrimSpace(value) != "" {
			return value
		}
		c.logger.Warn("dropping placeholder with no configured value", "placeholder", name)
		return ""
	})
}

// NormalizeTypography converts smart punctuation and mojibake into plain
// characters.
func NormalizeTypography(text string) string {
	return mojibakeReplacer.Replace(text)
}

// ExtractStageTag returns the normalized value of the last stage directive
// in the text, or "" if none exists.
func ExtractStageTag(text string) string {
	matches := stageDirectivePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return NormalizeStageTag(matches[len(matches)-1][1])
}

// StripStageTag removes all stage directives from the text.
func StripStageTag(text string) string {
	return strings.TrimSpace(stageDirectivePattern.ReplaceAllString(text, ""))
}
