package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

type stubGenerator struct {
	reply string
	err   error

	lastSystemPrompt string
	lastHistory      []Message
	lastUserTurn     string
	calls            int
}

func (g *stubGenerator) Generate(_ context.Context, systemPrompt string, history []Message, userTurn string) (string, error) {
	g.calls++
	g.lastSystemPrompt = systemPrompt
	g.lastHistory = history
	g.lastUserTurn = userTurn
	return g.reply, g.err
}

func TestComposer_ExtractsAndStripsStageTag(t *testing.T) {
	gen := &stubGenerator{reply: "Sounds great, I'll send the details over! [tag: qualification]"}
	composer := NewComposer(gen, nil, logging.Default())

	reply, err := composer.Compose(context.Background(), ComposeInput{UserTurn: "tell me more"})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if reply.StageTag != "qualification" {
		t.Errorf("StageTag = %q, want qualification", reply.StageTag)
	}
	if reply.Text != "Sounds great, I'll send the details over!" {
		t.Errorf("directive not stripped: %q", reply.Text)
	}
	if reply.Suppressed {
		t.Error("normal stage must not suppress the reply")
	}
}

func TestComposer_LastStageDirectiveWins(t *testing.T) {
	gen := &stubGenerator{reply: "[tag: lead] Let me check. [tag: booking]"}
	composer := NewComposer(gen, nil, logging.Default())

	reply, err := composer.Compose(context.Background(), ComposeInput{UserTurn: "x"})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if reply.StageTag != "booking" {
		t.Errorf("StageTag = %q, want booking", reply.StageTag)
	}
	if reply.Text != "Let me check." {
		t.Errorf("expected every directive stripped, got %q", reply.Text)
	}
}

func TestComposer_FlagDirectiveSuppressesText(t *testing.T) {
	gen := &stubGenerator{reply: "I think a human should take this one. [tag: flag]"}
	composer := NewComposer(gen, nil, logging.Default())

	reply, err := composer.Compose(context.Background(), ComposeInput{UserTurn: "legal question"})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if !reply.Suppressed {
		t.Fatal("expected flag directive to suppress the reply")
	}
	if reply.Text != "" {
		t.Errorf("suppressed reply must carry no text, got %q", reply.Text)
	}
	if reply.StageTag != "flag" {
		t.Errorf("StageTag = %q, want flag", reply.StageTag)
	}
}

func TestComposer_SubstitutesPlaceholders(t *testing.T) {
	gen := &stubGenerator{reply: "Book here: {{ booking_link }} and see {{unknown_thing}} too"}
	composer := NewComposer(gen, nil, logging.Default())

	reply, err := composer.Compose(context.Background(), ComposeInput{
		UserTurn:     "link please",
		Replacements: map[string]string{"booking_link": "https://cal.example/book"},
	})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if reply.Text != "Book here: https://cal.example/book and see  too" {
		t.Errorf("unexpected substitution result: %q", reply.Text)
	}
}

func TestComposer_NormalizesTypography(t *testing.T) {
	gen := &stubGenerator{reply: "It’s “right here” — promise"}
	composer := NewComposer(gen, nil, logging.Default())

	reply, err := composer.Compose(context.Background(), ComposeInput{UserTurn: "x"})
	if err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if reply.Text != `It's "right here"  -  promise` {
		t.Errorf("typography not normalized: %q", reply.Text)
	}
}

func TestComposer_GeneratorErrorPropagates(t *testing.T) {
	gen := &stubGenerator{err: errors.New("model unavailable")}
	composer := NewComposer(gen, nil, logging.Default())

	if _, err := composer.Compose(context.Background(), ComposeInput{UserTurn: "x"}); err == nil {
		t.Fatal("expected generator error to propagate")
	}
}

func TestComposer_UsesPromptCacheWhenNoSystemPrompt(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	prompts := &PromptCache{}
	prompts.Set("be friendly")
	composer := NewComposer(gen, prompts, logging.Default())

	if _, err := composer.Compose(context.Background(), ComposeInput{UserTurn: "x"}); err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if gen.lastSystemPrompt != "be friendly" {
		t.Errorf("expected cached prompt, got %q", gen.lastSystemPrompt)
	}

	// An explicit prompt wins over the cache.
	if _, err := composer.Compose(context.Background(), ComposeInput{SystemPrompt: "be brief", UserTurn: "x"}); err != nil {
		t.Fatalf("Compose returned error: %v", err)
	}
	if gen.lastSystemPrompt != "be brief" {
		t.Errorf("expected explicit prompt, got %q", gen.lastSystemPrompt)
	}
}

func TestExtractStageTagNone(t *testing.T) {
	if got := ExtractStageTag("plain text"); got != "" {
		t.Errorf("expected no tag, got %q", got)
	}
}
