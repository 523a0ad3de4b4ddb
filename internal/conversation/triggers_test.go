package conversation

import (
	"testing"

	"github.com/inboxpilot/inboxpilot/internal/settings"
)

func TestMatchTriggers_KeywordExactAndPrefix(t *testing.T) {
	ws := settings.Workspace{Keywords: []string{"USA"}}

	tests := []struct {
		text string
		want TriggerKind
	}{
		{"USA", TriggerKeyword},
		{"usa", TriggerKeyword},
		{"  Usa  ", TriggerKeyword},
		{"USA please", TriggerKeyword},
		{"USAnything", TriggerNone},
		{"I love the USA", TriggerNone},
		{"", TriggerNone},
	}
	for _, tt := range tests {
		got := MatchTriggers(tt.text, ws)
		if got.Kind != tt.want {
			t.Errorf("MatchTriggers(%q).Kind = %v, want %v", tt.text, got.Kind, tt.want)
		}
	}
}

func TestMatchTriggers_KeywordPhraseSubstring(t *testing.T) {
	ws := settings.Workspace{KeywordPhrases: "send me the info\nprice list"}

	got := MatchTriggers("can you send me the info today?", ws)
	if got.Kind != TriggerKeywordPhrase {
		t.Fatalf("Kind = %v, want TriggerKeywordPhrase", got.Kind)
	}
	if !got.SkipGeneration {
		t.Error("keyword phrase match must skip generation")
	}
	if got.Phrase != "SEND ME THE INFO" {
		t.Errorf("Phrase = %q", got.Phrase)
	}
}

func TestMatchTriggers_ActivationContinuesGeneration(t *testing.T) {
	ws := settings.Workspace{ActivationPhrases: "tell me more"}

	got := MatchTriggers("ok tell me more about it", ws)
	if got.Kind != TriggerActivation {
		t.Fatalf("Kind = %v, want TriggerActivation", got.Kind)
	}
	if got.SkipGeneration {
		t.Error("activation match must not skip generation")
	}
}

func TestMatchTriggers_PriorityOrder(t *testing.T) {
	ws := settings.Workspace{
		Keywords:          []string{"INFO"},
		KeywordPhrases:    "info",
		ActivationPhrases: "info",
	}

	got := MatchTriggers("info", ws)
	if got.Kind != TriggerKeyword {
		t.Errorf("expected keyword list to win, got %v", got.Kind)
	}
}

func TestMatchTriggers_BlankConfigEntriesIgnored(t *testing.T) {
	ws := settings.Workspace{
		Keywords:          []string{"  ", ""},
		KeywordPhrases:    "\n  \n",
		ActivationPhrases: "\r\n",
	}
	if got := MatchTriggers("hello", ws); got.Kind != TriggerNone {
		t.Errorf("expected no match from blank config, got %v", got.Kind)
	}
}
