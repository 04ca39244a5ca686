package langdetect

import "testing"

func TestNormalizeCode(t *testing.T) {
	t.Parallel()

	if got := NormalizeCode(" EN_us "); got != "en" {
		t.Fatalf("unexpected normalized code: %q", got)
	}
	if got := NormalizeCode("pt-BR"); got != "pt" {
		t.Fatalf("unexpected normalized code: %q", got)
	}
	if got := NormalizeCode("e1"); got != "" {
		t.Fatalf("expected invalid code to normalize to empty string, got %q", got)
	}
	if got := NormalizeCode(" "); got != "" {
		t.Fatalf("expected empty code for blank input, got %q", got)
	}
}

func TestCreativeLanguagePrefersDeclared(t *testing.T) {
	t.Parallel()

	if got := CreativeLanguage("de_DE", ""); got != "de" {
		t.Fatalf("expected declared language to win, got %q", got)
	}
}

func TestDetectISO6391SkipsShortText(t *testing.T) {
	t.Parallel()

	if got := DetectISO6391("Vote!"); got != "" {
		t.Fatalf("expected short text to be undetected, got %q", got)
	}
}
