package engine

import "testing"

func TestSanitizeSpeechText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"**Hello** _world_", "Hello world"},
		{"see https://example.com for details", "see for details"},
		{"code `x := 1` here", "code here"},
		{"[docs](https://example.com) say so", "docs say so"},
		{"keep, punctuation! right?", "keep, punctuation! right?"},
	}
	for _, tc := range cases {
		if got := SanitizeSpeechText(tc.in); got != tc.want {
			t.Fatalf("SanitizeSpeechText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFirstSentenceSplitsAtTerminator(t *testing.T) {
	head, tail, ok := FirstSentence("Sure, I can help. Here is the rest of it.")
	if !ok {
		t.Fatalf("ok = false, want true")
	}
	if head != "Sure, I can help." {
		t.Fatalf("head = %q", head)
	}
	if tail != "Here is the rest of it." {
		t.Fatalf("tail = %q", tail)
	}
}

func TestFirstSentenceWaitsForCompleteSentence(t *testing.T) {
	if _, _, ok := FirstSentence("Sure, I can"); ok {
		t.Fatalf("ok = true for incomplete sentence")
	}
}

func TestFirstSentenceIgnoresDecimalPoints(t *testing.T) {
	head, _, ok := FirstSentence("The answer is 3.5 degrees warmer. More follows.")
	if !ok {
		t.Fatalf("ok = false, want true")
	}
	if head != "The answer is 3.5 degrees warmer." {
		t.Fatalf("head = %q", head)
	}
}

func TestFirstSentenceSwallowsClosingQuote(t *testing.T) {
	head, tail, ok := FirstSentence(`She said "stop right there." Then left.`)
	if !ok {
		t.Fatalf("ok = false, want true")
	}
	if head != `She said "stop right there."` {
		t.Fatalf("head = %q", head)
	}
	if tail != "Then left." {
		t.Fatalf("tail = %q", tail)
	}
}
