package pipeline

import (
	"reflect"
	"strings"
	"testing"
)

func TestChunkerCutsAtSentenceBoundary(t *testing.T) {
	c := NewChunker(140)
	var got []string
	got = append(got, c.Push("Hello there! We are open ")...)
	got = append(got, c.Push("from nine to five. Anything else")...)
	if rest := c.Flush(); rest != "" {
		got = append(got, rest)
	}

	want := []string{"Hello there!", "We are open from nine to five.", "Anything else"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("phrases = %q, want %q", got, want)
	}
}

func TestChunkerCommaNeedsEnoughText(t *testing.T) {
	c := NewChunker(140)
	if got := c.Push("Yes, of course"); len(got) != 0 {
		t.Fatalf("short comma cut phrases = %q, want none", got)
	}
	long := strings.Repeat("a", commaCutoff) + ", and then some"
	c2 := NewChunker(140)
	got := c2.Push(long)
	if len(got) != 1 || !strings.HasSuffix(got[0], ",") {
		t.Fatalf("long comma cut = %q, want one phrase ending in comma", got)
	}
}

func TestChunkerCutsOversizeAtWordBoundary(t *testing.T) {
	c := NewChunker(20)
	got := c.Push("one two three four five six seven")
	if len(got) == 0 {
		t.Fatalf("oversize buffer produced no phrase")
	}
	for _, ph := range got {
		if strings.Contains(ph, "  ") || strings.HasSuffix(ph, " ") {
			t.Fatalf("phrase %q not trimmed", ph)
		}
	}
}

func TestChunkerDecimalDoesNotCut(t *testing.T) {
	c := NewChunker(140)
	if got := c.Push("the price is 3.5"); len(got) != 0 {
		t.Fatalf("phrases = %q, want none (dot inside a number)", got)
	}
	got := c.Push("0 dollars today.")
	if len(got) != 1 || got[0] != "the price is 3.50 dollars today." {
		t.Fatalf("phrases = %q, want the completed sentence", got)
	}
}

func TestSanitizeSpeechStripsDecoration(t *testing.T) {
	got := sanitizeSpeech("  **Sure!**  We open   at `9am` _today_. ")
	want := "Sure! We open at 9am today."
	if got != want {
		t.Fatalf("sanitizeSpeech() = %q, want %q", got, want)
	}
}
