package rag

import (
	"strings"
	"testing"
)

func TestCleanReportsPerStepChanges(t *testing.T) {
	text := "Hello\r\nworld“quoted”"
	out, changes := Clean(text, DefaultCleanSteps())
	if strings.Contains(out, "\r") {
		t.Error("carriage returns survived")
	}
	if changes["control_chars"] == 0 {
		t.Errorf("changes = %v", changes)
	}
	if !strings.Contains(out, `"quoted"`) {
		t.Errorf("out = %q", out)
	}
}

func TestControlCharsKeepTabsAndNewlines(t *testing.T) {
	out, n := controlCharStep{}.Apply("a\tb\nc\x00d\x1be")
	if out != "a\tb\ncde" {
		t.Errorf("out = %q", out)
	}
	if n != 2 {
		t.Errorf("n = %d", n)
	}
}

func TestWhitespaceCollapsesRunsAndBlankLines(t *testing.T) {
	in := "one   two\t\tthree   \n\n\n\nnext"
	out, _ := whitespaceStep{}.Apply(in)
	if out != "one two three\n\nnext" {
		t.Errorf("out = %q", out)
	}
}

func TestLineJoinMergesWrappedSentences(t *testing.T) {
	in := "The quick brown fox jumps\nover the lazy dog."
	out, n := lineJoinStep{}.Apply(in)
	if out != "The quick brown fox jumps over the lazy dog." {
		t.Errorf("out = %q", out)
	}
	if n != 1 {
		t.Errorf("n = %d", n)
	}
}

func TestLineJoinLeavesHeadingsAndLists(t *testing.T) {
	in := "# Heading\nSome text follows here.\n- item one\n- item two"
	out, _ := lineJoinStep{}.Apply(in)
	if out != in {
		t.Errorf("out = %q", out)
	}
}

func TestHeaderFooterRemovesRepeatedLines(t *testing.T) {
	page := "ACME Corp Internal\nContent %d differs on each page.\n"
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString(strings.Replace(page, "%d", string(rune('a'+i)), 1))
	}
	out, n := headerFooterStep{minRepeats: 3, maxLineLen: 80}.Apply(b.String())
	if strings.Contains(out, "ACME Corp Internal") {
		t.Errorf("header survived: %q", out)
	}
	if n != 3 {
		t.Errorf("n = %d", n)
	}
	if !strings.Contains(out, "Content a differs") {
		t.Errorf("content dropped: %q", out)
	}
}

func TestBoilerplateRemovesLegalAndPageLines(t *testing.T) {
	in := "Real content.\nCopyright ACME 2024\nAll rights reserved.\nPage 3 of 10\n- 7 -\nMore content."
	out, n := boilerplateStep{}.Apply(in)
	if out != "Real content.\nMore content." {
		t.Errorf("out = %q", out)
	}
	if n != 4 {
		t.Errorf("n = %d", n)
	}
}

func TestPunctuationToASCII(t *testing.T) {
	out, _ := punctuationStep{}.Apply("it’s “fine” — mostly…")
	if out != `it's "fine" - mostly...` {
		t.Errorf("out = %q", out)
	}
}

func TestEncodingStripsBOMAndRepairsInvalidUTF8(t *testing.T) {
	out, n := encodingStep{}.Apply("\ufeffhello \xff world")
	if strings.HasPrefix(out, "\ufeff") {
		t.Error("BOM survived")
	}
	if !strings.Contains(out, "�") {
		t.Errorf("invalid byte not replaced: %q", out)
	}
	if n < 2 {
		t.Errorf("n = %d", n)
	}
}

func TestTokenizeDropsStopWordsAndShortTerms(t *testing.T) {
	got := tokenize("The engine restarts when a node fails, and I watch it.")
	want := []string{"engine", "restarts", "when", "node", "fails", "watch"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSparseVectorNormalizedToMaxFrequency(t *testing.T) {
	vec := SparseVector("deploy deploy deploy rollback")
	if vec["deploy"] != 1.0 {
		t.Errorf("deploy = %f", vec["deploy"])
	}
	if vec["rollback"] != float32(1)/3 {
		t.Errorf("rollback = %f", vec["rollback"])
	}
	if SparseVector("") != nil {
		t.Error("empty text should yield nil")
	}
}

func TestSparseScoreSumsMatchedWeights(t *testing.T) {
	vec := map[string]float32{"deploy": 1.0, "rollback": 0.5}
	got := sparseScore([]string{"deploy", "rollback", "missing"}, vec)
	if got != 1.5 {
		t.Errorf("score = %f", got)
	}
	if sparseScore([]string{"x"}, nil) != 0 {
		t.Error("nil vector should score 0")
	}
}
