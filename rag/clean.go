package rag

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// CleanStep is one transformation in the clean phase. Apply returns the
// cleaned text plus how many changes it made, recorded in the stage
// metadata.
type CleanStep interface {
	Name() string
	Apply(text string) (string, int)
}

// DefaultCleanSteps returns the clean pipeline in priority order.
func DefaultCleanSteps() []CleanStep {
	return []CleanStep{
		encodingStep{},
		controlCharStep{},
		whitespaceStep{},
		lineJoinStep{},
		headerFooterStep{minRepeats: 3, maxLineLen: 80},
		boilerplateStep{},
		punctuationStep{},
	}
}

// Clean runs the steps in order and reports per-step change counts.
func Clean(text string, steps []CleanStep) (string, map[string]int) {
	changes := make(map[string]int, len(steps))
	for _, step := range steps {
		var n int
		text, n = step.Apply(text)
		changes[step.Name()] = n
	}
	return text, changes
}

// --- encoding ---

// encodingStep strips the BOM, coerces invalid UTF-8, normalizes to NFC,
// and repairs the common UTF-8-read-as-Latin-1 mojibake sequences.
type encodingStep struct{}

func (encodingStep) Name() string { return "encoding" }

// UTF-8 bytes decoded as Latin-1/Windows-1252 leave these signatures.
var mojibake = strings.NewReplacer(
	"â", "'",
	"â", "'",
	"â", "\"",
	"â", "\"",
	"â", "-",
	"â", "-",
	"â¦", "...",
	"Ã©", "é",
	"Ã¨", "è",
	"Â ", " ",
)

func (encodingStep) Apply(text string) (string, int) {
	n := 0
	if strings.HasPrefix(text, "\ufeff") {
		text = strings.TrimPrefix(text, "\ufeff")
		n++
	}
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
		n++
	}
	repaired := mojibake.Replace(text)
	if repaired != text {
		text = repaired
		n++
	}
	normed := norm.NFC.String(text)
	if normed != text {
		text = normed
		n++
	}
	return text, n
}

// --- control characters ---

// controlCharStep removes control characters, preserving tab and newline.
type controlCharStep struct{}

func (controlCharStep) Name() string { return "control_chars" }

func (controlCharStep) Apply(text string) (string, int) {
	n := 0
	out := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' {
			return r
		}
		if r == '\r' {
			n++
			return -1
		}
		if unicode.IsControl(r) {
			n++
			return -1
		}
		return r
	}, text)
	return out, n
}

// --- whitespace ---

// whitespaceStep collapses runs of spaces and tabs, trims trailing
// whitespace per line, and caps blank runs at one empty line.
type whitespaceStep struct{}

func (whitespaceStep) Name() string { return "whitespace" }

var spaceRun = regexp.MustCompile(`[ \t]{2,}`)

func (whitespaceStep) Apply(text string) (string, int) {
	n := 0
	lines := strings.Split(text, "\n")
	var out []string
	blanks := 0
	for _, line := range lines {
		collapsed := spaceRun.ReplaceAllString(line, " ")
		trimmed := strings.TrimRight(collapsed, " \t")
		if trimmed != line {
			n++
		}
		if trimmed == "" {
			blanks++
			if blanks > 1 {
				n++
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n"), n
}

// --- broken line rejoin ---

// lineJoinStep merges lines that end mid-sentence with the next line,
// leaving headings, list items, and blank-line-separated paragraphs alone.
type lineJoinStep struct{}

func (lineJoinStep) Name() string { return "line_join" }

var listItem = regexp.MustCompile(`^\s*([-*+•]|\d+[.)])\s`)

func (lineJoinStep) Apply(text string) (string, int) {
	lines := strings.Split(text, "\n")
	n := 0
	var out []string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		for i+1 < len(lines) && joinable(line, lines[i+1]) {
			line = strings.TrimRight(line, " ") + " " + strings.TrimSpace(lines[i+1])
			i++
			n++
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), n
}

// joinable reports whether cur ends mid-sentence and next continues it.
func joinable(cur, next string) bool {
	cur = strings.TrimSpace(cur)
	next = strings.TrimSpace(next)
	if cur == "" || next == "" {
		return false
	}
	if isHeading(cur) || isHeading(next) || listItem.MatchString(next) {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(cur)
	if strings.ContainsRune(".!?:;。！？", last) {
		return false
	}
	first, _ := utf8.DecodeRuneInString(next)
	return unicode.IsLower(first) || unicode.IsDigit(first) || !unicode.IsUpper(first) && !unicode.IsLetter(first)
}

func isHeading(line string) bool {
	if strings.HasPrefix(line, "#") {
		return true
	}
	// Short all-caps lines read as headings.
	if len(line) <= 60 && line == strings.ToUpper(line) && strings.ContainsFunc(line, unicode.IsLetter) {
		return true
	}
	return false
}

// --- header/footer detection ---

// headerFooterStep removes short lines repeating at least minRepeats times
// across the document, the signature of running headers and footers.
type headerFooterStep struct {
	minRepeats int
	maxLineLen int
}

func (headerFooterStep) Name() string { return "header_footer" }

func (s headerFooterStep) Apply(text string) (string, int) {
	lines := strings.Split(text, "\n")
	counts := make(map[string]int)
	for _, line := range lines {
		key := strings.TrimSpace(line)
		if key == "" || len(key) > s.maxLineLen {
			continue
		}
		counts[key]++
	}

	n := 0
	var out []string
	for _, line := range lines {
		key := strings.TrimSpace(line)
		if key != "" && len(key) <= s.maxLineLen && counts[key] >= s.minRepeats {
			n++
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), n
}

// --- boilerplate ---

// boilerplateStep removes copyright, confidentiality, and page-number lines.
type boilerplateStep struct{}

func (boilerplateStep) Name() string { return "boilerplate" }

var boilerplatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(copyright|\(c\)|\x{00a9})\s+.*\d{4}`),
	regexp.MustCompile(`(?i)^\s*all rights reserved\.?\s*$`),
	regexp.MustCompile(`(?i)^\s*(confidential|proprietary)( and (confidential|proprietary))?\.?\s*$`),
	regexp.MustCompile(`(?i)^\s*page\s+\d+(\s+of\s+\d+)?\s*$`),
	regexp.MustCompile(`^\s*-?\s*\d+\s*-?\s*$`),
}

func (boilerplateStep) Apply(text string) (string, int) {
	lines := strings.Split(text, "\n")
	n := 0
	var out []string
	for _, line := range lines {
		drop := false
		for _, p := range boilerplatePatterns {
			if p.MatchString(line) {
				drop = true
				break
			}
		}
		if drop {
			n++
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), n
}

// --- punctuation ---

// punctuationStep maps curly quotes, long dashes, and ellipses to ASCII.
type punctuationStep struct{}

func (punctuationStep) Name() string { return "punctuation" }

var punct = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'",
	"“", "\"", "”", "\"", "„", "\"",
	"–", "-", "—", "-", "―", "-",
	"…", "...",
)

func (punctuationStep) Apply(text string) (string, int) {
	out := punct.Replace(text)
	n := 0
	if out != text {
		n = 1
	}
	return out, n
}
