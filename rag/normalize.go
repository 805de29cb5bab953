package rag

import (
	"regexp"
	"strings"
	"unicode"
)

// Section is a detected document region. Start and End are byte offsets
// into the normalized text; End is exclusive.
type Section struct {
	Title string
	Start int
	End   int
}

var (
	mdHeading      = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	numberedTitle  = regexp.MustCompile(`^(\d+(\.\d+)*)[.)]?\s+\S`)
	underlineRunes = regexp.MustCompile(`^[=\-]{3,}\s*$`)
)

// Normalize detects section boundaries and returns the text (unchanged)
// plus the sections covering it. A document with no detectable headings is
// one untitled section.
func Normalize(text string) (string, []Section) {
	lines := strings.Split(text, "\n")

	type boundary struct {
		title  string
		offset int
	}
	var bounds []boundary

	offset := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case mdHeading.MatchString(trimmed):
			m := mdHeading.FindStringSubmatch(trimmed)
			bounds = append(bounds, boundary{title: strings.TrimSpace(m[2]), offset: offset})
		case i+1 < len(lines) && underlineRunes.MatchString(strings.TrimSpace(lines[i+1])) && trimmed != "":
			bounds = append(bounds, boundary{title: trimmed, offset: offset})
		case looksLikeTitle(trimmed):
			bounds = append(bounds, boundary{title: trimmed, offset: offset})
		}
		offset += len(line) + 1
	}

	if len(bounds) == 0 {
		return text, []Section{{Title: "", Start: 0, End: len(text)}}
	}

	var sections []Section
	if bounds[0].offset > 0 {
		sections = append(sections, Section{Title: "", Start: 0, End: bounds[0].offset})
	}
	for i, b := range bounds {
		end := len(text)
		if i+1 < len(bounds) {
			end = bounds[i+1].offset
		}
		sections = append(sections, Section{Title: b.title, Start: b.offset, End: end})
	}
	return text, sections
}

// looksLikeTitle matches short standalone lines that read as headings:
// numbered titles ("2.1 Results") and short all-caps lines.
func looksLikeTitle(line string) bool {
	if line == "" || len(line) > 80 {
		return false
	}
	if numberedTitle.MatchString(line) && !strings.HasSuffix(line, ".") {
		return true
	}
	if line == strings.ToUpper(line) && strings.ContainsFunc(line, unicode.IsLetter) && len(strings.Fields(line)) <= 8 {
		return true
	}
	return false
}

// sectionTitleAt returns the title of the section containing offset.
func sectionTitleAt(sections []Section, offset int) string {
	for _, s := range sections {
		if offset >= s.Start && offset < s.End {
			return s.Title
		}
	}
	return ""
}
