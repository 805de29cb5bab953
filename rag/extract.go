// Package rag implements the ingestion and retrieval pipeline: extract,
// clean, normalize, chunk, embed, hybrid search, rerank, and context
// formatting.
package rag

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ExtractResult is the output of the extract phase.
type ExtractResult struct {
	Text     string
	Metadata map[string]string
	Warnings []string
}

// Extractor converts one MIME family's raw bytes to text.
type Extractor interface {
	Extract(data []byte) (ExtractResult, error)
}

// Extractors dispatches by MIME type. Parameters after ";" are ignored.
type Extractors struct {
	byMIME map[string]Extractor
}

// NewExtractors returns the default registry: plain text, markdown, HTML,
// PDF, CSV, and JSON.
func NewExtractors() *Extractors {
	e := &Extractors{byMIME: make(map[string]Extractor)}
	e.Register("text/plain", textExtractor{})
	e.Register("text/markdown", markdownExtractor{})
	e.Register("text/html", htmlExtractor{})
	e.Register("application/pdf", pdfExtractor{})
	e.Register("text/csv", csvExtractor{})
	e.Register("application/json", jsonExtractor{})
	return e
}

func (e *Extractors) Register(mimeType string, ex Extractor) {
	e.byMIME[mimeType] = ex
}

// Extract dispatches to the extractor registered for mimeType. Unknown
// types fall back to plain text with a warning.
func (e *Extractors) Extract(mimeType string, data []byte) (ExtractResult, error) {
	key := mimeType
	if i := strings.IndexByte(key, ';'); i >= 0 {
		key = strings.TrimSpace(key[:i])
	}
	if ex, ok := e.byMIME[key]; ok {
		return ex.Extract(data)
	}
	res, err := textExtractor{}.Extract(data)
	res.Warnings = append(res.Warnings, fmt.Sprintf("no extractor for %s, treated as plain text", mimeType))
	return res, err
}

// --- plain text ---

type textExtractor struct{}

func (textExtractor) Extract(data []byte) (ExtractResult, error) {
	return ExtractResult{Text: string(data), Metadata: map[string]string{}}, nil
}

// --- markdown ---

// markdownExtractor walks the goldmark AST, flattening text while recording
// the heading outline in metadata.
type markdownExtractor struct{}

func (markdownExtractor) Extract(data []byte) (ExtractResult, error) {
	md := goldmark.New()
	reader := text.NewReader(data)
	doc := md.Parser().Parse(reader)

	var sb strings.Builder
	var headings []string

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			title := string(node.Text(data))
			headings = append(headings, title)
			sb.WriteString("\n")
			sb.WriteString(strings.Repeat("#", node.Level))
			sb.WriteString(" ")
			sb.WriteString(title)
			sb.WriteString("\n")
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			sb.Write(node.Segment.Value(data))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.Paragraph, *ast.ListItem:
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
		case *ast.FencedCodeBlock:
			sb.WriteString("\n")
			for i := 0; i < node.Lines().Len(); i++ {
				line := node.Lines().At(i)
				sb.Write(line.Value(data))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return ExtractResult{}, fmt.Errorf("rag: markdown extract: %w", err)
	}

	meta := map[string]string{}
	if len(headings) > 0 {
		meta["headings"] = strings.Join(headings, " | ")
	}
	return ExtractResult{Text: sb.String(), Metadata: meta}, nil
}

// --- html ---

// htmlExtractor uses readability to strip chrome and keep article text.
type htmlExtractor struct{}

func (htmlExtractor) Extract(data []byte) (ExtractResult, error) {
	u, _ := url.Parse("http://localhost/")
	article, err := readability.FromReader(bytes.NewReader(data), u)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("rag: html extract: %w", err)
	}
	meta := map[string]string{}
	if article.Title != "" {
		meta["title"] = article.Title
	}
	return ExtractResult{Text: article.TextContent, Metadata: meta}, nil
}

// --- pdf ---

type pdfExtractor struct{}

func (pdfExtractor) Extract(data []byte) (ExtractResult, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("rag: pdf extract: %w", err)
	}
	var warnings []string
	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			warnings = append(warnings, fmt.Sprintf("page %d is empty", i))
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: %v", i, err))
			continue
		}
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
	meta := map[string]string{"pages": fmt.Sprintf("%d", r.NumPage())}
	return ExtractResult{Text: sb.String(), Metadata: meta, Warnings: warnings}, nil
}

// --- csv ---

// csvExtractor renders rows as "header: value" lines so chunks stay
// self-describing.
type csvExtractor struct{}

func (csvExtractor) Extract(data []byte) (ExtractResult, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return ExtractResult{Metadata: map[string]string{}}, nil
	}
	if err != nil {
		return ExtractResult{}, fmt.Errorf("rag: csv extract: %w", err)
	}

	var sb strings.Builder
	rows := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ExtractResult{}, fmt.Errorf("rag: csv extract: %w", err)
		}
		rows++
		for i, field := range record {
			if field == "" {
				continue
			}
			if i < len(header) && header[i] != "" {
				sb.WriteString(header[i])
				sb.WriteString(": ")
			}
			sb.WriteString(field)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	meta := map[string]string{
		"columns": strings.Join(header, ","),
		"rows":    fmt.Sprintf("%d", rows),
	}
	return ExtractResult{Text: sb.String(), Metadata: meta}, nil
}

// --- json ---

// jsonExtractor flattens a JSON document to "path: value" lines in sorted
// key order.
type jsonExtractor struct{}

func (jsonExtractor) Extract(data []byte) (ExtractResult, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return ExtractResult{}, fmt.Errorf("rag: json extract: %w", err)
	}
	var sb strings.Builder
	flattenJSON("", v, &sb)
	return ExtractResult{Text: sb.String(), Metadata: map[string]string{}}, nil
}

func flattenJSON(path string, v any, sb *strings.Builder) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenJSON(joinPath(path, k), val[k], sb)
		}
	case []any:
		for i, item := range val {
			flattenJSON(fmt.Sprintf("%s[%d]", path, i), item, sb)
		}
	case nil:
	default:
		sb.WriteString(path)
		sb.WriteString(": ")
		fmt.Fprintf(sb, "%v", val)
		sb.WriteString("\n")
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
