// Package extract converts raw files into plain text by detected format.
package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kailas-cloud/corpusdex/internal/domain"
)

// Detected formats.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatHTML     = "html"
)

// Extraction is the result of extracting one file: plain text plus any
// non-fatal warnings collected along the way.
type Extraction struct {
	Format      string
	Text        string
	SizeBytes   int64
	ContentHash string
	Warnings    []string
}

// Extract reads a file and converts it to plain text. The format is sniffed
// from content, with the filename extension as a fallback hint only.
// maxBytes is enforced before the body is read.
func Extract(path string, maxBytes int64) (Extraction, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Extraction{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return Extraction{}, fmt.Errorf(
			"%s is %d bytes, ceiling is %d: %w", path, info.Size(), maxBytes, domain.ErrFileTooLarge,
		)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Extraction{}, fmt.Errorf("read %s: %w", path, err)
	}

	format, err := Sniff(data, filepath.Ext(path))
	if err != nil {
		return Extraction{}, fmt.Errorf("sniff %s: %w", path, err)
	}

	ex := Extraction{
		Format:      format,
		SizeBytes:   int64(len(data)),
		ContentHash: domain.HashContent(data),
	}

	switch format {
	case FormatJSON:
		ex.Text, err = flattenJSON(data)
	case FormatCSV:
		ex.Text, err = flattenCSV(data)
	case FormatHTML:
		ex.Text = stripHTML(string(data))
	default: // text, markdown
		ex.Text = string(data)
	}
	if err != nil {
		return Extraction{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if !utf8.ValidString(ex.Text) {
		ex.Text = strings.ToValidUTF8(ex.Text, "�")
		ex.Warnings = append(ex.Warnings, "replaced invalid UTF-8 sequences")
	}
	ex.Text = strings.TrimSpace(ex.Text)

	return ex, nil
}

// Sniff detects the file format from a content sample. ext is a hint used only
// when the content itself is ambiguous.
func Sniff(data []byte, ext string) (string, error) {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return "", fmt.Errorf("binary content: %w", domain.ErrUnsupportedFormat)
	}

	trimmed := bytes.TrimSpace(head)
	lower := bytes.ToLower(trimmed)

	switch {
	case bytes.HasPrefix(lower, []byte("<!doctype html")), bytes.Contains(lower, []byte("<html")):
		return FormatHTML, nil
	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
		if json.Valid(data) {
			return FormatJSON, nil
		}
	}

	switch strings.ToLower(ext) {
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".html", ".htm":
		return FormatHTML, nil
	case "", ".txt", ".text", ".log":
		return FormatText, nil
	default:
		return "", fmt.Errorf("extension %q: %w", ext, domain.ErrUnsupportedFormat)
	}
}

// flattenJSON renders a JSON document as "path: value" lines in stable key order.
func flattenJSON(data []byte) (string, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("invalid json: %w", domain.ErrCorruptFile)
	}
	var b strings.Builder
	writeJSONValue(&b, "", v)
	return b.String(), nil
}

func writeJSONValue(b *strings.Builder, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeJSONValue(b, joinPath(prefix, k), t[k])
		}
	case []any:
		for i, item := range t {
			writeJSONValue(b, fmt.Sprintf("%s[%d]", prefix, i), item)
		}
	default:
		fmt.Fprintf(b, "%s: %v\n", prefix, t)
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// flattenCSV joins cells with spaces and rows with newlines.
func flattenCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // ragged rows are common in real exports
	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("invalid csv: %w", domain.ErrCorruptFile)
	}
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(strings.Join(row, " "))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// stripHTML removes tags and unescapes entities. Script and style bodies are dropped.
func stripHTML(s string) string {
	var b strings.Builder
	inTag := false
	skipUntil := "" // closing tag whose body is being skipped

	lower := strings.ToLower(s)
	for i := 0; i < len(s); i++ {
		if skipUntil != "" {
			end := strings.Index(lower[i:], skipUntil)
			if end < 0 {
				break
			}
			i += end
			skipUntil = ""
		}
		switch {
		case s[i] == '<':
			inTag = true
			if strings.HasPrefix(lower[i:], "<script") {
				skipUntil = "</script>"
			} else if strings.HasPrefix(lower[i:], "<style") {
				skipUntil = "</style>"
			}
		case s[i] == '>':
			if inTag {
				inTag = false
				b.WriteByte(' ')
			}
		case !inTag:
			b.WriteByte(s[i])
		}
	}

	text := html.UnescapeString(b.String())
	return strings.Join(strings.Fields(text), " ")
}
