package extract

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kailas-cloud/corpusdex/internal/domain"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestExtract_PlainText(t *testing.T) {
	path := writeFile(t, "notes.txt", []byte("hello world\nsecond line\n"))

	ex, err := Extract(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Format != FormatText {
		t.Errorf("format = %q, want %q", ex.Format, FormatText)
	}
	if ex.Text != "hello world\nsecond line" {
		t.Errorf("unexpected text: %q", ex.Text)
	}
	if len(ex.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", ex.Warnings)
	}
}

func TestExtract_JSON(t *testing.T) {
	path := writeFile(t, "data.json", []byte(`{"title":"report","tags":["a","b"]}`))

	ex, err := Extract(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Format != FormatJSON {
		t.Errorf("format = %q, want %q", ex.Format, FormatJSON)
	}
	if !strings.Contains(ex.Text, "title: report") {
		t.Errorf("flattened text missing title line: %q", ex.Text)
	}
	if !strings.Contains(ex.Text, "tags[0]: a") {
		t.Errorf("flattened text missing array element: %q", ex.Text)
	}
}

func TestExtract_JSONSniffedWithoutExtension(t *testing.T) {
	// Content sniffing must win over the missing extension.
	path := writeFile(t, "payload", []byte(`{"k": 1}`))

	ex, err := Extract(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Format != FormatJSON {
		t.Errorf("format = %q, want %q", ex.Format, FormatJSON)
	}
}

func TestExtract_CSV(t *testing.T) {
	path := writeFile(t, "table.csv", []byte("name,age\nalice,30\nbob,25\n"))

	ex, err := Extract(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Text != "name age\nalice 30\nbob 25" {
		t.Errorf("unexpected text: %q", ex.Text)
	}
}

func TestExtract_HTML(t *testing.T) {
	page := `<!DOCTYPE html><html><head><style>b{color:red}</style></head>` +
		`<body><p>Hello &amp; welcome</p><script>var x=1;</script></body></html>`
	path := writeFile(t, "page.html", []byte(page))

	ex, err := Extract(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Format != FormatHTML {
		t.Errorf("format = %q, want %q", ex.Format, FormatHTML)
	}
	if ex.Text != "Hello & welcome" {
		t.Errorf("unexpected text: %q", ex.Text)
	}
}

func TestExtract_SizeCeiling(t *testing.T) {
	path := writeFile(t, "big.txt", []byte(strings.Repeat("x", 100)))

	_, err := Extract(path, 50)
	if !errors.Is(err, domain.ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestExtract_BinaryUnsupported(t *testing.T) {
	path := writeFile(t, "blob.bin", []byte{0x00, 0x01, 0x02, 'a', 'b'})

	_, err := Extract(path, 0)
	if !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestExtract_UnknownExtensionUnsupported(t *testing.T) {
	path := writeFile(t, "archive.xyz", []byte("looks like text"))

	_, err := Extract(path, 0)
	if !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestExtract_CorruptCSV(t *testing.T) {
	path := writeFile(t, "bad.csv", []byte("a,\"unclosed\nb,c\n"))

	_, err := Extract(path, 0)
	if !errors.Is(err, domain.ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
}

func TestExtract_InvalidUTF8Warns(t *testing.T) {
	path := writeFile(t, "weird.txt", []byte{'o', 'k', ' ', 0xff, 0xfe, 'x'})

	ex, err := Extract(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ex.Warnings) == 0 {
		t.Error("expected a warning for invalid UTF-8")
	}
}
