package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/couchbaselabs/go.assert"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/testpdf"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/types"
)

func writePDF(t *testing.T, name string, pages ...testpdf.Page) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, testpdf.Build(pages...), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestReadDocument(t *testing.T) {
	path := writePDF(t, "letter.pdf", testpdf.Page{Text: "hi"})
	doc, err := readDocument(path)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equals(t, doc.FileName, "letter.pdf")
	assert.True(t, strings.HasPrefix(string(doc.Data), "%PDF-"))
	assert.True(t, doc.RequestID != "")

	_, err = readDocument(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.True(t, err != nil)
}

func TestDirectCommand(t *testing.T) {
	in := writePDF(t, "two.pdf", testpdf.Page{Text: "Alpha"}, testpdf.Page{Text: "Beta"})
	out := filepath.Join(t.TempDir(), "out.json")

	if err := execute(t, "direct", in, "-o", out, "--log-level", "error"); err != nil {
		t.Fatalf("direct: %v", err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var res types.DirectResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	assert.Equals(t, res.FileName, "two.pdf")
	assert.Equals(t, len(res.Pages), 2)
	assert.True(t, strings.Contains(res.Pages[1].Text, "Beta"))
}

func TestTextCommand(t *testing.T) {
	in := writePDF(t, "two.pdf", testpdf.Page{Text: "Alpha"}, testpdf.Page{Text: "Beta"})
	out := filepath.Join(t.TempDir(), "out.txt")

	if err := execute(t, "text", in, "-o", out, "--page-numbers", "--log-level", "error"); err != nil {
		t.Fatalf("text: %v", err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	assert.True(t, strings.HasPrefix(s, "## Page 1\n\n"))
	assert.True(t, strings.Index(s, "Alpha") < strings.Index(s, "## Page 2"))
	assert.True(t, strings.Contains(s, "Beta"))
}

func TestCommandRejectsNonPDFName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("plain"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := execute(t, "ocr", path, "--log-level", "error")
	assert.True(t, err != nil)
	assert.True(t, strings.Contains(err.Error(), "unsupported"))
}
