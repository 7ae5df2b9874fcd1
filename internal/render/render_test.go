package render

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/exporter"
)

func newRenderer(t *testing.T, dir string) *Renderer {
	t.Helper()
	r, err := New(dir, WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	return r
}

func renderRecord(t *testing.T, r *Renderer, rc *exporter.RenderContext, rec *exporter.Record) string {
	t.Helper()
	out, err := r.Record(rc, rec)
	if err != nil {
		t.Fatalf("render record: %v", err)
	}
	return strings.Join(out, "")
}

func renderContext(opts config.Options) *exporter.RenderContext {
	return &exporter.RenderContext{
		Options:     opts,
		Account:     &exporter.Account{ID: "wxid_me", Hash: "aaaa"},
		Session:     &exporter.Session{ID: "alice", Hash: "bbbb", DisplayName: "Alice"},
		AssetDir:    "Alice_files",
		PortraitDir: "Portrait",
		EmojiDir:    "Emoji",
	}
}

func TestRecordEscapesContent(t *testing.T) {
	r := newRenderer(t, "")
	rec := &exporter.Record{ID: 7, Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), Type: exporter.RecordText, Sender: "Alice", Content: "<b>hi</b>"}

	out := renderRecord(t, r, renderContext(0), rec)
	if !strings.Contains(out, "&lt;b&gt;hi&lt;/b&gt;") {
		t.Fatalf("content not escaped: %s", out)
	}
	if !strings.Contains(out, "2024-01-02 03:04:05") || !strings.Contains(out, "Portrait/bbbb.jpg") {
		t.Fatalf("unexpected record: %s", out)
	}

	out = renderRecord(t, r, renderContext(config.OptIgnoreHTMLEncoding), rec)
	if !strings.Contains(out, "<b>hi</b>") {
		t.Fatalf("content should be left as is: %s", out)
	}
}

func TestRecordAssets(t *testing.T) {
	r := newRenderer(t, "")
	rec := &exporter.Record{ID: 1, Type: exporter.RecordImage, Outgoing: true,
		Assets: []exporter.Asset{{Path: "Documents/x/Img/1.pic", Dest: "1.jpg"}}}
	out := renderRecord(t, r, renderContext(0), rec)
	if !strings.Contains(out, `src="Alice_files/1.jpg"`) || !strings.Contains(out, "Portrait/aaaa.jpg") {
		t.Fatalf("unexpected image record: %s", out)
	}

	emoji := &exporter.Record{ID: 2, Type: exporter.RecordEmoji,
		Assets: []exporter.Asset{{Source: exporter.FromURL, Path: "http://x/e.gif", Dest: "Emoji/e.gif"}}}
	out = renderRecord(t, r, renderContext(config.OptIgnoreEmoji), emoji)
	if strings.Contains(out, "e.gif") || !strings.Contains(out, "[Emoji]") {
		t.Fatalf("emoji should be replaced: %s", out)
	}
}

func TestTextMode(t *testing.T) {
	r := newRenderer(t, "")
	rec := &exporter.Record{ID: 1, Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), Sender: "Bob", Content: "a & b"}
	out := renderRecord(t, r, renderContext(config.OptTextMode), rec)
	if out != "[2024-01-02 03:04:05] Bob: a & b\n" {
		t.Fatalf("unexpected text record: %q", out)
	}

	doc, err := r.Session(&exporter.SessionDocument{
		Options: config.OptTextMode,
		Session: &exporter.Session{ID: "bob"},
		Body:    []string{out},
	})
	if err != nil {
		t.Fatalf("render session: %v", err)
	}
	if !strings.HasPrefix(string(doc), "bob\n") || !strings.Contains(string(doc), "a & b") {
		t.Fatalf("unexpected text document: %q", doc)
	}
}

func TestSessionDocument(t *testing.T) {
	r := newRenderer(t, "")
	doc, err := r.Session(&exporter.SessionDocument{
		Options:         config.OptSupportFilter,
		Session:         &exporter.Session{ID: "alice", DisplayName: "Alice & Co"},
		Body:            []string{"<div>one</div>"},
		PageSize:        2,
		MessageCount:    3,
		PageCount:       2,
		DataPath:        "Alice_files/Data",
		LoadingOnScroll: true,
	})
	if err != nil {
		t.Fatalf("render session: %v", err)
	}
	body := string(doc)
	for _, want := range []string{"Alice &amp; Co", "<div>one</div>", `data-pages="2"`, `data-loading="onscroll"`, "filter-sender", "../res/wxexp.css"} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in %s", want, body)
		}
	}
}

func TestDataPage(t *testing.T) {
	r := newRenderer(t, "")
	out, err := r.DataPage(&exporter.DataPage{Number: 3, Messages: []string{"<div>a</div>", "b"}})
	if err != nil {
		t.Fatalf("render data page: %v", err)
	}
	if string(out) != "wxexp.pages[3] = [\"<div>a</div>\",\"b\"];\n" {
		t.Fatalf("unexpected data page: %q", out)
	}
}

func TestIndexResourcePaths(t *testing.T) {
	r := newRenderer(t, "")
	entries := []exporter.IndexEntry{{Name: "Alice", Link: "Alice 1.html", Picture: "Portrait/bbbb.jpg"}}

	root, err := r.Index(&exporter.IndexDocument{Entries: entries})
	if err != nil {
		t.Fatalf("render index: %v", err)
	}
	if !strings.Contains(string(root), `href="res/wxexp.css"`) || !strings.Contains(string(root), `href="Alice%201.html"`) {
		t.Fatalf("unexpected root index: %s", root)
	}

	acct, err := r.Index(&exporter.IndexDocument{Title: "Me", Entries: entries})
	if err != nil {
		t.Fatalf("render index: %v", err)
	}
	if !strings.Contains(string(acct), `href="../res/wxexp.css"`) || !strings.Contains(string(acct), "Chat History - Me") {
		t.Fatalf("unexpected account index: %s", acct)
	}
}

func TestTemplateOverride(t *testing.T) {
	dir := t.TempDir()
	custom := `{{define "index.txt"}}custom {{len .Entries}}{{end}}`
	if err := os.WriteFile(filepath.Join(dir, "index.tmpl"), []byte(custom), 0o600); err != nil {
		t.Fatalf("write template: %v", err)
	}
	r := newRenderer(t, dir)
	out, err := r.Index(&exporter.IndexDocument{Options: config.OptTextMode, Entries: make([]exporter.IndexEntry, 2)})
	if err != nil {
		t.Fatalf("render index: %v", err)
	}
	if string(out) != "custom 2" {
		t.Fatalf("override not applied: %q", out)
	}
}

func TestRecordTemplateError(t *testing.T) {
	dir := t.TempDir()
	broken := `{{define "record.html"}}{{.Nope}}{{end}}`
	if err := os.WriteFile(filepath.Join(dir, "record.tmpl"), []byte(broken), 0o600); err != nil {
		t.Fatalf("write template: %v", err)
	}
	r := newRenderer(t, dir)
	rec := &exporter.Record{ID: 9, Time: time.Unix(0, 0), Type: exporter.RecordText, Content: "hi"}
	out, err := r.Record(renderContext(0), rec)
	if err == nil {
		t.Fatalf("expected template error, got %q", out)
	}
	if !strings.Contains(err.Error(), "record 9") {
		t.Fatalf("error should name the record: %v", err)
	}
}

func TestStatic(t *testing.T) {
	r := newRenderer(t, "")
	for _, name := range []string{"res/wxexp.css", "res/wxexp.js"} {
		if _, err := fs.Stat(r.Static(), name); err != nil {
			t.Fatalf("missing static %s: %v", name, err)
		}
	}
}
