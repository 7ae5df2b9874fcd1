// Package render is the default exporter.Renderer. Documents are produced
// from text templates so that pre-rendered record fragments can be spliced
// into conversation pages untouched; escaping is applied per field by the
// esc and url helpers.
package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html"
	"io/fs"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/exporter"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

const timeLayout = "2006-01-02 15:04:05"

// Renderer renders HTML or plain text depending on the run options carried by
// each document.
type Renderer struct {
	escaped *template.Template
	raw     *template.Template
	loc     *time.Location
}

type Option func(*Renderer)

// WithLocation sets the zone record times are printed in.
func WithLocation(loc *time.Location) Option {
	return func(r *Renderer) { r.loc = loc }
}

// New parses the built-in templates and then any *.tmpl files in dir, whose
// definitions replace the built-in ones of the same name.
func New(dir string, opts ...Option) (*Renderer, error) {
	r := &Renderer{loc: time.Local}
	for _, opt := range opts {
		opt(r)
	}
	var err error
	if r.escaped, err = parse(dir, false); err != nil {
		return nil, err
	}
	if r.raw, err = parse(dir, true); err != nil {
		return nil, err
	}
	return r, nil
}

func parse(dir string, raw bool) (*template.Template, error) {
	t := template.New("wxexp").Funcs(funcs(raw))
	t, err := t.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if dir == "" {
		return t, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmpl"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return t, nil
	}
	if t, err = t.ParseFiles(matches...); err != nil {
		return nil, fmt.Errorf("parse templates in %s: %w", dir, err)
	}
	return t, nil
}

func funcs(raw bool) template.FuncMap {
	esc := html.EscapeString
	link := escapePath
	if raw {
		esc = func(s string) string { return s }
		link = esc
	}
	return template.FuncMap{
		"esc":  esc,
		"url":  link,
		"json": toJSON,
	}
}

// escapePath escapes each segment of a relative link.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return html.EscapeString(strings.Join(parts, "/"))
}

func toJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// set picks the template set and the document flavour for opts.
func (r *Renderer) set(opts config.Options) (*template.Template, string) {
	if opts.Has(config.OptTextMode) {
		return r.raw, "txt"
	}
	if opts.Has(config.OptIgnoreHTMLEncoding) {
		return r.raw, "html"
	}
	return r.escaped, "html"
}

type recordView struct {
	ID              int64
	Time            string
	Kind            string
	Outgoing        bool
	Sender          string
	Content         string
	Asset           string
	Portrait        string
	DefaultPortrait string
}

func recordKind(rec *exporter.Record, opts config.Options) string {
	switch rec.Type {
	case exporter.RecordImage:
		return "image"
	case exporter.RecordVoice:
		return "audio"
	case exporter.RecordVideo:
		return "video"
	case exporter.RecordEmoji:
		if opts.Has(config.OptIgnoreEmoji) {
			return "text"
		}
		return "emoji"
	case exporter.RecordSystem, exporter.RecordRevoked:
		return "system"
	default:
		return "text"
	}
}

// Record renders one record as a single fragment.
func (r *Renderer) Record(rc *exporter.RenderContext, rec *exporter.Record) ([]string, error) {
	t, ext := r.set(rc.Options)
	v := recordView{
		ID:       rec.ID,
		Time:     rec.Time.In(r.loc).Format(timeLayout),
		Kind:     recordKind(rec, rc.Options),
		Outgoing: rec.Outgoing,
		Sender:   rec.Sender,
		Content:  rec.Content,
	}
	if v.Kind != "text" && v.Kind != "system" && len(rec.Assets) > 0 {
		v.Asset = path.Join(rc.AssetDir, rec.Assets[0].Dest)
	}
	if v.Kind == "emoji" && v.Asset == "" {
		v.Kind = "text"
	}
	if v.Kind == "text" && v.Content == "" && rec.Type == exporter.RecordEmoji {
		v.Content = "[Emoji]"
	}
	hash := ""
	if rec.Outgoing && rc.Account != nil {
		hash = rc.Account.Hash
	} else if rc.Session != nil {
		hash = rc.Session.Hash
	}
	if hash != "" {
		v.Portrait = path.Join(rc.PortraitDir, hash+".jpg")
	}
	v.DefaultPortrait = path.Join(rc.PortraitDir, "DefaultProfileHead@2x.png")

	out, err := execute(t, "record."+ext, v)
	if err != nil {
		return nil, fmt.Errorf("render record %d: %w", rec.ID, err)
	}
	return []string{string(out)}, nil
}

type sessionView struct {
	Title        string
	Body         []string
	PageSize     int
	MessageCount int
	PageCount    int
	DataPath     string
	Loading      string
	Filter       bool
}

func (r *Renderer) Session(doc *exporter.SessionDocument) ([]byte, error) {
	t, ext := r.set(doc.Options)
	v := sessionView{
		Body:         doc.Body,
		PageSize:     doc.PageSize,
		MessageCount: doc.MessageCount,
		PageCount:    doc.PageCount,
		DataPath:     doc.DataPath,
		Loading:      "auto",
		Filter:       doc.Options.Has(config.OptSupportFilter),
	}
	if doc.Session != nil {
		v.Title = doc.Session.DisplayName
		if v.Title == "" {
			v.Title = doc.Session.ID
		}
	}
	if doc.LoadingOnScroll {
		v.Loading = "onscroll"
	}
	return execute(t, "session."+ext, v)
}

// DataPage renders a script that registers one page of pre-rendered records.
func (r *Renderer) DataPage(page *exporter.DataPage) ([]byte, error) {
	return execute(r.escaped, "datapage.html", page)
}

type indexView struct {
	Title   string
	Res     string
	Entries []exporter.IndexEntry
}

func (r *Renderer) Index(doc *exporter.IndexDocument) ([]byte, error) {
	t, ext := r.set(doc.Options)
	v := indexView{Title: doc.Title, Res: "../res/", Entries: doc.Entries}
	if doc.Title == "" {
		v.Res = "res/"
	}
	return execute(t, "index."+ext, v)
}

// Static returns the stylesheet and loader script, laid out as they are
// copied into the output root.
func (r *Renderer) Static() fs.FS {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil
	}
	return sub
}

func execute(t *template.Template, name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
