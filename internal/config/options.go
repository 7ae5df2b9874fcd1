package config

import "strings"

// Options is the run option bitmask persisted with the export state.
type Options uint32

const (
	OptTextMode Options = 1 << iota
	OptPDFMode
	OptDescending
	OptIconInSession
	OptSyncLoading
	OptIncremental
	OptSupportFilter
	OptIgnoreHTMLEncoding
	OptIgnoreAvatar
	OptIgnoreEmoji
)

var optionNames = []struct {
	opt  Options
	name string
}{
	{OptTextMode, "text-mode"},
	{OptPDFMode, "pdf-mode"},
	{OptDescending, "descending"},
	{OptIconInSession, "icon-in-session"},
	{OptSyncLoading, "sync-loading"},
	{OptIncremental, "incremental"},
	{OptSupportFilter, "support-filter"},
	{OptIgnoreHTMLEncoding, "ignore-html-encoding"},
	{OptIgnoreAvatar, "ignore-avatar"},
	{OptIgnoreEmoji, "ignore-emoji"},
}

// Has reports whether every bit of o is set.
func (opts Options) Has(o Options) bool { return opts&o == o }

// With returns opts with o set or cleared.
func (opts Options) With(o Options, on bool) Options {
	if on {
		return opts | o
	}
	return opts &^ o
}

func (opts Options) String() string {
	var names []string
	for _, n := range optionNames {
		if opts.Has(n.opt) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Options folds the boolean export settings into a bitmask.
// PDF mode forces HTML output, so it clears text mode.
func (e ExportConfig) Options() Options {
	var opts Options
	opts = opts.With(OptTextMode, e.TextMode && !e.PDFMode)
	opts = opts.With(OptPDFMode, e.PDFMode)
	opts = opts.With(OptDescending, e.Descending)
	opts = opts.With(OptIconInSession, e.IconInSession)
	opts = opts.With(OptSyncLoading, e.SyncLoading)
	opts = opts.With(OptIncremental, e.Incremental)
	opts = opts.With(OptSupportFilter, e.SupportFilter)
	opts = opts.With(OptIgnoreHTMLEncoding, e.IgnoreHTMLEncoding)
	opts = opts.With(OptIgnoreAvatar, e.IgnoreAvatar)
	opts = opts.With(OptIgnoreEmoji, e.IgnoreEmoji)
	return opts
}
