// Package pdf converts exported chat pages to PDF with an external
// command, by default a headless Chromium.
package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/util"
)

var chromeArgs = []string{
	"--headless",
	"--disable-gpu",
	"--no-pdf-header-footer",
	"--print-to-pdf={dst}",
	"file://{src}",
}

type Converter struct {
	command string
	args    []string
	timeout time.Duration
}

// New checks that the converter binary exists. Args default to the
// Chromium print-to-pdf flags.
func New(cfg config.PDFConfig) (*Converter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("pdf mode needs pdf.command")
	}
	if err := util.RequireBinary(cfg.Command); err != nil {
		return nil, err
	}
	args := cfg.Args
	if len(args) == 0 {
		args = chromeArgs
	}
	return &Converter{command: cfg.Command, args: args, timeout: cfg.Timeout}, nil
}

// Convert renders src to dst, replacing an existing dst.
func (c *Converter) Convert(ctx context.Context, src, dst string) error {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	argv := append([]string{c.command}, util.ExpandArgs(c.args, map[string]string{"src": filepath.ToSlash(absSrc), "dst": dst})...)
	if err := util.RunCommand(ctx, argv); err != nil {
		return fmt.Errorf("convert %s: %w", filepath.Base(src), err)
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("converter produced no output for %s", filepath.Base(src))
	}
	return nil
}
