package tasks

import (
	"context"
	"fmt"
	"os"

	"github.com/rowjay/wxexp/internal/util"
)

// ConvertTask runs an external converter, e.g. silk audio to mp3. Command
// arguments may reference {src} and {dst}.
type ConvertTask struct {
	Command   []string
	Src       string
	Dst       string
	RemoveSrc bool
}

func (t *ConvertTask) Kind() string { return "Convert" }

func (t *ConvertTask) Run(ctx context.Context, rt *Runtime) error {
	if len(t.Command) == 0 {
		return fmt.Errorf("no converter configured")
	}
	if _, err := os.Stat(t.Src); err != nil {
		return fmt.Errorf("convert source: %w", err)
	}
	argv := util.ExpandArgs(t.Command, map[string]string{"src": t.Src, "dst": t.Dst})
	if err := util.RunCommand(ctx, argv); err != nil {
		return err
	}
	if t.RemoveSrc {
		_ = os.Remove(t.Src)
	}
	return nil
}

// Sequence runs its steps in order on one worker, stopping at the first
// error. Kind is reported as the first step's kind.
type Sequence []Task

func (s Sequence) Kind() string {
	if len(s) == 0 {
		return "Task"
	}
	return s[0].Kind()
}

func (s Sequence) Run(ctx context.Context, rt *Runtime) error {
	for _, t := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.Run(ctx, rt); err != nil {
			return err
		}
	}
	return nil
}
