package util

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// RequireBinary verifies the binary is on PATH.
func RequireBinary(name string) error {
	_, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("required binary not found: %s", name)
	}
	return nil
}

// Command builds an exec.Cmd that inherits the process environment plus env.
func Command(ctx context.Context, name string, args []string, env map[string]string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	extra := make([]string, 0, len(env))
	for k, v := range env {
		extra = append(extra, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = MergeEnv(extra)
	return cmd
}

// MergeEnv merges new env entries into the current process environment.
func MergeEnv(extra []string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, extra...)
	return env
}

// ExpandArgs replaces {name} placeholders in every argument.
func ExpandArgs(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// RunCommand runs argv[0] with the remaining arguments and folds stderr into
// the returned error.
func RunCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	cmd := Command(ctx, argv[0], argv[1:], nil)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
	}
	return nil
}
