package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Command is one tmux sub-command as an ordered argv fragment,
// e.g. {"send-keys", "-t", target, "-l", text}.
type Command []string

// Result carries the outcome of one tmux invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ErrTransport marks a failed tmux invocation: the base delivery mechanism
// itself broke, so the failure is surfaced to the caller rather than
// degraded around.
var ErrTransport = errors.New("tmux invocation failed")

// Runner executes an ordered batch of tmux sub-commands. Batcher is the
// always-available implementation; ControlClient layers a persistent
// connection on top with automatic fallback to a Batcher.
type Runner interface {
	Run(ctx context.Context, cmds []Command) (Result, error)
}

// Batcher composes multiple tmux sub-commands into a single subprocess
// invocation using tmux's native ";" separator. One spawn per call instead
// of one per sub-command; order is preserved exactly.
//
// No shell is involved: argument boundaries pass through exec verbatim, so
// payload text containing the separator character cannot split a command.
// The only token needing care is a literal ";" argument, which tmux's own
// argv parser would read as a separator; ComposeArgs escapes it.
type Batcher struct {
	// Bin is the tmux binary to invoke. Defaults to "tmux"; overridable
	// for tests.
	Bin string
}

// NewBatcher returns a Batcher invoking the default tmux binary.
func NewBatcher() *Batcher {
	return &Batcher{Bin: "tmux"}
}

// ComposeArgs flattens the command batch into a single argv, inserting the
// ";" separator between sub-commands and escaping any literal ";" tokens
// inside them.
func ComposeArgs(cmds []Command) []string {
	var argv []string
	for i, cmd := range cmds {
		if i > 0 {
			argv = append(argv, ";")
		}
		for _, tok := range cmd {
			if tok == ";" {
				// Backslash-escaped ";" is a literal argument to
				// tmux, not a command separator.
				tok = "\\;"
			}
			argv = append(argv, tok)
		}
	}
	return argv
}

// Run executes the batch synchronously. Non-zero exit or spawn failure is
// returned verbatim wrapped in ErrTransport; retry policy belongs to the
// caller, not this layer.
func (b *Batcher) Run(ctx context.Context, cmds []Command) (Result, error) {
	if len(cmds) == 0 {
		return Result{}, nil
	}

	bin := b.Bin
	if bin == "" {
		bin = "tmux"
	}

	cmd := exec.CommandContext(ctx, bin, ComposeArgs(cmds)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, fmt.Errorf("%w: exit %d: %s", ErrTransport, res.ExitCode, stderr.String())
		}
		res.ExitCode = -1
		return res, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return res, nil
}
