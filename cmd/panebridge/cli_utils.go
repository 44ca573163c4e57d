package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"panebridge/internal/config"
	"panebridge/internal/statedb"
	"panebridge/internal/tmux"
)

// Error codes for JSON output
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
	ErrCodeTransport        = "TRANSPORT_FAILED"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which
// means "deliver my-pane --json" would silently ignore --json.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)

			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// CLIOutput handles consistent output formatting across all CLI commands
type CLIOutput struct {
	jsonMode  bool
	quietMode bool
}

// NewCLIOutput creates a new CLI output handler
func NewCLIOutput(jsonMode, quietMode bool) *CLIOutput {
	return &CLIOutput{jsonMode: jsonMode, quietMode: quietMode}
}

// Success prints a success message or JSON response
func (c *CLIOutput) Success(message string, data interface{}) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(data)
		return
	}
	fmt.Println(message)
}

// Error prints an error message or JSON error response
func (c *CLIOutput) Error(message string, code string) {
	if c.jsonMode {
		c.printJSON(map[string]interface{}{
			"success": false,
			"error":   message,
			"code":    code,
		})
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}

func (c *CLIOutput) printJSON(data interface{}) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to format JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

// newRunner builds the tmux transport: the persistent control client when
// enabled, a per-batch subprocess runner otherwise. The returned shutdown
// func is a no-op for the subprocess runner.
func newRunner(cfg config.Config) (tmux.Runner, func()) {
	batcher := tmux.NewBatcher()
	if cfg.Control.Persist {
		client := tmux.NewControlClient(batcher, cfg.Control.ReconnectMinGap())
		return client, client.Shutdown
	}
	return batcher, func() {}
}

// openLedger opens the receipts database under the bridge dir. Returns nil
// when the ledger is unavailable; delivery works without it.
func openLedger() *statedb.StateDB {
	baseDir, err := config.BridgeDir()
	if err != nil {
		return nil
	}
	db, err := statedb.Open(filepath.Join(baseDir, "receipts.db"))
	if err != nil {
		return nil
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil
	}
	return db
}

// truncateCell shortens s to fit in width terminal cells, honoring
// wide runes.
func truncateCell(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// colorize wraps s in the given ANSI color when stdout is a terminal.
func colorize(s, color string) string {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return s
	}
	p := termenv.ColorProfile()
	return termenv.String(s).Foreground(p.Color(color)).String()
}

// FormatPath shortens a path by replacing the home directory with ~.
func FormatPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}

// readPayload returns the positional payload argument, or stdin when the
// argument is "-" or absent.
func readPayload(fs *flag.FlagSet) (string, error) {
	arg := fs.Arg(0)
	if arg != "" && arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}
