package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"panebridge/internal/backend"
	"panebridge/internal/config"
	"panebridge/internal/watch"
)

// Exit codes for the wait command, chosen so scripts can branch on them.
const (
	waitExitChanged = 0
	waitExitError   = 1
	waitExitTimeout = 2
)

// handleWait blocks until a watched path changes, a timeout elapses, or an
// error occurs, and reports the outcome through the exit code.
func handleWait(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	path := fs.String("path", "", "file or directory to watch")
	tool := fs.String("tool", "", "watch the log location for this backend tool instead of --path")
	workDir := fs.String("dir", "", "working directory for --tool log resolution (default: cwd)")
	timeout := fs.Duration("timeout", 30*time.Second, "how long to wait")
	dir := fs.Bool("directory", false, "treat --path as a directory (any entry change counts)")
	parent := fs.Bool("parent", false, "watch the parent so the path appearing counts as a change")
	printOutput := fs.Bool("print", false, "with --tool claude: print the newest task output after a change")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("q", false, "Minimal output")

	fs.Usage = func() {
		fmt.Println("Usage: panebridge wait --path <path> [options]")
		fmt.Println()
		fmt.Println("Block until the path changes. Exit codes: 0 changed,")
		fmt.Println("2 timeout, 1 error.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  panebridge wait --path ~/.codex/sessions --directory --timeout 2m")
		fmt.Println("  panebridge wait --tool claude --dir ~/src/project")
	}

	args = normalizeArgs(fs, args)
	if err := fs.Parse(args); err != nil {
		os.Exit(waitExitError)
	}

	out := NewCLIOutput(*jsonOutput, *quiet)

	var target watch.Target
	wd := *workDir
	switch {
	case *tool != "":
		if wd == "" {
			var err error
			wd, err = os.Getwd()
			if err != nil {
				out.Error(fmt.Sprintf("resolve working directory: %v", err), ErrCodeInvalidOperation)
				os.Exit(waitExitError)
			}
		}
		target = backend.LogTarget(backend.Tool(*tool), wd)
	case *path != "":
		kind := watch.KindFile
		if *dir {
			kind = watch.KindDirectory
		}
		target = watch.Target{Path: *path, Kind: kind, WatchParent: *parent}
	default:
		out.Error("either --path or --tool is required", ErrCodeInvalidOperation)
		os.Exit(waitExitError)
	}

	waiter := watch.NewWaiter(target, watch.Options{
		UseFsnotify:     cfg.Watch.UseFsnotify,
		PollInterval:    cfg.Watch.PollInterval(),
		PollMaxInterval: cfg.Watch.PollMaxInterval(),
	})
	defer waiter.Close()

	ev := waiter.Wait(context.Background(), *timeout)

	result := map[string]interface{}{
		"path":      target.Path,
		"event":     ev.String(),
		"efficient": waiter.Efficient(),
	}

	switch {
	case ev.Changed():
		result["success"] = true
		if *printOutput && backend.Tool(*tool) == backend.ToolClaude {
			if output, err := backend.LatestClaudeTaskOutput(wd); err == nil {
				result["output"] = output
				if !*jsonOutput && !*quiet {
					fmt.Println(output)
				}
			}
		}
		out.Success(fmt.Sprintf("Changed: %s", target.Path), result)
		os.Exit(waitExitChanged)
	case ev.Kind == watch.EventTimeout:
		result["success"] = false
		if *jsonOutput {
			out.printJSON(result)
		} else if !*quiet {
			fmt.Printf("Timeout: %s\n", target.Path)
		}
		os.Exit(waitExitTimeout)
	default:
		msg := "watch failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		out.Error(msg, ErrCodeInvalidOperation)
		os.Exit(waitExitError)
	}
}
