package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"panebridge/internal/config"
	"panebridge/internal/logging"
)

const Version = "0.3.0"

func main() {
	cfg := config.Load()
	initLogging(cfg)
	defer logging.Shutdown()

	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("panebridge v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "deliver":
		handleDeliver(cfg, args[1:])
	case "wait":
		handleWait(cfg, args[1:])
	case "ack":
		handleAck(cfg, args[1:])
	case "history":
		handleHistory(cfg, args[1:])
	case "cleanup":
		handleCleanup(cfg, args[1:])
	case "bench":
		handleBench(cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

// initLogging wires file logging under the bridge dir. Without debug mode
// and without an explicit level the setup stays quiet; the CLI's stdout is
// the user-facing surface.
func initLogging(cfg config.Config) {
	baseDir, err := config.BridgeDir()
	if err != nil {
		return
	}

	logging.Init(logging.Config{
		Debug:                 cfg.Logs.Debug,
		LogDir:                baseDir,
		Level:                 cfg.Logs.Level,
		Format:                cfg.Logs.Format,
		MaxSizeMB:             10,
		MaxBackups:            3,
		MaxAgeDays:            14,
		Compress:              true,
		RingBufferSize:        1024 * 1024,
		AggregateIntervalSecs: 30,
	})

	// SIGUSR1 dumps the ring buffer for post-mortem debugging
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(baseDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			_ = logging.DumpRingBuffer(dumpPath)
		}
	}()
}

func printHelp() {
	fmt.Println("panebridge - relay instructions to AI assistants in tmux panes")
	fmt.Println()
	fmt.Println("Usage: panebridge <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  deliver    Send an instruction payload to a pane")
	fmt.Println("  wait       Block until a watched file or directory changes")
	fmt.Println("  ack        Mark a delivery receipt as consumed")
	fmt.Println("  history    Show recent delivery receipts")
	fmt.Println("  cleanup    Remove stale mailbox entries and old receipts")
	fmt.Println("  bench      Measure send latency against a pane")
	fmt.Println("  version    Print version")
	fmt.Println("  help       Show this help")
	fmt.Println()
	fmt.Println("Run 'panebridge <command> -h' for command-specific options.")
}
