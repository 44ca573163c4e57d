package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"panebridge/internal/config"
	"panebridge/internal/tmux"
)

// handleBench measures send latency against a pane, comparing transports.
func handleBench(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	target := fs.String("t", "", "tmux target to send to")
	count := fs.Int("n", 20, "number of sends")
	size := fs.Int("size", 40, "payload size in characters")
	persist := fs.Bool("persist", false, "force the persistent control client")
	paste := fs.Bool("paste", false, "force the paste-buffer path")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Println("Usage: panebridge bench -t <target> [options]")
		fmt.Println()
		fmt.Println("Send N payloads to a pane and report latency statistics.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	args = normalizeArgs(fs, args)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)

	if *target == "" {
		out.Error("target is required (-t)", ErrCodeInvalidOperation)
		os.Exit(1)
	}
	if *count <= 0 {
		out.Error("send count must be positive", ErrCodeInvalidOperation)
		os.Exit(1)
	}

	if *persist {
		cfg.Control.Persist = true
	}
	runner, shutdown := newRunner(cfg)
	defer shutdown()

	sender := tmux.NewSender(runner, *target)
	sender.ForcePaste = *paste

	ctx := context.Background()
	if !sender.IsAlive(ctx) {
		out.Error(fmt.Sprintf("no tmux session: %s", *target), ErrCodeNotFound)
		os.Exit(1)
	}

	payload := strings.Repeat("x", *size)
	durations := make([]time.Duration, 0, *count)
	failures := 0

	for i := 0; i < *count; i++ {
		start := time.Now()
		err := sender.SendText(ctx, fmt.Sprintf("# bench %d %s", i, payload))
		elapsed := time.Since(start)
		if err != nil {
			failures++
			continue
		}
		durations = append(durations, elapsed)
	}

	if len(durations) == 0 {
		out.Error("all sends failed", ErrCodeTransport)
		os.Exit(1)
	}

	mean := meanDuration(durations)
	p50 := percentile(durations, 50)
	p95 := percentile(durations, 95)

	transport := "batch"
	if cfg.Control.Persist {
		transport = "control"
	}
	mode := "direct"
	if *paste {
		mode = "paste"
	}

	if *jsonOutput {
		out.printJSON(map[string]interface{}{
			"target":    *target,
			"transport": transport,
			"mode":      mode,
			"sends":     len(durations),
			"failures":  failures,
			"mean_ms":   float64(mean.Microseconds()) / 1000,
			"p50_ms":    float64(p50.Microseconds()) / 1000,
			"p95_ms":    float64(p95.Microseconds()) / 1000,
		})
		return
	}

	fmt.Printf("Target:    %s\n", *target)
	fmt.Printf("Transport: %s (%s)\n", transport, mode)
	fmt.Printf("Sends:     %d (%d failed)\n", len(durations), failures)
	fmt.Printf("Mean:      %.2fms\n", float64(mean.Microseconds())/1000)
	fmt.Printf("P50:       %.2fms\n", float64(p50.Microseconds())/1000)
	fmt.Printf("P95:       %.2fms\n", float64(p95.Microseconds())/1000)
}

func meanDuration(ds []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}

// percentile returns the pct-th percentile using nearest-rank on a sorted
// copy. pct is clamped to [0, 100].
func percentile(ds []time.Duration, pct int) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
