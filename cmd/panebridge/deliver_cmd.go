package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"panebridge/internal/backend"
	"panebridge/internal/config"
	"panebridge/internal/mailbox"
	"panebridge/internal/tmux"
)

const (
	deliverTimeout     = 30 * time.Second
	verifyWindow       = 5 * time.Second
	verifyPollInterval = time.Second
)

// handleDeliver sends an instruction payload to a tmux pane, routing
// through the mailbox when the payload is large.
func handleDeliver(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("deliver", flag.ExitOnError)
	target := fs.String("t", "", "tmux target (session name or pane id)")
	targetLong := fs.String("target", "", "tmux target (long form)")
	tool := fs.String("tool", "", "backend tool: claude, codex, gemini, shell (default: auto)")
	scope := fs.String("scope", "", "mailbox scope (defaults to target)")
	noVerify := fs.Bool("no-verify", false, "skip the can't-read-file check after file-mediated delivery")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("q", false, "Minimal output")

	fs.Usage = func() {
		fmt.Println("Usage: panebridge deliver -t <target> [options] [payload|-]")
		fmt.Println()
		fmt.Println("Send an instruction to a pane. The payload is the positional")
		fmt.Println("argument, or stdin when absent or '-'.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  panebridge deliver -t work 'run the tests'")
		fmt.Println("  cat prompt.md | panebridge deliver -t work --tool claude")
	}

	args = normalizeArgs(fs, args)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, *quiet)

	tgt := *target
	if *targetLong != "" {
		tgt = *targetLong
	}
	if tgt == "" {
		out.Error("target is required (-t)", ErrCodeInvalidOperation)
		os.Exit(1)
	}

	payload, err := readPayload(fs)
	if err != nil {
		out.Error(err.Error(), ErrCodeInvalidOperation)
		os.Exit(1)
	}

	cap := resolveCapability(*tool, tgt, cfg)

	runner, shutdown := newRunner(cfg)
	defer shutdown()

	sender := tmux.NewSender(runner, tgt)
	sender.ForcePaste = cap.ForcePaste
	sender.MaxInline = cap.MaxInlineLen

	ledger := openLedger()
	if ledger != nil {
		defer ledger.Close()
	}

	router, err := mailbox.NewRouter(cfg.Mailbox, sender, cap, ledger)
	if err != nil {
		out.Error(err.Error(), ErrCodeInvalidOperation)
		os.Exit(1)
	}

	scp := *scope
	if scp == "" {
		scp = tgt
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	receipt, err := router.Deliver(ctx, payload, scp)
	if err != nil {
		out.Error(fmt.Sprintf("delivery failed: %v", err), ErrCodeTransport)
		os.Exit(1)
	}

	if receipt.Transport == mailbox.TransportFile && !*noVerify {
		receipt = verifyFileDelivery(ctx, sender, router, receipt, payload)
	}

	out.Success(
		fmt.Sprintf("Delivered %d bytes to %s via %s (receipt %s)",
			receipt.Bytes, tgt, receipt.Transport, receipt.ID),
		map[string]interface{}{
			"success":   true,
			"receipt":   receipt.ID,
			"target":    tgt,
			"scope":     receipt.Scope,
			"transport": receipt.Transport,
			"bytes":     receipt.Bytes,
			"file_path": receipt.FilePath,
		},
	)
}

// verifyFileDelivery watches the pane for a short window after a pointer
// prompt goes out. A "cannot read file" reply means the backend never got
// the payload; resend it inline and retire the orphaned entry.
func verifyFileDelivery(ctx context.Context, sender *tmux.Sender, router *mailbox.Router, receipt mailbox.Receipt, payload string) mailbox.Receipt {
	deadline := time.Now().Add(verifyWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return receipt
		case <-time.After(verifyPollInterval):
		}

		pane, err := sender.CapturePane(ctx, 20)
		if err != nil {
			continue
		}
		if !backend.LooksLikeCannotReadFile(pane) {
			continue
		}

		if err := sender.SendText(ctx, payload); err != nil {
			return receipt
		}
		_ = router.Ack(receipt)
		receipt.Transport = mailbox.TransportDirect
		receipt.FilePath = ""
		return receipt
	}
	return receipt
}

// resolveCapability picks the backend profile: explicit --tool wins, then a
// capture-pane sniff of what the pane is running, then the shell default.
func resolveCapability(tool, target string, cfg config.Config) backend.Capability {
	if tool != "" {
		return backend.CapabilityFor(backend.Tool(tool))
	}

	batcher := tmux.NewBatcher()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := batcher.Run(ctx, []tmux.Command{
		{"display-message", "-t", target, "-p", "#{pane_current_command}"},
	})
	if err != nil {
		return backend.CapabilityFor(backend.ToolShell)
	}
	return backend.CapabilityFor(backend.DetectTool(res.Stdout))
}

// handleAck marks a receipt consumed and removes its mailbox entry.
func handleAck(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("q", false, "Minimal output")

	fs.Usage = func() {
		fmt.Println("Usage: panebridge ack <receipt-id>")
		fmt.Println()
		fmt.Println("Mark a delivery receipt consumed. File-transport entries are")
		fmt.Println("deleted; already-deleted entries are fine.")
	}

	args = normalizeArgs(fs, args)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, *quiet)

	id := fs.Arg(0)
	if id == "" {
		out.Error("receipt ID is required", ErrCodeInvalidOperation)
		os.Exit(1)
	}

	ledger := openLedger()
	if ledger == nil {
		out.Error("receipts database unavailable", ErrCodeInvalidOperation)
		os.Exit(1)
	}
	defer ledger.Close()

	row, err := ledger.GetReceipt(id)
	if err != nil {
		out.Error(fmt.Sprintf("lookup failed: %v", err), ErrCodeInvalidOperation)
		os.Exit(1)
	}
	if row == nil {
		out.Error(fmt.Sprintf("receipt not found: %s", id), ErrCodeNotFound)
		os.Exit(1)
	}

	router, err := mailbox.NewRouter(cfg.Mailbox, nil, backend.CapabilityFor(backend.ToolShell), ledger)
	if err != nil {
		out.Error(err.Error(), ErrCodeInvalidOperation)
		os.Exit(1)
	}

	if err := router.Ack(mailbox.Receipt{
		ID:        row.ID,
		Scope:     row.Scope,
		Transport: row.Transport,
		FilePath:  row.FilePath,
		Bytes:     row.Bytes,
		CreatedAt: row.CreatedAt,
	}); err != nil {
		out.Error(err.Error(), ErrCodeInvalidOperation)
		os.Exit(1)
	}

	out.Success(fmt.Sprintf("Acknowledged receipt %s", id), map[string]interface{}{
		"success": true,
		"receipt": id,
	})
}

// handleCleanup sweeps stale mailbox entries and prunes old receipts.
func handleCleanup(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("q", false, "Minimal output")

	fs.Usage = func() {
		fmt.Println("Usage: panebridge cleanup")
		fmt.Println()
		fmt.Println("Remove mailbox entries past their TTL or over the size cap,")
		fmt.Println("and prune receipts older than the TTL from the ledger.")
	}

	args = normalizeArgs(fs, args)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, *quiet)

	ledger := openLedger()
	if ledger != nil {
		defer ledger.Close()
	}

	router, err := mailbox.NewRouter(cfg.Mailbox, nil, backend.CapabilityFor(backend.ToolShell), ledger)
	if err != nil {
		out.Error(err.Error(), ErrCodeInvalidOperation)
		os.Exit(1)
	}

	removed := router.CleanupAll()

	var pruned int64
	if ledger != nil {
		pruned, _ = ledger.PruneOlderThan(time.Now().Add(-cfg.Mailbox.TTL()))
	}

	out.Success(
		fmt.Sprintf("Removed %d entries, pruned %d receipts", removed, pruned),
		map[string]interface{}{
			"success":         true,
			"entries_removed": removed,
			"receipts_pruned": pruned,
		},
	)
}
