package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"

	"panebridge/internal/config"
	"panebridge/internal/statedb"
)

// Table column widths for history output
const (
	histColID        = 12
	histColScope     = 16
	histColTransport = 9
	histColBytes     = 8
	histColAge       = 10
)

// handleHistory lists recent delivery receipts.
func handleHistory(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	scope := fs.String("scope", "", "only show receipts for this scope")
	limit := fs.Int("n", 20, "max receipts to show (0 = all)")
	filter := fs.String("filter", "", "fuzzy-match scopes and file paths")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Println("Usage: panebridge history [options]")
		fmt.Println()
		fmt.Println("Show recent delivery receipts, newest first.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	args = normalizeArgs(fs, args)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)

	ledger := openLedger()
	if ledger == nil {
		out.Error("receipts database unavailable", ErrCodeInvalidOperation)
		os.Exit(1)
	}
	defer ledger.Close()

	rows, err := ledger.ListReceipts(*scope, *limit)
	if err != nil {
		out.Error(fmt.Sprintf("list receipts: %v", err), ErrCodeInvalidOperation)
		os.Exit(1)
	}

	if *filter != "" {
		rows = fuzzyFilterReceipts(rows, *filter)
	}

	if *jsonOutput {
		type receiptJSON struct {
			ID        string    `json:"id"`
			Scope     string    `json:"scope"`
			Transport string    `json:"transport"`
			Bytes     int       `json:"bytes"`
			FilePath  string    `json:"file_path,omitempty"`
			CreatedAt time.Time `json:"created_at"`
			Consumed  bool      `json:"consumed"`
		}
		receipts := make([]receiptJSON, len(rows))
		for i, r := range rows {
			receipts[i] = receiptJSON{
				ID:        r.ID,
				Scope:     r.Scope,
				Transport: r.Transport,
				Bytes:     r.Bytes,
				FilePath:  r.FilePath,
				CreatedAt: r.CreatedAt,
				Consumed:  r.ConsumedAt.Valid,
			}
		}
		out.printJSON(receipts)
		return
	}

	if len(rows) == 0 {
		fmt.Println("No receipts found.")
		return
	}

	fmt.Printf("%-*s %-*s %-*s %-*s %-*s %s\n",
		histColID, "ID", histColScope, "SCOPE", histColTransport, "TRANSPORT",
		histColBytes, "BYTES", histColAge, "AGE", "STATUS")
	fmt.Println(strings.Repeat("-", histColID+histColScope+histColTransport+histColBytes+histColAge+14))

	for _, r := range rows {
		id := r.ID
		if len(id) > histColID {
			id = id[:histColID]
		}
		status := colorize("pending", "3")
		if r.ConsumedAt.Valid {
			status = colorize("consumed", "2")
		}
		fmt.Printf("%-*s %-*s %-*s %-*d %-*s %s\n",
			histColID, id,
			histColScope, truncateCell(r.Scope, histColScope),
			histColTransport, r.Transport,
			histColBytes, r.Bytes,
			histColAge, formatAge(time.Since(r.CreatedAt)),
			status,
		)
	}
	fmt.Printf("\nTotal: %d receipts\n", len(rows))
}

// fuzzyFilterReceipts keeps rows whose scope or file path fuzzy-matches
// the pattern, preserving the original ordering.
func fuzzyFilterReceipts(rows []*statedb.ReceiptRow, pattern string) []*statedb.ReceiptRow {
	haystack := make([]string, len(rows))
	for i, r := range rows {
		haystack[i] = r.Scope + " " + r.FilePath
	}
	matches := fuzzy.Find(pattern, haystack)

	keep := make(map[int]bool, len(matches))
	for _, m := range matches {
		keep[m.Index] = true
	}
	var result []*statedb.ReceiptRow
	for i, r := range rows {
		if keep[i] {
			result = append(result, r)
		}
	}
	return result
}

// formatAge renders a duration compactly for table cells.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
