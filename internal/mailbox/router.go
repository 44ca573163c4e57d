// Package mailbox routes instruction payloads to tmux panes. Short payloads
// are injected directly; long ones are written to a file and the pane gets a
// one-line pointer prompt instead, keeping huge prompts out of the terminal
// input path.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"panebridge/internal/backend"
	"panebridge/internal/config"
	"panebridge/internal/logging"
	"panebridge/internal/platform"
	"panebridge/internal/statedb"
)

var log = logging.ForComponent(logging.CompMailbox)

// Transport values recorded on receipts.
const (
	TransportDirect = "direct"
	TransportFile   = "file"
)

// entryCollisionRetries bounds attempts to allocate a unique entry name.
const entryCollisionRetries = 5

// Injector delivers a line of text to a pane.
type Injector interface {
	SendText(ctx context.Context, text string) error
}

// Receipt describes one completed delivery.
type Receipt struct {
	ID        string
	Scope     string
	Transport string
	FilePath  string
	Bytes     int
	CreatedAt time.Time
}

// Router decides per payload between direct injection and file-based
// delivery, and keeps the entry directory tidy.
type Router struct {
	cfg    config.MailboxSettings
	inject Injector
	cap    backend.Capability
	root   string
	ledger *statedb.StateDB // optional
}

// NewRouter builds a router delivering through inject for a backend with
// the given capability. ledger may be nil; receipts are then not persisted.
func NewRouter(cfg config.MailboxSettings, inject Injector, cap backend.Capability, ledger *statedb.StateDB) (*Router, error) {
	cacheDir, err := platform.CacheDir()
	if err != nil {
		return nil, fmt.Errorf("mailbox root: %w", err)
	}
	return &Router{
		cfg:    cfg,
		inject: inject,
		cap:    cap,
		root:   filepath.Join(cacheDir, "mailbox"),
		ledger: ledger,
	}, nil
}

// Root returns the mailbox entry directory root.
func (r *Router) Root() string {
	return r.root
}

// Deliver routes payload to the pane and returns a receipt. File-transport
// failures degrade to direct injection; only a failed injection itself is
// an error.
func (r *Router) Deliver(ctx context.Context, payload, scope string) (Receipt, error) {
	if payload == "" {
		return Receipt{}, fmt.Errorf("mailbox: empty payload")
	}
	if scope == "" {
		scope = "default"
	}

	r.cleanupScope(scope)

	if r.useFile(payload) {
		path, err := r.writeEntry(payload, scope)
		if err == nil {
			prompt := PointerPrompt(path)
			if err := r.inject.SendText(ctx, prompt); err != nil {
				// The pane never saw the pointer; drop the orphan.
				_ = os.Remove(path)
				return Receipt{}, err
			}
			return r.record(scope, TransportFile, path, len(payload)), nil
		}
		log.Warn("entry_write_failed_degrading_to_direct",
			slog.String("scope", scope),
			slog.String("error", err.Error()),
		)
	}

	if err := r.inject.SendText(ctx, payload); err != nil {
		return Receipt{}, err
	}
	return r.record(scope, TransportDirect, "", len(payload)), nil
}

// useFile decides whether payload goes through a mailbox entry. The
// threshold counts characters, not bytes, so multibyte text is not pushed
// into a file early.
func (r *Router) useFile(payload string) bool {
	if !r.cfg.Enabled {
		return false
	}
	if !r.cap.ReadsLocalFiles {
		return false
	}
	return utf8.RuneCountInString(payload) >= r.cfg.Threshold
}

// writeEntry persists payload to a fresh user-only entry file under the
// per-scope directory and returns its absolute path.
func (r *Router) writeEntry(payload, scope string) (string, error) {
	dir := filepath.Join(r.root, scope)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("mailbox: mkdir scope: %w", err)
	}
	// MkdirAll leaves pre-existing dirs alone; re-apply the mode.
	_ = os.Chmod(dir, 0o700)

	for i := 0; i < entryCollisionRetries; i++ {
		name := fmt.Sprintf("instruction_%d.md", time.Now().UnixNano())
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("mailbox: create entry: %w", err)
		}
		if _, err := f.WriteString(payload); err != nil {
			f.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("mailbox: write entry: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("mailbox: close entry: %w", err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		return abs, nil
	}
	return "", fmt.Errorf("mailbox: entry name collisions exhausted")
}

// Ack marks a receipt consumed: its entry file is removed and the ledger
// row updated. Already-deleted entries are fine.
func (r *Router) Ack(receipt Receipt) error {
	if receipt.Transport == TransportFile && receipt.FilePath != "" {
		if err := os.Remove(receipt.FilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("mailbox: ack remove: %w", err)
		}
	}
	if r.ledger != nil {
		if err := r.ledger.MarkConsumed(receipt.ID, time.Now()); err != nil {
			log.Warn("ledger_mark_consumed_failed",
				slog.String("receipt", receipt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (r *Router) record(scope, transport, path string, size int) Receipt {
	receipt := Receipt{
		ID:        uuid.NewString(),
		Scope:     scope,
		Transport: transport,
		FilePath:  path,
		Bytes:     size,
		CreatedAt: time.Now(),
	}
	if r.ledger != nil {
		if err := r.ledger.InsertReceipt(&statedb.ReceiptRow{
			ID:        receipt.ID,
			Scope:     receipt.Scope,
			Transport: receipt.Transport,
			FilePath:  receipt.FilePath,
			Bytes:     receipt.Bytes,
			CreatedAt: receipt.CreatedAt,
		}); err != nil {
			log.Warn("ledger_insert_failed",
				slog.String("receipt", receipt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	log.Info("delivered",
		slog.String("scope", scope),
		slog.String("transport", transport),
		slog.Int("bytes", size),
	)
	return receipt
}

// PointerPrompt is the one-liner injected instead of a long payload.
func PointerPrompt(path string) string {
	return "Please read and execute instructions from: " + path
}
