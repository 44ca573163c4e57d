package mailbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panebridge/internal/backend"
	"panebridge/internal/config"
	"panebridge/internal/statedb"
)

type fakeInjector struct {
	sent []string
	err  error
}

func (f *fakeInjector) SendText(ctx context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func testSettings() config.MailboxSettings {
	return config.MailboxSettings{
		Enabled:       true,
		Threshold:     500,
		TTLSeconds:    6 * 60 * 60,
		MaxTotalBytes: 16 * 1024 * 1024,
	}
}

func fileCapable() backend.Capability {
	return backend.CapabilityFor(backend.ToolClaude)
}

func newTestRouter(t *testing.T, cfg config.MailboxSettings, inject Injector, cap backend.Capability) *Router {
	t.Helper()
	t.Setenv("PANEBRIDGE_CACHE_DIR", t.TempDir())
	r, err := NewRouter(cfg, inject, cap, nil)
	require.NoError(t, err)
	return r
}

func TestDeliverShortPayloadGoesDirect(t *testing.T) {
	inj := &fakeInjector{}
	r := newTestRouter(t, testSettings(), inj, fileCapable())

	receipt, err := r.Deliver(context.Background(), "short instruction", "work")
	require.NoError(t, err)

	assert.Equal(t, TransportDirect, receipt.Transport)
	assert.Empty(t, receipt.FilePath)
	require.Len(t, inj.sent, 1)
	assert.Equal(t, "short instruction", inj.sent[0])
}

func TestDeliverLongPayloadGoesToFile(t *testing.T) {
	inj := &fakeInjector{}
	r := newTestRouter(t, testSettings(), inj, fileCapable())

	payload := strings.Repeat("x", 600)
	receipt, err := r.Deliver(context.Background(), payload, "work")
	require.NoError(t, err)

	assert.Equal(t, TransportFile, receipt.Transport)
	require.NotEmpty(t, receipt.FilePath)
	assert.True(t, filepath.IsAbs(receipt.FilePath))

	// Entry holds the payload with owner-only permissions.
	data, err := os.ReadFile(receipt.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	fi, err := os.Stat(receipt.FilePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	// The pane got a pointer, not the payload.
	require.Len(t, inj.sent, 1)
	assert.Equal(t, PointerPrompt(receipt.FilePath), inj.sent[0])
	assert.Contains(t, inj.sent[0], "Please read and execute instructions from: ")
}

func TestDeliverThresholdBoundary(t *testing.T) {
	inj := &fakeInjector{}
	cfg := testSettings()
	cfg.Threshold = 100
	r := newTestRouter(t, cfg, inj, fileCapable())

	// One below the threshold stays direct.
	below, err := r.Deliver(context.Background(), strings.Repeat("a", 99), "work")
	require.NoError(t, err)
	assert.Equal(t, TransportDirect, below.Transport)

	// At the threshold the file path kicks in.
	at, err := r.Deliver(context.Background(), strings.Repeat("a", 100), "work")
	require.NoError(t, err)
	assert.Equal(t, TransportFile, at.Transport)
}

func TestDeliverThresholdCountsCharactersNotBytes(t *testing.T) {
	inj := &fakeInjector{}
	r := newTestRouter(t, testSettings(), inj, fileCapable())

	// 300 characters but 900 bytes: under the 500-character threshold, so
	// no mediating file.
	multibyte := strings.Repeat("读", 300)
	receipt, err := r.Deliver(context.Background(), multibyte, "work")
	require.NoError(t, err)
	assert.Equal(t, TransportDirect, receipt.Transport)
	assert.Empty(t, receipt.FilePath)
	require.Len(t, inj.sent, 1)
	assert.Equal(t, multibyte, inj.sent[0])

	// 500 characters crosses it regardless of encoding width.
	at, err := r.Deliver(context.Background(), strings.Repeat("读", 500), "work")
	require.NoError(t, err)
	assert.Equal(t, TransportFile, at.Transport)
}

func TestDeliverDisabledAlwaysDirect(t *testing.T) {
	inj := &fakeInjector{}
	cfg := testSettings()
	cfg.Enabled = false
	r := newTestRouter(t, cfg, inj, fileCapable())

	receipt, err := r.Deliver(context.Background(), strings.Repeat("x", 5000), "work")
	require.NoError(t, err)
	assert.Equal(t, TransportDirect, receipt.Transport)
}

func TestDeliverNonReadingBackendAlwaysDirect(t *testing.T) {
	inj := &fakeInjector{}
	r := newTestRouter(t, testSettings(), inj, backend.CapabilityFor(backend.ToolShell))

	receipt, err := r.Deliver(context.Background(), strings.Repeat("x", 5000), "work")
	require.NoError(t, err)
	assert.Equal(t, TransportDirect, receipt.Transport)
	require.Len(t, inj.sent, 1)
	assert.NotContains(t, inj.sent[0], "Please read and execute")
}

func TestDeliverWriteFailureDegradesToDirect(t *testing.T) {
	// Point the cache root under a regular file so the scope mkdir fails.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	t.Setenv("PANEBRIDGE_CACHE_DIR", filepath.Join(blocker, "nope"))

	inj := &fakeInjector{}
	r, err := NewRouter(testSettings(), inj, fileCapable(), nil)
	require.NoError(t, err)

	payload := strings.Repeat("x", 600)
	receipt, err := r.Deliver(context.Background(), payload, "work")
	require.NoError(t, err)

	assert.Equal(t, TransportDirect, receipt.Transport)
	require.Len(t, inj.sent, 1)
	assert.Equal(t, payload, inj.sent[0])
}

func TestDeliverInjectFailureRemovesOrphan(t *testing.T) {
	inj := &fakeInjector{err: fmt.Errorf("pane gone")}
	r := newTestRouter(t, testSettings(), inj, fileCapable())

	_, err := r.Deliver(context.Background(), strings.Repeat("x", 600), "work")
	require.Error(t, err)

	// No entry file left behind for a pointer the pane never saw.
	entries := listEntries(filepath.Join(r.Root(), "work"))
	assert.Empty(t, entries)
}

func TestDeliverEmptyPayloadRejected(t *testing.T) {
	r := newTestRouter(t, testSettings(), &fakeInjector{}, fileCapable())
	_, err := r.Deliver(context.Background(), "", "work")
	assert.Error(t, err)
}

func TestDeliverScopesAreIsolated(t *testing.T) {
	inj := &fakeInjector{}
	r := newTestRouter(t, testSettings(), inj, fileCapable())

	a, err := r.Deliver(context.Background(), strings.Repeat("x", 600), "alpha")
	require.NoError(t, err)
	b, err := r.Deliver(context.Background(), strings.Repeat("y", 600), "beta")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(r.Root(), "alpha"), filepath.Dir(a.FilePath))
	assert.Equal(t, filepath.Join(r.Root(), "beta"), filepath.Dir(b.FilePath))
}

func TestAckRemovesEntryAndIsIdempotent(t *testing.T) {
	inj := &fakeInjector{}
	r := newTestRouter(t, testSettings(), inj, fileCapable())

	receipt, err := r.Deliver(context.Background(), strings.Repeat("x", 600), "work")
	require.NoError(t, err)
	require.FileExists(t, receipt.FilePath)

	require.NoError(t, r.Ack(receipt))
	_, statErr := os.Stat(receipt.FilePath)
	assert.True(t, os.IsNotExist(statErr))

	// Acking again is fine.
	assert.NoError(t, r.Ack(receipt))
}

func TestDeliverRecordsReceiptsInLedger(t *testing.T) {
	t.Setenv("PANEBRIDGE_CACHE_DIR", t.TempDir())
	db, err := statedb.Open(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	inj := &fakeInjector{}
	r, err := NewRouter(testSettings(), inj, fileCapable(), db)
	require.NoError(t, err)

	receipt, err := r.Deliver(context.Background(), strings.Repeat("x", 600), "work")
	require.NoError(t, err)

	rows, err := db.ListReceipts("work", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, receipt.ID, rows[0].ID)
	assert.Equal(t, TransportFile, rows[0].Transport)
	assert.Equal(t, 600, rows[0].Bytes)
	assert.False(t, rows[0].ConsumedAt.Valid)

	require.NoError(t, r.Ack(receipt))
	row, err := db.GetReceipt(receipt.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.ConsumedAt.Valid)
}

func TestCleanupRemovesExpiredEntries(t *testing.T) {
	inj := &fakeInjector{}
	cfg := testSettings()
	cfg.TTLSeconds = 60
	r := newTestRouter(t, cfg, inj, fileCapable())

	old, err := r.Deliver(context.Background(), strings.Repeat("x", 600), "work")
	require.NoError(t, err)
	fresh, err := r.Deliver(context.Background(), strings.Repeat("y", 600), "work")
	require.NoError(t, err)

	// Age the first entry past the TTL.
	stale := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(old.FilePath, stale, stale))

	removed := r.CleanupAll()
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old.FilePath)
	assert.FileExists(t, fresh.FilePath)
}

func TestCleanupEvictsOldestOverSizeCap(t *testing.T) {
	inj := &fakeInjector{}
	cfg := testSettings()
	cfg.MaxTotalBytes = 1500
	r := newTestRouter(t, cfg, inj, fileCapable())

	var receipts []Receipt
	base := time.Now().Add(-10 * time.Minute)
	for i := 0; i < 3; i++ {
		rec, err := r.Deliver(context.Background(), strings.Repeat("x", 600), "work")
		require.NoError(t, err)
		// Space the mtimes so eviction order is deterministic.
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(rec.FilePath, ts, ts))
		receipts = append(receipts, rec)
	}

	removed := r.CleanupAll()
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, receipts[0].FilePath)
	assert.FileExists(t, receipts[1].FilePath)
	assert.FileExists(t, receipts[2].FilePath)
}

func TestCleanupEvictionContinuesPastFailedRemoval(t *testing.T) {
	inj := &fakeInjector{}
	cfg := testSettings()
	cfg.MaxTotalBytes = 1200
	r := newTestRouter(t, cfg, inj, fileCapable())

	oldRec, err := r.Deliver(context.Background(), strings.Repeat("x", 600), "work")
	require.NoError(t, err)
	newRec, err := r.Deliver(context.Background(), strings.Repeat("y", 600), "work")
	require.NoError(t, err)
	oldTS := time.Now().Add(-5 * time.Minute)
	newTS := time.Now().Add(-4 * time.Minute)
	require.NoError(t, os.Chtimes(oldRec.FilePath, oldTS, oldTS))
	require.NoError(t, os.Chtimes(newRec.FilePath, newTS, newTS))

	// A non-empty directory matching the entry pattern cannot be removed;
	// its bytes stay on disk, so eviction must keep going with the
	// next-oldest entry instead of counting them as freed.
	blocked := filepath.Join(r.Root(), "work", "instruction_0.md")
	require.NoError(t, os.MkdirAll(blocked, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(blocked, "pin"), []byte("x"), 0o600))
	oldest := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(blocked, oldest, oldest))

	removed := r.CleanupAll()
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, oldRec.FilePath)
	assert.FileExists(t, newRec.FilePath)
	assert.DirExists(t, blocked)
}

func TestCleanupKeepsNewestEvenWhenOverCap(t *testing.T) {
	inj := &fakeInjector{}
	cfg := testSettings()
	cfg.MaxTotalBytes = 100
	r := newTestRouter(t, cfg, inj, fileCapable())

	rec, err := r.Deliver(context.Background(), strings.Repeat("x", 600), "work")
	require.NoError(t, err)

	removed := r.CleanupAll()
	assert.Zero(t, removed)
	assert.FileExists(t, rec.FilePath)
}

func TestEntryNamesAreUnique(t *testing.T) {
	inj := &fakeInjector{}
	r := newTestRouter(t, testSettings(), inj, fileCapable())

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		rec, err := r.Deliver(context.Background(), strings.Repeat("x", 600), "work")
		require.NoError(t, err)
		assert.False(t, seen[rec.FilePath], "duplicate entry path: %s", rec.FilePath)
		seen[rec.FilePath] = true
		assert.True(t, strings.HasPrefix(filepath.Base(rec.FilePath), "instruction_"))
		assert.True(t, strings.HasSuffix(rec.FilePath, ".md"))
	}
}

func TestPointerPrompt(t *testing.T) {
	p := PointerPrompt("/tmp/mailbox/work/instruction_1.md")
	assert.Equal(t, "Please read and execute instructions from: /tmp/mailbox/work/instruction_1.md", p)
}
