package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"panebridge/internal/logging"
	"panebridge/internal/platform"
)

var sendLog = logging.ForComponent(logging.CompTmux)

// defaultMaxInlineLen is the longest single-line payload sent straight
// through send-keys argv when the backend declares no limit of its own.
// Longer or multiline text goes through a paste buffer to dodge
// command-line length limits and bracketed-paste quirks.
const defaultMaxInlineLen = 200

// captureCacheTTL bounds how long a captured pane snapshot is reused.
const captureCacheTTL = 500 * time.Millisecond

// Sender injects text into one tmux pane. It chooses between a direct
// send-keys fast path and a load-buffer/paste-buffer slow path, always
// following the text with a separate Enter so TUI backends do not swallow
// the newline inside a bracketed paste.
type Sender struct {
	run    Runner
	target string

	// ForcePaste routes every payload through the paste-buffer path.
	// Some backends render inline send-keys text as keystrokes they
	// then re-interpret; paste mode is their safe mode.
	ForcePaste bool

	// MaxInline overrides the longest payload eligible for the direct
	// send-keys path. Zero means the default limit.
	MaxInline int

	cacheMu      sync.RWMutex
	cacheContent string
	cacheTime    time.Time
	captureSf    singleflight.Group
}

// NewSender creates a sender for the given tmux target (session name or
// pane id) running its commands through run.
func NewSender(run Runner, target string) *Sender {
	return &Sender{run: run, target: target}
}

// Target returns the tmux target this sender drives.
func (s *Sender) Target() string {
	return s.target
}

// SendText injects text into the pane followed by Enter. Carriage returns
// are stripped and blank payloads are silently dropped.
func (s *Sender) SendText(ctx context.Context, text string) error {
	sanitized := strings.TrimSpace(strings.ReplaceAll(text, "\r", ""))
	if sanitized == "" {
		return nil
	}
	s.invalidateCapture()

	if !s.ForcePaste && !strings.Contains(sanitized, "\n") && len(sanitized) <= s.inlineLimit() {
		return s.sendDirect(ctx, sanitized)
	}
	return s.sendViaBuffer(ctx, sanitized)
}

func (s *Sender) inlineLimit() int {
	if s.MaxInline > 0 {
		return s.MaxInline
	}
	return defaultMaxInlineLen
}

// sendDirect batches literal text and Enter into one tmux invocation.
// send-text must precede send-Enter; the batch preserves that order.
func (s *Sender) sendDirect(ctx context.Context, text string) error {
	_, err := s.run.Run(ctx, []Command{
		{"send-keys", "-t", s.target, "-l", "--", text},
		{"send-keys", "-t", s.target, "Enter"},
	})
	return err
}

// sendViaBuffer stages the payload in a user-only temp file, loads it into
// a uniquely named tmux buffer, pastes with -p (bracketed paste), sends
// Enter, and deletes the buffer -- all in one invocation. The temp file
// never outlives the call.
func (s *Sender) sendViaBuffer(ctx context.Context, text string) error {
	dir, err := platform.RuntimeDir()
	if err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "pb-send-*.txt")
	if err != nil {
		return fmt.Errorf("stage send buffer: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restrict send buffer: %w", err)
	}
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("write send buffer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flush send buffer: %w", err)
	}

	bufName := fmt.Sprintf("pb-%d-%d", os.Getpid(), time.Now().UnixMilli())
	_, err = s.run.Run(ctx, []Command{
		{"load-buffer", "-b", bufName, tmpPath},
		{"paste-buffer", "-t", s.target, "-b", bufName, "-p"},
		{"send-keys", "-t", s.target, "Enter"},
		{"delete-buffer", "-b", bufName},
	})
	if err != nil {
		// The batch may have died before delete-buffer ran; don't leak
		// the payload in the tmux buffer list.
		if _, cleanupErr := s.run.Run(context.WithoutCancel(ctx), []Command{
			{"delete-buffer", "-b", bufName},
		}); cleanupErr != nil {
			sendLog.Debug("buffer_cleanup_failed",
				slog.String("buffer", bufName),
				slog.String("error", cleanupErr.Error()),
			)
		}
		return err
	}
	return nil
}

// IsAlive reports whether the target session exists.
func (s *Sender) IsAlive(ctx context.Context) bool {
	_, err := s.run.Run(ctx, []Command{{"has-session", "-t", s.target}})
	return err == nil
}

// CapturePane returns the last lines of visible pane content. Results are
// cached briefly and concurrent calls are deduplicated so rapid status
// checks don't multiply subprocess spawns.
func (s *Sender) CapturePane(ctx context.Context, lines int) (string, error) {
	s.cacheMu.RLock()
	if s.cacheContent != "" && time.Since(s.cacheTime) < captureCacheTTL {
		content := s.cacheContent
		s.cacheMu.RUnlock()
		return content, nil
	}
	s.cacheMu.RUnlock()

	v, err, _ := s.captureSf.Do("capture", func() (interface{}, error) {
		res, err := s.run.Run(ctx, []Command{
			{"capture-pane", "-t", s.target, "-p", "-J", "-S", fmt.Sprintf("-%d", lines)},
		})
		if err != nil {
			return "", err
		}
		content := strings.TrimRight(res.Stdout, "\n")

		s.cacheMu.Lock()
		s.cacheContent = content
		s.cacheTime = time.Now()
		s.cacheMu.Unlock()

		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateCapture clears the cached pane content. Called after any send,
// which by definition changes what the pane shows.
func (s *Sender) invalidateCapture() {
	s.cacheMu.Lock()
	s.cacheContent = ""
	s.cacheTime = time.Time{}
	s.cacheMu.Unlock()
}

// KillSession terminates the target session.
func (s *Sender) KillSession(ctx context.Context) error {
	_, err := s.run.Run(ctx, []Command{{"kill-session", "-t", s.target}})
	return err
}
