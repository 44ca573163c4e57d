package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"panebridge/internal/logging"
)

var watchLog = logging.ForComponent(logging.CompWatch)

// Options controls waiter construction.
type Options struct {
	// UseFsnotify enables the kernel-event path. When false the waiter is
	// polling-only from the start.
	UseFsnotify bool

	// PollInterval is the polling floor for the fallback leg.
	PollInterval time.Duration

	// PollMaxInterval is the idle backoff ceiling for the fallback leg.
	PollMaxInterval time.Duration
}

// Waiter blocks callers until a watch target changes on disk. It prefers a
// kernel-event watch (fsnotify) on both the target file and its parent
// directory; if registration fails for any reason the instance downgrades to
// adaptive polling for the rest of its lifetime. The downgrade is one-way --
// retrying the kernel path mid-session would flap between mechanisms and
// risk missing events during the switchover.
//
// One Waiter serves one logical consumer; concurrent Wait calls on the same
// instance are not supported.
type Waiter struct {
	target Target
	poller *Poller

	fsw       *fsnotify.Watcher
	efficient bool
	closed    bool
}

// NewWaiter constructs a waiter for the target. Construction never fails:
// any problem setting up the kernel watch just leaves the waiter in polling
// mode.
func NewWaiter(target Target, opts Options) *Waiter {
	w := &Waiter{
		target: target,
		poller: NewPoller(target, opts.PollInterval, opts.PollMaxInterval),
	}

	if !opts.UseFsnotify {
		return w
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		watchLog.Warn("fsnotify_unavailable", slog.String("error", err.Error()))
		return w
	}

	if err := w.register(fsw); err != nil {
		watchLog.Warn("watch_setup_failed",
			slog.String("path", target.Path),
			slog.String("error", err.Error()),
		)
		fsw.Close()
		return w
	}

	w.fsw = fsw
	w.efficient = true
	watchLog.Debug("fsnotify_watching", slog.String("path", target.Path))
	return w
}

// register adds the kernel watches. For file targets the parent directory is
// watched as well (when WatchParent is set) so rename/replace and rotation
// are seen; the file-level watch is best-effort since the file may not exist
// yet.
func (w *Waiter) register(fsw *fsnotify.Watcher) error {
	if w.target.Kind == KindDirectory {
		return fsw.Add(w.target.Path)
	}

	if w.target.WatchParent {
		if err := fsw.Add(filepath.Dir(w.target.Path)); err != nil {
			return err
		}
		// File watch is an optimization on top of the directory watch;
		// absence of the file is not a setup failure.
		_ = fsw.Add(w.target.Path)
		return nil
	}

	return fsw.Add(w.target.Path)
}

// Efficient reports whether the kernel-event path is in use. Exposed for
// diagnostics and tests.
func (w *Waiter) Efficient() bool {
	return w.efficient
}

// Wait blocks until the target changes, timeout passes, or ctx is cancelled.
// A timeout is not a failure: callers poll and retry.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) Event {
	if w.closed {
		return Event{Kind: EventError, Err: errors.New("waiter is closed")}
	}
	if !w.efficient {
		return w.poller.Wait(ctx, timeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Event{Kind: EventError, Err: ctx.Err()}

		case <-timer.C:
			return Event{Kind: EventTimeout}

		case ev, ok := <-w.fsw.Events:
			if !ok {
				// Watcher died mid-session: degrade permanently.
				w.degrade("event channel closed")
				return w.poller.Wait(ctx, timeout)
			}
			result, relevant := w.classify(ev)
			if relevant {
				w.poller.Reset()
				return result
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.degrade("error channel closed")
				return w.poller.Wait(ctx, timeout)
			}
			result := classifyError(err)
			if result.Kind == EventOverflow {
				// Kernel dropped events; the watches may be stale.
				w.rearm()
				return result
			}
			watchLog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

// classify decides whether a filesystem event concerns our target and
// whether the underlying file watch needs re-arming (rotation/replacement).
func (w *Waiter) classify(ev fsnotify.Event) (Event, bool) {
	if w.target.Kind == KindDirectory {
		// Anything under a directory target is a change.
		return Event{Kind: EventChanged}, true
	}

	name := filepath.Clean(ev.Name)
	targetPath := filepath.Clean(w.target.Path)

	if name == targetPath {
		// The file itself was replaced or removed: the kernel drops the
		// old inode's watch, so re-arm for the successor.
		if ev.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
			w.rearm()
		}
		return Event{Kind: EventChanged}, true
	}

	// Directory-level event: a create/rename whose basename matches the
	// target means the file rotated into place under a new inode.
	if filepath.Base(name) == filepath.Base(targetPath) &&
		ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
		w.rearm()
		return Event{Kind: EventChanged}, true
	}

	// Sibling file in the watched parent directory; not ours.
	return Event{}, false
}

// classifyError maps a watcher error to an event. Overflow is the one case
// with defined semantics: events were dropped, so report it as a change
// signal rather than swallowing it.
func classifyError(err error) Event {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		return Event{Kind: EventOverflow}
	}
	return Event{Kind: EventError, Err: err}
}

// rearm re-adds the file-level watch after rotation or replacement.
// Best-effort: the directory watch still covers us if the file is missing.
func (w *Waiter) rearm() {
	if w.fsw == nil || w.target.Kind == KindDirectory {
		return
	}
	_ = w.fsw.Remove(w.target.Path)
	if err := w.fsw.Add(w.target.Path); err != nil {
		watchLog.Debug("rearm_deferred",
			slog.String("path", w.target.Path),
			slog.String("error", err.Error()),
		)
	}
}

// degrade permanently switches to the polling leg.
func (w *Waiter) degrade(reason string) {
	watchLog.Warn("fsnotify_degraded",
		slog.String("path", w.target.Path),
		slog.String("reason", reason),
	)
	if w.fsw != nil {
		w.fsw.Close()
		w.fsw = nil
	}
	w.efficient = false
}

// Close releases the watch registration. The waiter cannot be reused.
func (w *Waiter) Close() {
	if w.closed {
		return
	}
	w.closed = true
	if w.fsw != nil {
		w.fsw.Close()
		w.fsw = nil
	}
	w.efficient = false
}
