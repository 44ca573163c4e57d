package watch

import (
	"context"
	"os"
	"time"

	"panebridge/internal/logging"
)

// snapshot is the last-observed identity of a target. Owned by the poller
// that took it; never shared across instances.
type snapshot struct {
	exists  bool
	size    int64
	modTime time.Time
	info    os.FileInfo // retained for os.SameFile identity checks
}

// Poller detects changes by re-statting the target on an adaptive interval:
// fast while things are moving, backing off exponentially while idle. It has
// no kernel dependency and is always available; ChangeWaiter uses it both as
// the explicit fallback leg and as the only leg when fsnotify is disabled.
type Poller struct {
	target   Target
	min      time.Duration
	max      time.Duration
	interval time.Duration
	snap     snapshot
	primed   bool
}

var pollLog = logging.ForComponent(logging.CompWatch)

// NewPoller creates a poller for one target. min is the response floor while
// the target is active; max is the idle backoff ceiling.
func NewPoller(target Target, min, max time.Duration) *Poller {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &Poller{
		target:   target,
		min:      min,
		max:      max,
		interval: min,
	}
}

// Reset drops the backoff to the floor. Called by ChangeWaiter after any
// detected change so the next quiet period starts fast again.
func (p *Poller) Reset() {
	p.interval = p.min
}

// Wait blocks until the target changes, the timeout passes, or ctx is
// cancelled. The first call baselines the target without reporting a change.
func (p *Poller) Wait(ctx context.Context, timeout time.Duration) Event {
	deadline := time.Now().Add(timeout)

	if !p.primed {
		p.snap = p.take()
		p.primed = true
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{Kind: EventTimeout}
		}

		sleep := p.interval
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Event{Kind: EventError, Err: ctx.Err()}
		case <-timer.C:
		}

		logging.Aggregate(logging.CompWatch, "poll_tick")

		current := p.take()
		if changed(p.snap, current) {
			p.snap = current
			p.Reset()
			return Event{Kind: EventChanged}
		}

		// No change: back off, doubling up to the ceiling.
		p.interval *= 2
		if p.interval > p.max {
			p.interval = p.max
		}
	}
}

func (p *Poller) take() snapshot {
	info, err := os.Stat(p.target.Path)
	if err != nil {
		return snapshot{exists: false}
	}
	return snapshot{
		exists:  true,
		size:    info.Size(),
		modTime: info.ModTime(),
		info:    info,
	}
}

// changed compares two snapshots. Any size delta counts: a decrease means
// truncation or replacement, which callers must see as a change, not skip.
// An identity change (same path, different inode) means the file was
// atomically replaced even if size and mtime happen to match.
func changed(prev, cur snapshot) bool {
	if prev.exists != cur.exists {
		return true
	}
	if !cur.exists {
		return false
	}
	if prev.size != cur.size {
		return true
	}
	if !prev.modTime.Equal(cur.modTime) {
		return true
	}
	if prev.info != nil && cur.info != nil && !os.SameFile(prev.info, cur.info) {
		return true
	}
	return false
}
