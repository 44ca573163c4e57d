package watch

import "fmt"

// Kind distinguishes watching a single file from watching a directory.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

// Target describes what a waiter observes: a path, and whether its parent
// directory is watched too so that atomic replacement (write-to-temp +
// rename into place) and log rotation are detected, not just in-place
// appends.
type Target struct {
	// Path is the absolute path of the file or directory to observe.
	Path string

	// WatchParent tracks the target rotating under a stable parent
	// directory. Meaningless for KindDirectory targets.
	WatchParent bool

	// Kind is the target type. KindDirectory targets report any change
	// beneath the directory.
	Kind Kind
}

// EventKind classifies what woke a Wait call.
type EventKind int

const (
	// EventChanged means the target (or something under a directory
	// target) changed on disk.
	EventChanged EventKind = iota

	// EventOverflow means the kernel dropped change events. It must be
	// treated as a change: the only safe assumption is that the target
	// moved while we weren't looking.
	EventOverflow

	// EventTimeout means the wait deadline passed with no event. Callers
	// should poll and retry; this is not a failure.
	EventTimeout

	// EventError carries a non-recoverable error (cancelled context,
	// closed waiter).
	EventError
)

// Event is the result of a single Wait call.
type Event struct {
	Kind EventKind
	Err  error
}

// Changed reports whether the caller should re-read the target. Overflow
// counts: dropped kernel events are conservatively a change signal.
func (e Event) Changed() bool {
	return e.Kind == EventChanged || e.Kind == EventOverflow
}

func (e Event) String() string {
	switch e.Kind {
	case EventChanged:
		return "changed"
	case EventOverflow:
		return "overflow"
	case EventTimeout:
		return "timeout"
	case EventError:
		if e.Err != nil {
			return fmt.Sprintf("error: %v", e.Err)
		}
		return "error"
	default:
		return "unknown"
	}
}
