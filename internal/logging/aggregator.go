package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Aggregator folds bursts of identical events (poll ticks, drained
// control-mode output lines) into one summary line per flush window, so
// hot loops cannot swamp the log file.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	summaries map[string]*summary

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// summary accumulates one component/event pair within a window. The attrs
// of the latest Record win; the count is the point.
type summary struct {
	component string
	event     string
	count     int64
	attrs     []slog.Attr
}

// NewAggregator creates an aggregator flushing every intervalSecs seconds
// (default 30). A nil logger silently drops recorded events.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:    logger,
		interval:  time.Duration(intervalSecs) * time.Second,
		summaries: make(map[string]*summary),
		stop:      make(chan struct{}),
	}
}

// Start launches the periodic flush. Stop must be called to release it.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		tick := time.NewTicker(a.interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				a.flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop halts the flush loop and writes out whatever the window holds.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
	a.flush()
}

// Record counts one occurrence of an event. Attrs replace those from the
// previous occurrence rather than accumulating.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	key := component + "\x00" + event

	a.mu.Lock()
	s, ok := a.summaries[key]
	if !ok {
		s = &summary{component: component, event: event}
		a.summaries[key] = s
	}
	s.count++
	if len(attrs) > 0 {
		s.attrs = attrs
	}
	a.mu.Unlock()
}

// flush emits one summary line per active event and resets the window.
// Output order is deterministic so consecutive windows diff cleanly.
func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.summaries) == 0 {
		a.mu.Unlock()
		return
	}
	window := a.summaries
	a.summaries = make(map[string]*summary)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	keys := make([]string, 0, len(window))
	for k := range window {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		s := window[k]
		args := []any{
			slog.String("component", s.component),
			slog.String("event", s.event),
			slog.Int64("count", s.count),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		for _, attr := range s.attrs {
			args = append(args, attr)
		}
		a.logger.Info("event_summary", args...)
	}
}
