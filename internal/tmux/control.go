package tmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"panebridge/internal/logging"
)

var ctlLog = logging.ForComponent(logging.CompTmux)

// controlSessionName is the dedicated session the control client attaches
// to. Commands still target arbitrary sessions via -t; this session only
// anchors the connection.
const controlSessionName = "panebridge_ctl"

// sendTimeout bounds how long one command waits for its %end reply.
const sendTimeout = 3 * time.Second

// outputRingSize bounds the buffer of asynchronous control-mode lines
// (%output and friends) retained for diagnostics. Oldest lines are dropped
// when full so a slow consumer cannot grow memory without bound.
const outputRingSize = 256

// controlProc is a live control-mode process. Factored behind spawnFunc so
// tests can substitute an in-process emulator for a real tmux server.
type controlProc struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	kill   func()
	wait   func() error
}

type spawnFunc func() (*controlProc, error)

type response struct {
	out string
	err error
}

// ControlClient maintains one long-lived `tmux -C` connection per
// multiplexer server, avoiding a subprocess spawn per command batch. All
// sends are serialized; a background drain goroutine consumes asynchronous
// control-mode output into a bounded ring.
//
// Any write failure or drain-detected disconnect marks the client dead. The
// in-flight batch and all subsequent ones run through the fallback Batcher
// until a reconnect succeeds; reconnects are attempted lazily on the next
// Send and paced by a rate limiter so a crashed server does not provoke a
// reconnect storm. The client is strictly an optimization: with it disabled
// or dead, behavior is identical to the Batcher alone.
type ControlClient struct {
	batcher *Batcher
	spawn   spawnFunc
	limiter *rate.Limiter

	// mu serializes Send/Shutdown and guards the connection state below.
	// The control connection is exclusively owned: only one caller path
	// writes to it at a time.
	mu         sync.Mutex
	proc       *controlProc
	alive      bool
	responseCh chan response
	done       chan struct{}

	ringMu   sync.Mutex
	ring     []string
	ringNext int
	ringFull bool
}

// NewControlClient creates a client that falls back to batcher when the
// persistent connection is unavailable. reconnectMinGap is the minimum time
// between reconnect attempts. The connection itself is established lazily on
// first Send.
func NewControlClient(batcher *Batcher, reconnectMinGap time.Duration) *ControlClient {
	if reconnectMinGap <= 0 {
		reconnectMinGap = 2 * time.Second
	}
	return &ControlClient{
		batcher: batcher,
		spawn:   spawnTmuxControl,
		limiter: rate.NewLimiter(rate.Every(reconnectMinGap), 1),
		ring:    make([]string, outputRingSize),
	}
}

func spawnTmuxControl() (*controlProc, error) {
	// -A attaches if the anchor session already exists. The process group
	// is isolated so Shutdown can kill the whole tree.
	cmd := exec.Command("tmux", "-C", "new-session", "-A", "-s", controlSessionName)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start tmux -C: %w", err)
	}

	return &controlProc{
		stdin:  stdin,
		stdout: stdout,
		kill: func() {
			if cmd.Process == nil {
				return
			}
			if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				_ = cmd.Process.Kill()
			}
		},
		wait: cmd.Wait,
	}, nil
}

// Run implements Runner. Commands are applied to the multiplexer in
// submission order; ordering across distinct clients is unspecified.
func (c *ControlClient) Run(ctx context.Context, cmds []Command) (Result, error) {
	if len(cmds) == 0 {
		return Result{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive {
		if c.limiter.Allow() {
			if err := c.connectLocked(); err != nil {
				ctlLog.Debug("control_connect_failed", slog.String("error", err.Error()))
			}
		}
	}
	if !c.alive {
		return c.batcher.Run(ctx, cmds)
	}

	out, err := c.sendLocked(ctx, cmds)
	if err != nil {
		// A %error reply means tmux rejected a command; the connection
		// itself is fine and earlier sub-commands already applied, so
		// surface it verbatim with no re-run.
		if errors.Is(err, ErrTransport) {
			return Result{}, err
		}
		// Connection lost: tear down and run the in-flight batch
		// through the base mechanism so the caller never sees the
		// optimization layer fail.
		ctlLog.Warn("control_send_failed", slog.String("error", err.Error()))
		c.markDeadLocked()
		return c.batcher.Run(ctx, cmds)
	}
	return Result{Stdout: out}, nil
}

// Connected reports whether the persistent path is currently live.
func (c *ControlClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// RecentOutput returns the buffered asynchronous control-mode lines in
// chronological order, for diagnostics.
func (c *ControlClient) RecentOutput() []string {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()

	var out []string
	if c.ringFull {
		for i := 0; i < outputRingSize; i++ {
			line := c.ring[(c.ringNext+i)%outputRingSize]
			if line != "" {
				out = append(out, line)
			}
		}
		return out
	}
	for i := 0; i < c.ringNext; i++ {
		out = append(out, c.ring[i])
	}
	return out
}

// Shutdown terminates the persistent connection. Subsequent Runs fall back
// to the batcher (and may lazily reconnect).
func (c *ControlClient) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markDeadLocked()
}

func (c *ControlClient) connectLocked() error {
	proc, err := c.spawn()
	if err != nil {
		return err
	}

	c.proc = proc
	c.alive = true
	c.responseCh = make(chan response, 64)
	c.done = make(chan struct{})

	go c.drain(proc, c.responseCh, c.done)

	ctlLog.Debug("control_connected")
	return nil
}

func (c *ControlClient) markDeadLocked() {
	if c.proc != nil {
		c.proc.stdin.Close()
		c.proc.kill()
		proc := c.proc
		go func() { _ = proc.wait() }()
		c.proc = nil
	}
	c.alive = false
}

// sendLocked writes every command line, then waits for one %end (or %error)
// per command, returning the concatenated reply bodies. Must be called with
// mu held.
func (c *ControlClient) sendLocked(ctx context.Context, cmds []Command) (string, error) {
	// Drop stale responses from an interrupted predecessor.
	for {
		select {
		case <-c.responseCh:
			continue
		default:
		}
		break
	}

	for _, cmd := range cmds {
		if _, err := io.WriteString(c.proc.stdin, quoteLine(cmd)+"\n"); err != nil {
			return "", fmt.Errorf("write control pipe: %w", err)
		}
	}

	deadline := time.NewTimer(sendTimeout)
	defer deadline.Stop()

	var out strings.Builder
	for range cmds {
		select {
		case resp := <-c.responseCh:
			if resp.err != nil {
				return "", resp.err
			}
			out.WriteString(resp.out)
		case <-deadline.C:
			return "", fmt.Errorf("control command timed out after %v", sendTimeout)
		case <-c.done:
			return "", fmt.Errorf("control connection closed mid-command")
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return out.String(), nil
}

// drain parses control-mode protocol lines for one connection's lifetime.
// %begin/%end/%error frame command replies; everything else (%output,
// %session-changed, ...) is asynchronous noise recorded into the ring.
// The initial attach handshake (%begin/%end pair) is consumed silently.
func (c *ControlClient) drain(proc *controlProc, responseCh chan response, done chan struct{}) {
	defer func() {
		// done must close before taking mu: a sendLocked blocked on its
		// reply holds mu while selecting on done, and would otherwise
		// only notice the disconnect at the send timeout.
		close(done)
		c.mu.Lock()
		if c.proc == proc {
			c.markDeadLocked()
		}
		c.mu.Unlock()
		ctlLog.Debug("control_drain_exited")
	}()

	scanner := bufio.NewScanner(proc.stdout)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)

	handshaken := false
	inReply := false
	var body strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "%begin"):
			inReply = true
			body.Reset()

		case strings.HasPrefix(line, "%end"):
			inReply = false
			if !handshaken {
				handshaken = true
				continue
			}
			select {
			case responseCh <- response{out: body.String()}:
			default:
			}

		case strings.HasPrefix(line, "%error"):
			inReply = false
			msg := line
			if parts := strings.Fields(line); len(parts) > 3 {
				msg = strings.Join(parts[3:], " ")
			}
			if !handshaken {
				handshaken = true
			}
			select {
			case responseCh <- response{err: fmt.Errorf("%w: %s", ErrTransport, msg)}:
			default:
			}

		default:
			if inReply {
				// Reply body (capture-pane text and the like).
				body.WriteString(line)
				body.WriteByte('\n')
				continue
			}
			c.recordOutput(line)
			logging.Aggregate(logging.CompTmux, "control_async_line")
		}
	}
}

// recordOutput appends a line to the drop-oldest diagnostics ring.
func (c *ControlClient) recordOutput(line string) {
	c.ringMu.Lock()
	c.ring[c.ringNext] = line
	c.ringNext++
	if c.ringNext == outputRingSize {
		c.ringNext = 0
		c.ringFull = true
	}
	c.ringMu.Unlock()
}

// quoteLine renders a command for tmux's control-mode line parser, quoting
// each token the way a shell would so embedded spaces, quotes, and the ";"
// separator survive intact.
func quoteLine(cmd Command) string {
	parts := make([]string, len(cmd))
	for i, tok := range cmd {
		parts[i] = quoteToken(tok)
	}
	return strings.Join(parts, " ")
}

func quoteToken(tok string) string {
	if tok == "" {
		return "''"
	}
	if !strings.ContainsAny(tok, " \t\n\"'\\;#{}$") {
		return tok
	}
	return "'" + strings.ReplaceAll(tok, "'", `'\''`) + "'"
}
