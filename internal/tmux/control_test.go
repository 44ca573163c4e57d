package tmux

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// controlEmulator speaks just enough of the tmux control-mode protocol for
// the client: an attach handshake at connect, then one %begin/%end pair per
// command line. Lines containing "fail" get %error instead; "capture" gets
// a reply body.
type controlEmulator struct {
	stdinR  *os.File
	stdinW  *os.File
	stdoutR *os.File
	stdoutW *os.File

	mu       sync.Mutex
	received []string
	killed   bool
}

func newControlEmulator(t *testing.T) *controlEmulator {
	t.Helper()
	stdinR, stdinW, err := os.Pipe()
	require.NoError(t, err)
	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)

	e := &controlEmulator{
		stdinR: stdinR, stdinW: stdinW,
		stdoutR: stdoutR, stdoutW: stdoutW,
	}
	go e.serve()
	t.Cleanup(e.kill)
	return e
}

func (e *controlEmulator) serve() {
	// Attach handshake.
	fmt.Fprintf(e.stdoutW, "%%begin 1 0 0\n%%end 1 0 0\n")

	scanner := bufio.NewScanner(e.stdinR)
	seq := 1
	for scanner.Scan() {
		line := scanner.Text()
		e.mu.Lock()
		e.received = append(e.received, line)
		e.mu.Unlock()

		seq++
		switch {
		case strings.Contains(line, "hang"):
			// No reply: the command stays in flight.
		case strings.Contains(line, "fail"):
			fmt.Fprintf(e.stdoutW, "%%begin %d 0 0\n%%error %d 0 0 no such session\n", seq, seq)
		case strings.Contains(line, "capture"):
			fmt.Fprintf(e.stdoutW, "%%begin %d 0 0\npane line one\npane line two\n%%end %d 0 0\n", seq, seq)
		default:
			fmt.Fprintf(e.stdoutW, "%%begin %d 0 0\n%%end %d 0 0\n", seq, seq)
		}
	}
}

// emitAsync injects an asynchronous line outside any reply frame.
func (e *controlEmulator) emitAsync(line string) {
	fmt.Fprintln(e.stdoutW, line)
}

func (e *controlEmulator) kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.killed {
		return
	}
	e.killed = true
	e.stdinR.Close()
	e.stdoutW.Close()
}

func (e *controlEmulator) proc() *controlProc {
	return &controlProc{
		stdin:  e.stdinW,
		stdout: e.stdoutR,
		kill:   e.kill,
		wait:   func() error { return nil },
	}
}

func (e *controlEmulator) commandCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.received)
}

func newTestClient(t *testing.T, spawn spawnFunc) *ControlClient {
	t.Helper()
	c := NewControlClient(&Batcher{Bin: "true"}, 10*time.Millisecond)
	c.spawn = spawn
	t.Cleanup(c.Shutdown)
	return c
}

func TestControlClientSendsThroughConnection(t *testing.T) {
	emu := newControlEmulator(t)
	c := newTestClient(t, func() (*controlProc, error) { return emu.proc(), nil })

	_, err := c.Run(context.Background(), []Command{
		{"send-keys", "-t", "work", "-l", "--", "hello"},
		{"send-keys", "-t", "work", "Enter"},
	})
	require.NoError(t, err)
	assert.True(t, c.Connected())
	assert.Equal(t, 2, emu.commandCount())
}

func TestControlClientReturnsReplyBody(t *testing.T) {
	emu := newControlEmulator(t)
	c := newTestClient(t, func() (*controlProc, error) { return emu.proc(), nil })

	res, err := c.Run(context.Background(), []Command{
		{"capture-pane", "-t", "work", "-p"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pane line one\npane line two\n", res.Stdout)
}

func TestControlClientErrorReplySurfacesWithoutRerun(t *testing.T) {
	emu := newControlEmulator(t)
	c := newTestClient(t, func() (*controlProc, error) { return emu.proc(), nil })
	// A fallback run would exit 1 and change the error text; the %error
	// path must never reach it.
	c.batcher = &Batcher{Bin: "false"}

	// First sub-command applies, second draws %error. The already-applied
	// send-keys must not run a second time through the fallback.
	_, err := c.Run(context.Background(), []Command{
		{"send-keys", "-t", "work", "-l", "--", "hello"},
		{"send-keys", "-t", "fail", "Enter"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "no such session")
	assert.True(t, c.Connected())
	assert.Equal(t, 2, emu.commandCount())

	// The connection stays usable for the next batch.
	_, err = c.Run(context.Background(), []Command{{"send-keys", "-t", "work", "Enter"}})
	require.NoError(t, err)
	assert.Equal(t, 3, emu.commandCount())
}

func TestControlClientDisconnectUnblocksInflightSend(t *testing.T) {
	emu := newControlEmulator(t)
	c := newTestClient(t, func() (*controlProc, error) { return emu.proc(), nil })

	// Connection dies while a reply is outstanding. The send must notice
	// right away and fall back, not sit out the full reply timeout.
	go func() {
		time.Sleep(50 * time.Millisecond)
		emu.kill()
	}()

	start := time.Now()
	_, err := c.Run(context.Background(), []Command{{"display-message", "-t", "hang"}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), sendTimeout/2)
	assert.False(t, c.Connected())
}

func TestControlClientSpawnFailureUsesBatcher(t *testing.T) {
	c := newTestClient(t, func() (*controlProc, error) {
		return nil, fmt.Errorf("no tmux server")
	})

	_, err := c.Run(context.Background(), []Command{{"has-session", "-t", "x"}})
	assert.NoError(t, err)
	assert.False(t, c.Connected())
}

func TestControlClientReconnectIsRateLimited(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func() (*controlProc, error) {
		attempts++
		return nil, fmt.Errorf("still down")
	})

	for i := 0; i < 5; i++ {
		_, err := c.Run(context.Background(), []Command{{"has-session"}})
		assert.NoError(t, err)
	}
	// One immediate attempt from the limiter's initial token; the rest of
	// the burst is paced out.
	assert.Equal(t, 1, attempts)

	time.Sleep(15 * time.Millisecond)
	_, err := c.Run(context.Background(), []Command{{"has-session"}})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestControlClientReconnectsAfterDeath(t *testing.T) {
	emu1 := newControlEmulator(t)
	var emu2 *controlEmulator
	spawns := 0
	c := newTestClient(t, func() (*controlProc, error) {
		spawns++
		if spawns == 1 {
			return emu1.proc(), nil
		}
		emu2 = newControlEmulator(t)
		return emu2.proc(), nil
	})

	_, err := c.Run(context.Background(), []Command{{"send-keys", "-t", "w", "Enter"}})
	require.NoError(t, err)
	require.True(t, c.Connected())

	// Kill the first connection and let the drain goroutine notice.
	emu1.kill()
	require.Eventually(t, func() bool { return !c.Connected() },
		time.Second, 5*time.Millisecond)

	// Past the reconnect gap, the next send spawns a fresh connection.
	time.Sleep(15 * time.Millisecond)
	_, err = c.Run(context.Background(), []Command{{"send-keys", "-t", "w", "Enter"}})
	require.NoError(t, err)
	assert.True(t, c.Connected())
	assert.Equal(t, 2, spawns)
	assert.Equal(t, 1, emu2.commandCount())
}

func TestControlClientRecordsAsyncOutput(t *testing.T) {
	emu := newControlEmulator(t)
	c := newTestClient(t, func() (*controlProc, error) { return emu.proc(), nil })

	_, err := c.Run(context.Background(), []Command{{"send-keys", "-t", "w", "Enter"}})
	require.NoError(t, err)

	emu.emitAsync("%output %1 some pane noise")
	emu.emitAsync("%session-changed $1 work")

	require.Eventually(t, func() bool { return len(c.RecentOutput()) == 2 },
		time.Second, 5*time.Millisecond)
	out := c.RecentOutput()
	assert.Equal(t, "%output %1 some pane noise", out[0])
	assert.Equal(t, "%session-changed $1 work", out[1])
}

func TestControlClientRingDropsOldest(t *testing.T) {
	c := NewControlClient(&Batcher{Bin: "true"}, time.Second)
	for i := 0; i < outputRingSize+10; i++ {
		c.recordOutput(fmt.Sprintf("line-%d", i))
	}
	out := c.RecentOutput()
	require.Len(t, out, outputRingSize)
	assert.Equal(t, "line-10", out[0])
	assert.Equal(t, fmt.Sprintf("line-%d", outputRingSize+9), out[len(out)-1])
}

func TestControlClientShutdownThenFallback(t *testing.T) {
	emu := newControlEmulator(t)
	c := newTestClient(t, func() (*controlProc, error) { return emu.proc(), nil })

	_, err := c.Run(context.Background(), []Command{{"send-keys", "-t", "w", "Enter"}})
	require.NoError(t, err)

	c.Shutdown()
	assert.False(t, c.Connected())

	// Post-shutdown sends still work via the batcher.
	_, err = c.Run(context.Background(), []Command{{"has-session"}})
	assert.NoError(t, err)
}
