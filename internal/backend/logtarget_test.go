package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panebridge/internal/watch"
)

func TestProjectSlug(t *testing.T) {
	assert.Equal(t, "-home-user-my-project", ProjectSlug("/home/user/my_project"))
	assert.Equal(t, "-tmp-a-b", ProjectSlug("/tmp/a/b"))
}

func TestSessionRootOverrides(t *testing.T) {
	t.Setenv("PANEBRIDGE_CODEX_SESSION_ROOT", "/mnt/backend/.codex/sessions")
	assert.Equal(t, "/mnt/backend/.codex/sessions", CodexSessionRoot())

	t.Setenv("PANEBRIDGE_GEMINI_ROOT", "/mnt/backend/.gemini/tmp")
	assert.Equal(t, "/mnt/backend/.gemini/tmp", GeminiRoot())
}

func TestSessionRootDefaults(t *testing.T) {
	t.Setenv("PANEBRIDGE_CODEX_SESSION_ROOT", "")
	t.Setenv("PANEBRIDGE_GEMINI_ROOT", "")
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".codex", "sessions"), CodexSessionRoot())
	assert.Equal(t, filepath.Join(home, ".gemini", "tmp"), GeminiRoot())
}

func TestClaudeTaskDir(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PANEBRIDGE_CLAUDE_TASK_ROOT", root)

	workDir := "/home/user/my_project"
	assert.Empty(t, ClaudeTaskDir(workDir))

	tasks := filepath.Join(root, ProjectSlug(workDir), "tasks")
	require.NoError(t, os.MkdirAll(tasks, 0o755))
	assert.Equal(t, tasks, ClaudeTaskDir(workDir))
}

func TestLatestClaudeTaskOutput(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PANEBRIDGE_CLAUDE_TASK_ROOT", root)

	workDir := "/home/user/proj"
	tasks := filepath.Join(root, ProjectSlug(workDir), "tasks")
	require.NoError(t, os.MkdirAll(tasks, 0o755))

	// No outputs yet.
	out, err := LatestClaudeTaskOutput(workDir)
	require.NoError(t, err)
	assert.Empty(t, out)

	older := filepath.Join(tasks, "task1.output")
	newer := filepath.Join(tasks, "task2.output")
	require.NoError(t, os.WriteFile(older, []byte("old result"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("new result"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	out, err = LatestClaudeTaskOutput(workDir)
	require.NoError(t, err)
	assert.Equal(t, "new result", out)
}

func TestLogTargetPerTool(t *testing.T) {
	t.Setenv("PANEBRIDGE_CODEX_SESSION_ROOT", filepath.Join(t.TempDir(), "codex"))
	t.Setenv("PANEBRIDGE_GEMINI_ROOT", filepath.Join(t.TempDir(), "gemini"))
	root := t.TempDir()
	t.Setenv("PANEBRIDGE_CLAUDE_TASK_ROOT", root)

	// No sessions yet: watch the root for the first file to appear.
	codex := LogTarget(ToolCodex, "/work")
	assert.Equal(t, CodexSessionRoot(), codex.Path)
	assert.Equal(t, watch.KindDirectory, codex.Kind)
	assert.True(t, codex.WatchParent)

	gemini := LogTarget(ToolGemini, "/work")
	assert.Equal(t, GeminiRoot(), gemini.Path)

	// Claude target watches the slug dir's parent until the task runner
	// creates it.
	claude := LogTarget(ToolClaude, "/work")
	assert.True(t, claude.WatchParent)
	assert.Equal(t, filepath.Join(root, ProjectSlug("/work")), claude.Path)

	tasks := filepath.Join(root, ProjectSlug("/work"), "tasks")
	require.NoError(t, os.MkdirAll(tasks, 0o755))
	claude = LogTarget(ToolClaude, "/work")
	assert.Equal(t, tasks, claude.Path)
	assert.False(t, claude.WatchParent)

	shell := LogTarget(ToolShell, "/work")
	assert.Equal(t, "/work", shell.Path)
}

func TestLogTargetResolvesActiveSessionFile(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PANEBRIDGE_CODEX_SESSION_ROOT", root)

	// Session logs nest under date subdirectories; the target must be the
	// file itself, since appends never change the root directory's stat.
	day := filepath.Join(root, "2026", "08", "27")
	require.NoError(t, os.MkdirAll(day, 0o755))
	older := filepath.Join(day, "rollout-1.jsonl")
	newer := filepath.Join(day, "rollout-2.jsonl")
	require.NoError(t, os.WriteFile(older, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("{}\n"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	target := LogTarget(ToolCodex, "/work")
	assert.Equal(t, newer, target.Path)
	assert.Equal(t, watch.KindFile, target.Kind)
	assert.True(t, target.WatchParent)
}

func TestLogTargetPollingSeesSessionAppend(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PANEBRIDGE_GEMINI_ROOT", root)

	projDir := filepath.Join(root, "a1b2c3")
	require.NoError(t, os.MkdirAll(projDir, 0o755))
	logFile := filepath.Join(projDir, "logs.json")
	require.NoError(t, os.WriteFile(logFile, []byte("[]"), 0o644))

	target := LogTarget(ToolGemini, "/work")
	require.Equal(t, logFile, target.Path)

	waiter := watch.NewWaiter(target, watch.Options{
		UseFsnotify:     false,
		PollInterval:    10 * time.Millisecond,
		PollMaxInterval: 50 * time.Millisecond,
	})
	defer waiter.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		f.WriteString(`{"event":"turn"}`)
		f.Close()
	}()

	ev := waiter.Wait(context.Background(), 2*time.Second)
	assert.True(t, ev.Changed())
}
