package backend

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"panebridge/internal/watch"
)

// CodexSessionRoot returns the directory codex writes session logs under.
// PANEBRIDGE_CODEX_SESSION_ROOT overrides the default ~/.codex/sessions,
// which lets a frontend point at a mounted backend filesystem.
func CodexSessionRoot() string {
	if v := os.Getenv("PANEBRIDGE_CODEX_SESSION_ROOT"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex", "sessions")
}

// GeminiRoot returns the directory gemini keeps per-project temp state in.
// PANEBRIDGE_GEMINI_ROOT overrides the default ~/.gemini/tmp.
func GeminiRoot() string {
	if v := os.Getenv("PANEBRIDGE_GEMINI_ROOT"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gemini", "tmp")
}

// ProjectSlug converts a working directory to the flattened directory name
// claude's task runner uses under its temp root: both path separators and
// underscores become dashes.
func ProjectSlug(workDir string) string {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		abs = workDir
	}
	s := strings.ReplaceAll(abs, string(filepath.Separator), "-")
	return strings.ReplaceAll(s, "_", "-")
}

// claudeTaskRoot is where claude's task runner drops per-project output.
func claudeTaskRoot() string {
	if v := os.Getenv("PANEBRIDGE_CLAUDE_TASK_ROOT"); v != "" {
		return v
	}
	return filepath.Join(os.TempDir(), "claude")
}

// ClaudeTaskDir returns the tasks directory for workDir, or "" when the
// runner has not created one yet.
func ClaudeTaskDir(workDir string) string {
	dir := filepath.Join(claudeTaskRoot(), ProjectSlug(workDir), "tasks")
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	return dir
}

// LatestClaudeTaskOutput reads the newest *.output file for workDir.
// Returns "" when no output exists yet.
func LatestClaudeTaskOutput(workDir string) (string, error) {
	dir := ClaudeTaskDir(workDir)
	if dir == "" {
		return "", nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.output"))
	if err != nil || len(matches) == 0 {
		return "", err
	}
	sort.Slice(matches, func(i, j int) bool {
		fi, errI := os.Stat(matches[i])
		fj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return errI == nil
		}
		return fi.ModTime().After(fj.ModTime())
	})
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// latestFileUnder walks root and returns the most recently modified regular
// file, or "" when the tree is empty or missing.
func latestFileUnder(root string) string {
	var newest string
	var newestMod time.Time
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = path
			newestMod = info.ModTime()
		}
		return nil
	})
	return newest
}

// sessionFileTarget observes the live session file under root. A directory
// stat only changes on entry create/delete, never on appends to a file
// inside, so the active file has to be resolved up front; before the first
// session exists the root itself is watched for it to appear.
func sessionFileTarget(root string) watch.Target {
	if f := latestFileUnder(root); f != "" {
		return watch.Target{Path: f, Kind: watch.KindFile, WatchParent: true}
	}
	return watch.Target{Path: root, Kind: watch.KindDirectory, WatchParent: true}
}

// LogTarget resolves what to observe for activity from a tool working in
// workDir. Codex and gemini append to session files nested under per-tool
// roots that may not exist until the first run.
func LogTarget(tool Tool, workDir string) watch.Target {
	switch tool {
	case ToolCodex:
		return sessionFileTarget(CodexSessionRoot())
	case ToolGemini:
		return sessionFileTarget(GeminiRoot())
	case ToolClaude:
		if dir := ClaudeTaskDir(workDir); dir != "" {
			return watch.Target{Path: dir, Kind: watch.KindDirectory}
		}
		return watch.Target{
			Path:        filepath.Join(claudeTaskRoot(), ProjectSlug(workDir)),
			Kind:        watch.KindDirectory,
			WatchParent: true,
		}
	default:
		return watch.Target{Path: workDir, Kind: watch.KindDirectory}
	}
}
