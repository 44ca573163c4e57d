// Package backend describes the AI assistant tools panebridge can drive
// inside tmux panes: what each tool can do, where it writes logs, and how
// it reacts to injected text.
package backend

import "strings"

// Tool identifies a supported backend program.
type Tool string

const (
	ToolClaude Tool = "claude"
	ToolCodex  Tool = "codex"
	ToolGemini Tool = "gemini"
	ToolShell  Tool = "shell"
)

// Capability describes how a tool accepts input and whether it can follow
// a file pointer instead of inline text.
type Capability struct {
	Tool Tool

	// ReadsLocalFiles is true when the tool can open an absolute path
	// named in a prompt. Tools without it never get mailbox pointers.
	ReadsLocalFiles bool

	// MaxInlineLen is the longest single-line payload safe to inject
	// via send-keys. Zero means use the transport default.
	MaxInlineLen int

	// ForcePaste makes every payload go through a tmux paste buffer.
	// Gemini's readline re-interprets fast keystroke bursts.
	ForcePaste bool
}

var capabilities = map[Tool]Capability{
	ToolClaude: {Tool: ToolClaude, ReadsLocalFiles: true, MaxInlineLen: 200},
	ToolCodex:  {Tool: ToolCodex, ReadsLocalFiles: true, MaxInlineLen: 200},
	ToolGemini: {Tool: ToolGemini, ReadsLocalFiles: true, ForcePaste: true},
	ToolShell:  {Tool: ToolShell, ReadsLocalFiles: false, MaxInlineLen: 200},
}

// CapabilityFor returns the capability descriptor for a tool. Unknown tools
// get the shell profile: inline only, no file pointers.
func CapabilityFor(tool Tool) Capability {
	if c, ok := capabilities[tool]; ok {
		return c
	}
	return capabilities[ToolShell]
}

// DetectTool guesses which backend a pane command line runs.
func DetectTool(command string) Tool {
	fields := strings.Fields(command)
	for _, f := range fields {
		base := f
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[i+1:]
		}
		switch {
		case strings.HasPrefix(base, "claude"):
			return ToolClaude
		case strings.HasPrefix(base, "codex"):
			return ToolCodex
		case strings.HasPrefix(base, "gemini"):
			return ToolGemini
		}
	}
	return ToolShell
}

// cannotReadNeedles are phrases backends emit when a pointer prompt named a
// file they could not open. Checked case-insensitively.
var cannotReadNeedles = []string{
	"cannot access",
	"can't access",
	"can not access",
	"cannot read",
	"can't read",
	"can not read",
	"cannot open",
	"can't open",
	"file not found",
	"no such file",
	"does not exist",
	"permission denied",
	"无法读取",
	"不能读取",
	"无法访问",
	"不能访问",
	"找不到文件",
	"文件不存在",
	"权限不足",
}

// LooksLikeCannotReadFile reports whether a backend reply indicates it
// failed to open a file it was pointed at. Used to fall back to direct
// injection for the retry.
func LooksLikeCannotReadFile(reply string) bool {
	if reply == "" {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(reply))
	for _, n := range cannotReadNeedles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
