// Package toolexec implements the ToolExecutor: validated bash, script,
// and file read/write/list primitives behind a path jail and a command
// whitelist/blacklist, the sandboxed tool layer plans execute through.
package toolexec

import (
	"fmt"
	"time"
)

// Policy is the safety configuration a ToolExecutor enforces. It mirrors
// the teacher's CommandToolsConfig/ReadFileConfig/FileWriterConfig split
// collapsed into one struct, since this spec's five tools share a single
// path jail and a single safe-mode switch rather than per-tool configs.
type Policy struct {
	// SafeMode restricts execute_bash to the safe command set and rejects
	// shell metacharacters beyond a narrow pipe allowance.
	SafeMode bool `json:"safe_mode"`

	// AllowedDirectories is the path jail: every file operation's resolved
	// path must equal or lie below one of these directories.
	AllowedDirectories []string `json:"allowed_directories"`

	// MaxFileSizeKB caps both read source size and write content size.
	MaxFileSizeKB int `json:"max_file_size_kb"`

	// DefaultTimeoutSeconds bounds execute_bash when no per-call timeout
	// is given.
	DefaultTimeoutSeconds int `json:"timeout_seconds"`

	// CodeExecutionTimeoutSeconds bounds execute_script when no per-call
	// timeout is given.
	CodeExecutionTimeoutSeconds int `json:"code_execution_timeout_seconds"`

	AllowFileRead  bool `json:"allow_file_read"`
	AllowFileWrite bool `json:"allow_file_write"`
}

// SetDefaults fills unset numeric fields with the spec's documented
// defaults (§5 Timeouts, §6 file_operations).
func (p *Policy) SetDefaults() {
	if p.DefaultTimeoutSeconds == 0 {
		p.DefaultTimeoutSeconds = 60
	}
	if p.CodeExecutionTimeoutSeconds == 0 {
		p.CodeExecutionTimeoutSeconds = 180
	}
	if p.MaxFileSizeKB == 0 {
		p.MaxFileSizeKB = 500
	}
}

// Validate rejects a policy with no admissible directories, since every
// file and script operation would then be unconditionally denied.
func (p *Policy) Validate() error {
	if len(p.AllowedDirectories) == 0 {
		return fmt.Errorf("allowed_directories must contain at least one directory")
	}
	if p.MaxFileSizeKB < 0 {
		return fmt.Errorf("max_file_size_kb must be non-negative")
	}
	return nil
}

func (p *Policy) defaultTimeout() time.Duration {
	return time.Duration(p.DefaultTimeoutSeconds) * time.Second
}

func (p *Policy) scriptTimeout() time.Duration {
	return time.Duration(p.CodeExecutionTimeoutSeconds) * time.Second
}

// dangerousHeads can never be dispatched, safe_mode or not.
var dangerousHeads = map[string]bool{
	"rm": true, "rmdir": true, "dd": true, "mkfs": true, "format": true,
	"fdisk": true, "chmod": true, "chown": true, "sudo": true, "su": true,
	"kill": true, "killall": true, "reboot": true, "shutdown": true,
	"halt": true, "systemctl": true, "service": true,
}

// safeHeads is the whitelist enforced when SafeMode is true.
var safeHeads = map[string]bool{
	"ls": true, "cat": true, "pwd": true, "echo": true, "grep": true,
	"find": true, "wc": true, "head": true, "tail": true, "mkdir": true,
	"touch": true, "cp": true, "mv": true, "python": true, "python3": true,
	"pip": true, "git": true, "node": true, "npm": true, "pytest": true,
	"test": true, "diff": true, "sort": true, "uniq": true, "sed": true,
	"awk": true,
}

// pipeSafeWords is the weak heuristic from the spec's Open Questions: a
// pipe's right-hand side passes only if it mentions one of these. This is
// documented, per the spec, as a weak filter rather than a security
// boundary - a determined caller can still trick it.
var pipeSafeWords = []string{"grep", "wc", "sort", "head", "tail"}
