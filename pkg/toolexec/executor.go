package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/kadirpekel/agentorch/pkg/model"
)

// Executor is the ToolExecutor: it enforces Policy around shell execution
// and filesystem primitives, and never lets a failure escape as a Go
// error - every outcome, success or not, is reported in-band as a
// model.ToolResult (spec §7's propagation policy).
type Executor struct {
	policy  *Policy
	limiter *rate.Limiter
}

// New constructs an Executor. burst/perSecond rate-limit execute_bash and
// execute_script so a runaway plan cannot fork-bomb the host; a request
// that would block past its timeout fails fast with a Timeout-class
// error instead of waiting indefinitely for a token.
func New(policy *Policy, perSecond float64, burst int) *Executor {
	if burst <= 0 {
		burst = 1
	}
	return &Executor{
		policy:  policy,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// ExecuteBash runs command through "sh -c", subject to the command policy
// and rate limiter.
func (e *Executor) ExecuteBash(ctx context.Context, command, workingDir string, timeout time.Duration) model.ToolResult {
	start := time.Now()

	head, err := e.validateCommand(command)
	if err != nil {
		return policyFailure(err, start)
	}
	_ = head

	if workingDir == "" {
		workingDir = e.policy.AllowedDirectories[0]
	}
	if !e.isPathAllowed(workingDir) {
		return policyFailure(fmt.Errorf("working directory is outside the allowed directories"), start)
	}

	if timeout <= 0 {
		timeout = e.policy.defaultTimeout()
	}

	if err := e.waitForRateLimit(ctx, timeout); err != nil {
		return model.ToolResult{Success: false, ErrorMessage: "command timed out waiting for rate limit", ExecutionTimeSeconds: time.Since(start).Seconds()}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	elapsed := time.Since(start).Seconds()

	if runCtx.Err() == context.DeadlineExceeded {
		return model.ToolResult{
			Success:              false,
			Stdout:               sanitizeUTF8(stdout.String()),
			Stderr:               sanitizeUTF8(stderr.String()),
			ErrorMessage:         fmt.Sprintf("command timed out after %s", timeout),
			ExecutionTimeSeconds: elapsed,
		}
	}

	result := model.ToolResult{
		Success:              runErr == nil,
		Stdout:               sanitizeUTF8(stdout.String()),
		Stderr:               sanitizeUTF8(stderr.String()),
		ExecutionTimeSeconds: elapsed,
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ReturnCode = exitErr.ExitCode()
		result.ErrorMessage = runErr.Error()
	} else if runErr != nil {
		result.ErrorMessage = runErr.Error()
	}
	return result
}

// ExecuteScript runs an executable script file located under an allowed
// directory, subject to the same rate limiter as ExecuteBash.
func (e *Executor) ExecuteScript(ctx context.Context, path string, args []string, timeout time.Duration) model.ToolResult {
	start := time.Now()

	resolved, err := e.resolveAndCheck(path)
	if err != nil {
		return policyFailure(err, start)
	}

	if timeout <= 0 {
		timeout = e.policy.scriptTimeout()
	}
	if err := e.waitForRateLimit(ctx, timeout); err != nil {
		return model.ToolResult{Success: false, ErrorMessage: "script timed out waiting for rate limit", ExecutionTimeSeconds: time.Since(start).Seconds()}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, resolved, args...)
	cmd.Dir = filepath.Dir(resolved)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	elapsed := time.Since(start).Seconds()
	if runCtx.Err() == context.DeadlineExceeded {
		return model.ToolResult{
			Success:              false,
			Stdout:               sanitizeUTF8(stdout.String()),
			Stderr:               sanitizeUTF8(stderr.String()),
			ErrorMessage:         fmt.Sprintf("script timed out after %s", timeout),
			ExecutionTimeSeconds: elapsed,
		}
	}

	result := model.ToolResult{
		Success:              runErr == nil,
		Stdout:               sanitizeUTF8(stdout.String()),
		Stderr:               sanitizeUTF8(stderr.String()),
		ExecutionTimeSeconds: elapsed,
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ReturnCode = exitErr.ExitCode()
		result.ErrorMessage = runErr.Error()
	} else if runErr != nil {
		result.ErrorMessage = runErr.Error()
	}
	return result
}

// ReadFile returns the file's contents in Stdout.
func (e *Executor) ReadFile(path string) model.ToolResult {
	start := time.Now()

	if !e.policy.AllowFileRead {
		return policyFailure(fmt.Errorf("file reads are disabled"), start)
	}

	resolved, err := e.resolveAndCheck(path)
	if err != nil {
		return policyFailure(err, start)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return policyFailure(fmt.Errorf("stat %s: %w", path, err), start)
	}
	if info.Size() > int64(e.policy.MaxFileSizeKB)*1024 {
		return policyFailure(fmt.Errorf("file too large: %d bytes exceeds max_file_size_kb=%d", info.Size(), e.policy.MaxFileSizeKB), start)
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return policyFailure(fmt.Errorf("read %s: %w", path, err), start)
	}

	return model.ToolResult{
		Success:              true,
		Stdout:               sanitizeUTF8(string(content)),
		ExecutionTimeSeconds: time.Since(start).Seconds(),
	}
}

// WriteFile creates or overwrites a file, creating missing parent
// directories within the jail.
func (e *Executor) WriteFile(path, content string, overwrite bool) model.ToolResult {
	start := time.Now()

	if !e.policy.AllowFileWrite {
		return policyFailure(fmt.Errorf("file writes are disabled"), start)
	}

	resolved, err := e.resolveAndCheck(path)
	if err != nil {
		return policyFailure(err, start)
	}

	if len(content)/1024 > e.policy.MaxFileSizeKB {
		return policyFailure(fmt.Errorf("content too large: exceeds max_file_size_kb=%d", e.policy.MaxFileSizeKB), start)
	}

	if _, err := os.Stat(resolved); err == nil && !overwrite {
		return policyFailure(fmt.Errorf("file exists and overwrite=false: %s", path), start)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return policyFailure(fmt.Errorf("create parent directories for %s: %w", path, err), start)
	}

	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return policyFailure(fmt.Errorf("write %s: %w", path, err), start)
	}

	return model.ToolResult{
		Success:              true,
		Stdout:               fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		ExecutionTimeSeconds: time.Since(start).Seconds(),
	}
}

// listedEntry is one entry of the list_files result, serialized as JSON
// into the ToolResult's Stdout field.
type listedEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// ListFiles lists dir's immediate entries matching glob, serialized as
// JSON in Stdout.
func (e *Executor) ListFiles(dir, glob string) model.ToolResult {
	start := time.Now()

	resolved, err := e.resolveAndCheck(dir)
	if err != nil {
		return policyFailure(err, start)
	}

	if glob == "" {
		glob = "*"
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return policyFailure(fmt.Errorf("list %s: %w", dir, err), start)
	}

	var matched []listedEntry
	for _, de := range entries {
		ok, err := filepath.Match(glob, de.Name())
		if err != nil {
			return policyFailure(fmt.Errorf("invalid glob %q: %w", glob, err), start)
		}
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		matched = append(matched, listedEntry{Name: de.Name(), IsDir: de.IsDir(), Size: info.Size()})
	}

	body, err := json.Marshal(matched)
	if err != nil {
		return policyFailure(fmt.Errorf("marshal listing: %w", err), start)
	}

	return model.ToolResult{
		Success:              true,
		Stdout:               string(body),
		ExecutionTimeSeconds: time.Since(start).Seconds(),
	}
}

// --- safety policy helpers ---

// validateCommand tokenizes command, rejects it if empty, if its head is
// in the dangerous set, or (in safe mode) if its head is outside the safe
// set or it contains disallowed shell metacharacters. It returns the head
// for callers that want it.
func (e *Executor) validateCommand(command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("blocked: empty command")
	}
	head := filepath.Base(fields[0])

	if dangerousHeads[head] {
		return "", fmt.Errorf("blocked: command %q is in the dangerous set", head)
	}

	if !e.policy.SafeMode {
		return head, nil
	}

	if !safeHeads[head] {
		return "", fmt.Errorf("blocked: command %q is not in the safe-mode allowed set", head)
	}

	for _, meta := range []string{";", "&&", "||", ">>", ">", "<"} {
		if strings.Contains(command, meta) {
			return "", fmt.Errorf("blocked: safe mode disallows %q", meta)
		}
	}

	if !pipeAllowed(command) {
		return "", fmt.Errorf("blocked: safe mode disallows this pipe")
	}

	return head, nil
}

// pipeAllowed implements the spec's weak pipe heuristic verbatim: a
// command with no unbalanced pipe is fine; one with a pipe passes only if
// the right-hand side mentions a safe word. This is a heuristic filter,
// not a security boundary - it can be fooled by e.g. quoting.
func pipeAllowed(command string) bool {
	segments := strings.Split(command, "|")
	if len(segments) == 1 {
		return true
	}
	rhs := strings.Join(segments[1:], "|")
	for _, word := range pipeSafeWords {
		if strings.Contains(rhs, word) {
			return true
		}
	}
	return false
}

// resolveAndCheck resolves path against the working directory and
// verifies it lies within the jail, returning the resolved absolute path.
func (e *Executor) resolveAndCheck(path string) (string, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	if !e.isPathAllowed(resolved) {
		return "", fmt.Errorf("path %q is outside the allowed directories", path)
	}
	return resolved, nil
}

// isPathAllowed reports whether resolved equals or lies below one of the
// policy's allowed directories. resolved must already be absolute/cleaned.
func (e *Executor) isPathAllowed(resolved string) bool {
	for _, dir := range e.policy.AllowedDirectories {
		absDir, err := resolvePath(dir)
		if err != nil {
			continue
		}
		if resolved == absDir || strings.HasPrefix(resolved, absDir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolvePath expands "~", joins relative paths against the current
// working directory, and resolves symlinks where the target exists.
// Non-existent intermediate components are resolved against the current
// working directory before the jail check, per the spec's path jail rule.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = filepath.Join(cwd, path)
	}
	path = filepath.Clean(path)

	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	}
	// Target (or an ancestor) doesn't exist yet, e.g. a write_file
	// destination: fall back to the cleaned absolute path.
	return path, nil
}

func policyFailure(err error, start time.Time) model.ToolResult {
	return model.ToolResult{
		Success:              false,
		ErrorMessage:         err.Error(),
		ExecutionTimeSeconds: time.Since(start).Seconds(),
	}
}

// waitForRateLimit blocks for at most timeout waiting for a rate-limit
// token, so a caller never waits past its own budget for one.
func (e *Executor) waitForRateLimit(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.limiter.Wait(waitCtx)
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the replacement
// character rather than raising a decode error, per the spec's "all text
// I/O is UTF-8; decode errors on read are replaced with a sentinel"
// requirement.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
