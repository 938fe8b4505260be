// Package workflow implements the WorkflowEngine: topological execution
// of a validated, approved model.Plan against a ToolExecutor, with
// per-step file-snapshot checkpointing, retry, stop-on-error, and
// best-effort rollback.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/agentorch/pkg/model"
	"github.com/kadirpekel/agentorch/pkg/plan"
	"github.com/kadirpekel/agentorch/pkg/toolexec"
)

const maxRetries = 2

var retryBackoff = time.Second

// EngineStatus is the lifecycle state of one WorkflowEngine run.
type EngineStatus string

const (
	StatusPending    EngineStatus = "PENDING"
	StatusRunning    EngineStatus = "RUNNING"
	StatusCompleted  EngineStatus = "COMPLETED"
	StatusFailed     EngineStatus = "FAILED"
	StatusRolledBack EngineStatus = "ROLLED_BACK"
	StatusPaused     EngineStatus = "PAUSED"
)

// ToolExecutor is the narrow slice of pkg/toolexec.Executor the engine
// needs to dispatch a step.
type ToolExecutor interface {
	ExecuteBash(ctx context.Context, command, workingDir string, timeout time.Duration) model.ToolResult
	ExecuteScript(ctx context.Context, path string, args []string, timeout time.Duration) model.ToolResult
	ReadFile(path string) model.ToolResult
	WriteFile(path, content string, overwrite bool) model.ToolResult
	ListFiles(dir, glob string) model.ToolResult
}

// LogEntry is one record of the engine's execution log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	StepID    string    `json:"step_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
}

// ProgressFunc is invoked on every step state transition.
type ProgressFunc func(stepID, status, message string)

// Engine runs one Plan at a time (single-writer model).
type Engine struct {
	executor      ToolExecutor
	checkpointDir string
	onProgress    ProgressFunc

	mu          sync.Mutex
	plan        *model.Plan
	status      EngineStatus
	summary     string
	log         []LogEntry
	checkpoints []*model.Checkpoint
	cancelled   bool
	paused      bool
}

// New constructs an Engine. checkpointDir is where pre-image backups are
// written, one subdirectory per checkpoint.
func New(executor ToolExecutor, checkpointDir string, onProgress ProgressFunc) *Engine {
	if onProgress == nil {
		onProgress = func(string, string, string) {}
	}
	return &Engine{executor: executor, checkpointDir: checkpointDir, onProgress: onProgress, status: StatusPending}
}

// Cancel requests cooperative cancellation; observed at the next
// between-step boundary.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
}

// Pause requests the engine to exit at the next boundary without
// rolling back, so Execute can be re-entered later with the same plan
// to resume from the next PENDING step.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Resume clears a prior Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

// Execute runs p's steps in topological order. Preconditions: p must
// validate and be approved; otherwise Execute returns (false, message)
// without mutating anything.
func (e *Engine) Execute(ctx context.Context, p *model.Plan, autoRollback, stopOnError bool) (bool, string) {
	if valid, errs := plan.Validate(p); !valid {
		return false, fmt.Sprintf("plan validation failed: %v", errs)
	}
	if !p.Approved {
		return false, "plan not approved"
	}

	order, err := plan.TopologicalOrder(p)
	if err != nil {
		return false, err.Error()
	}

	e.mu.Lock()
	e.plan = p
	e.status = StatusRunning
	e.mu.Unlock()

	completed := 0
	failed := false

	for _, step := range order {
		if step.Status == model.StepCompleted {
			continue // resuming a paused run
		}

		e.mu.Lock()
		cancelled, paused := e.cancelled, e.paused
		e.mu.Unlock()

		if paused {
			e.setStatus(StatusPaused)
			return false, "paused"
		}
		if cancelled {
			failed = true
			e.recordTransition(step.StepID, "failed", "cancelled before execution")
			step.Status = model.StepFailed
			step.Error = "cancelled"
			break
		}

		e.recordTransition(step.StepID, "started", step.Description)

		if err := toolexec.ValidateArguments(step.Tool, step.Arguments); err != nil {
			step.Status = model.StepFailed
			step.Error = err.Error()
			e.recordTransition(step.StepID, "failed", step.Error)
			failed = true
			if stopOnError {
				break
			}
			continue
		}

		if needsCheckpoint(step) {
			e.createCheckpoint(step)
		}

		now := time.Now()
		step.StartTime = &now

		result, err := e.runStepWithRetry(ctx, step)
		end := time.Now()
		step.EndTime = &end

		if err == nil && result.Success {
			step.Status = model.StepCompleted
			step.Result = result.Stdout
			completed++
			e.recordTransition(step.StepID, "completed", result.Stdout)
			continue
		}

		step.Status = model.StepFailed
		if err != nil {
			step.Error = err.Error()
		} else {
			step.Error = result.ErrorMessage
		}
		e.recordTransition(step.StepID, "failed", step.Error)
		failed = true

		if stopOnError {
			break
		}
	}

	if failed && stopOnError {
		if autoRollback {
			e.rollbackAll()
			e.setStatus(StatusRolledBack)
			return false, fmt.Sprintf("%d/%d steps completed, rolled back", completed, len(order))
		}
		e.setStatus(StatusFailed)
		return false, fmt.Sprintf("%d/%d steps completed, stopped on error", completed, len(order))
	}
	if failed {
		e.setStatus(StatusFailed)
		return false, fmt.Sprintf("%d/%d steps completed", completed, len(order))
	}

	e.setStatus(StatusCompleted)
	msg := fmt.Sprintf("%d/%d steps in %.1fs", completed, len(order), elapsedSince(order))
	e.mu.Lock()
	e.summary = msg
	e.mu.Unlock()
	return true, msg
}

func elapsedSince(steps []*model.Step) float64 {
	var earliest, latest time.Time
	for _, s := range steps {
		if s.StartTime != nil && (earliest.IsZero() || s.StartTime.Before(earliest)) {
			earliest = *s.StartTime
		}
		if s.EndTime != nil && s.EndTime.After(latest) {
			latest = *s.EndTime
		}
	}
	if earliest.IsZero() || latest.IsZero() {
		return 0
	}
	return latest.Sub(earliest).Seconds()
}

func (e *Engine) runStepWithRetry(ctx context.Context, step *model.Step) (model.ToolResult, error) {
	var result model.ToolResult
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result = e.dispatch(ctx, step)
		if result.Success {
			return result, nil
		}
		if attempt < maxRetries {
			time.Sleep(retryBackoff)
		}
	}
	return result, nil
}

// dispatch decodes step.Arguments (a plain map[string]any, as parsed
// from a plan document) into the typed argument struct each tool
// expects, via mapstructure, then calls the matching ToolExecutor
// method.
func (e *Engine) dispatch(ctx context.Context, step *model.Step) model.ToolResult {
	switch step.Tool {
	case model.ToolExecuteBash:
		var a toolexec.BashArgs
		decodeArgs(step.Arguments, &a)
		return e.executor.ExecuteBash(ctx, a.Command, a.WorkingDir, 0)
	case model.ToolExecuteScript:
		var a toolexec.ScriptArgs
		decodeArgs(step.Arguments, &a)
		return e.executor.ExecuteScript(ctx, a.Path, a.Args, 0)
	case model.ToolReadFile:
		var a toolexec.ReadFileArgs
		decodeArgs(step.Arguments, &a)
		return e.executor.ReadFile(a.Path)
	case model.ToolWriteFile:
		var a toolexec.WriteFileArgs
		decodeArgs(step.Arguments, &a)
		return e.executor.WriteFile(a.Path, a.Content, a.Overwrite)
	case model.ToolListFiles:
		var a toolexec.ListFilesArgs
		decodeArgs(step.Arguments, &a)
		return e.executor.ListFiles(a.Dir, a.Glob)
	default:
		return model.ToolResult{Success: false, ErrorMessage: fmt.Sprintf("unknown tool %q", step.Tool)}
	}
}

// decodeArgs best-effort decodes raw into out; a malformed or
// partially-typed argument map simply leaves out's zero-valued fields,
// which surface back to the operator as the underlying tool call
// rejecting an empty path/command rather than a decode error here.
func decodeArgs(raw map[string]any, out any) {
	_ = mapstructure.Decode(raw, out)
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// needsCheckpoint reports whether step should get a pre-execution
// checkpoint: a write_file_tool onto an existing target, or any
// execute_bash step (which gets a checkpoint for ordering purposes even
// though bash side-effects aren't generally reversible).
func needsCheckpoint(step *model.Step) bool {
	if step.Tool == model.ToolExecuteBash {
		return true
	}
	if step.Tool == model.ToolWriteFile {
		path := stringArg(step.Arguments, "path")
		if path == "" {
			return false
		}
		_, err := os.Stat(path)
		return err == nil
	}
	return false
}

func (e *Engine) createCheckpoint(step *model.Step) {
	cp := &model.Checkpoint{StepID: step.StepID, Timestamp: time.Now(), Snapshot: map[string]string{}}

	if step.Tool == model.ToolWriteFile {
		path := stringArg(step.Arguments, "path")
		if path != "" {
			dir := filepath.Join(e.checkpointDir, fmt.Sprintf("checkpoint_%s_%d", step.StepID, cp.Timestamp.Unix()))
			backup := filepath.Join(dir, filepath.Base(path))
			if err := copyFile(path, backup); err == nil {
				cp.BackupDir = dir
				cp.Snapshot[path] = backup
			}
		}
	}

	e.mu.Lock()
	e.checkpoints = append(e.checkpoints, cp)
	e.mu.Unlock()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// rollbackAll iterates checkpoints in reverse and restores each backup
// onto its original path, best-effort: errors are recorded in the log
// but do not stop the rollback.
func (e *Engine) rollbackAll() {
	e.mu.Lock()
	checkpoints := append([]*model.Checkpoint(nil), e.checkpoints...)
	e.mu.Unlock()

	for i := len(checkpoints) - 1; i >= 0; i-- {
		cp := checkpoints[i]
		for original, backup := range cp.Snapshot {
			if err := copyFile(backup, original); err != nil {
				e.recordTransition(cp.StepID, "rolled_back", fmt.Sprintf("restore %s failed: %v", original, err))
				continue
			}
			e.recordTransition(cp.StepID, "rolled_back", fmt.Sprintf("restored %s", original))
		}
	}
}

func (e *Engine) setStatus(status EngineStatus) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

func (e *Engine) recordTransition(stepID, status, message string) {
	entry := LogEntry{Timestamp: time.Now(), StepID: stepID, Status: status, Message: message}
	e.mu.Lock()
	e.log = append(e.log, entry)
	e.mu.Unlock()
	e.onProgress(stepID, status, message)
}

// Status returns the engine's current lifecycle status.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Log returns a copy of the execution log.
func (e *Engine) Log() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LogEntry(nil), e.log...)
}

// savedState is the JSON shape save_state/load_state persist.
type savedState struct {
	Plan    *model.Plan  `json:"plan"`
	Status  EngineStatus `json:"status"`
	Summary string       `json:"summary"`
	Log     []LogEntry   `json:"log"`
}

// SaveState writes {plan, status, summary, log} as JSON to path.
func (e *Engine) SaveState(path string) error {
	e.mu.Lock()
	state := savedState{Plan: e.plan, Status: e.status, Summary: e.summary, Log: append([]LogEntry(nil), e.log...)}
	e.mu.Unlock()

	body, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal engine state: %w", err)
	}
	return os.WriteFile(path, body, 0644)
}

// LoadState reconstructs an Engine in its saved status. No live
// checkpoints are restored — a loaded engine cannot roll back a run
// from a prior process.
func LoadState(path string, executor ToolExecutor) (*Engine, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine state %s: %w", path, err)
	}
	var state savedState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("decode engine state %s: %w", path, err)
	}

	e := New(executor, "", nil)
	e.plan = state.Plan
	e.status = state.Status
	e.summary = state.Summary
	e.log = state.Log
	return e, nil
}
