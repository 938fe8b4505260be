package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentorch/pkg/model"
)

type fakeExecutor struct {
	bashResults map[string]model.ToolResult
	writes      []struct{ path, content string }
}

func (f *fakeExecutor) ExecuteBash(ctx context.Context, command, workingDir string, timeout time.Duration) model.ToolResult {
	if r, ok := f.bashResults[command]; ok {
		return r
	}
	return model.ToolResult{Success: true, Stdout: "ok"}
}

func (f *fakeExecutor) ExecuteScript(ctx context.Context, path string, args []string, timeout time.Duration) model.ToolResult {
	return model.ToolResult{Success: true, Stdout: "script ok"}
}

func (f *fakeExecutor) ReadFile(path string) model.ToolResult {
	body, err := os.ReadFile(path)
	if err != nil {
		return model.ToolResult{Success: false, ErrorMessage: err.Error()}
	}
	return model.ToolResult{Success: true, Stdout: string(body)}
}

func (f *fakeExecutor) WriteFile(path, content string, overwrite bool) model.ToolResult {
	f.writes = append(f.writes, struct{ path, content string }{path, content})
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return model.ToolResult{Success: false, ErrorMessage: err.Error()}
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return model.ToolResult{Success: false, ErrorMessage: err.Error()}
	}
	return model.ToolResult{Success: true}
}

func (f *fakeExecutor) ListFiles(dir, glob string) model.ToolResult {
	return model.ToolResult{Success: true, Stdout: dir}
}

func approvedPlan(steps ...*model.Step) *model.Plan {
	return &model.Plan{PlanID: "p1", Name: "test", Steps: steps, Approved: true, CreatedAt: time.Now()}
}

func writeStep(id, path, content string, deps ...string) *model.Step {
	return &model.Step{
		StepID: id, Description: "write " + path, AgentID: model.RoleMain,
		Tool:         model.ToolWriteFile,
		Arguments:    map[string]any{"path": path, "content": content, "overwrite": true},
		Dependencies: deps, Status: model.StepPending,
	}
}

func TestExecute_RejectsUnapprovedPlan(t *testing.T) {
	p := approvedPlan(writeStep("s1", "/tmp/out.txt", "hi"))
	p.Approved = false

	e := New(&fakeExecutor{}, t.TempDir(), nil)
	ok, msg := e.Execute(context.Background(), p, false, true)
	require.False(t, ok)
	require.Contains(t, msg, "not approved")
}

func TestExecute_RejectsInvalidPlan(t *testing.T) {
	step := writeStep("s1", "/tmp/out.txt", "hi", "missing-dep")
	p := approvedPlan(step)

	e := New(&fakeExecutor{}, t.TempDir(), nil)
	ok, msg := e.Execute(context.Background(), p, false, true)
	require.False(t, ok)
	require.Contains(t, msg, "validation failed")
}

func TestExecute_RunsStepsInOrderAndMarksCompleted(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")

	s1 := writeStep("s1", a, "first")
	s2 := writeStep("s2", b, "second", "s1")
	p := approvedPlan(s2, s1) // deliberately listed out of dependency order

	var progress []string
	e := New(&fakeExecutor{}, t.TempDir(), func(stepID, status, message string) {
		progress = append(progress, stepID+":"+status)
	})

	ok, msg := e.Execute(context.Background(), p, false, true)
	require.True(t, ok, msg)
	require.Equal(t, model.StepCompleted, s1.Status)
	require.Equal(t, model.StepCompleted, s2.Status)
	require.Contains(t, progress, "s1:completed")
	require.Contains(t, progress, "s2:completed")

	idxS1 := indexOfProgress(progress, "s1:started")
	idxS2 := indexOfProgress(progress, "s2:started")
	require.True(t, idxS1 < idxS2, "s1 must start before s2 since s2 depends on s1")
}

func indexOfProgress(entries []string, target string) int {
	for i, e := range entries {
		if e == target {
			return i
		}
	}
	return -1
}

func TestExecute_StopOnErrorHaltsRemainingSteps(t *testing.T) {
	dir := t.TempDir()
	failing := &model.Step{
		StepID: "s1", Description: "fail", AgentID: model.RoleMain,
		Tool: model.ToolExecuteBash, Arguments: map[string]any{"command": "boom"},
		Status: model.StepPending,
	}
	ok2 := writeStep("s2", filepath.Join(dir, "out.txt"), "never written", "s1")
	p := approvedPlan(failing, ok2)

	exec := &fakeExecutor{bashResults: map[string]model.ToolResult{
		"boom": {Success: false, ErrorMessage: "boom failed"},
	}}
	e := New(exec, t.TempDir(), nil)

	ok, msg := e.Execute(context.Background(), p, false, true)
	require.False(t, ok)
	require.Contains(t, msg, "stopped on error")
	require.Equal(t, model.StepFailed, failing.Status)
	require.Equal(t, model.StepPending, ok2.Status)
	require.NoFileExists(t, filepath.Join(dir, "out.txt"))
}

func TestExecute_AutoRollbackRestoresOverwrittenFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "existing.txt")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))

	overwrite := writeStep("s1", target, "overwritten")
	failing := &model.Step{
		StepID: "s2", Description: "fail", AgentID: model.RoleMain,
		Tool: model.ToolExecuteBash, Arguments: map[string]any{"command": "boom"},
		Dependencies: []string{"s1"}, Status: model.StepPending,
	}
	p := approvedPlan(overwrite, failing)

	exec := &fakeExecutor{bashResults: map[string]model.ToolResult{
		"boom": {Success: false, ErrorMessage: "boom failed"},
	}}
	e := New(exec, t.TempDir(), nil)

	ok, _ := e.Execute(context.Background(), p, true, true)
	require.False(t, ok)
	require.Equal(t, StatusRolledBack, e.Status())

	body, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "original", string(body))
}

func TestExecute_RetriesBeforeGivingUp(t *testing.T) {
	retryBackoff = time.Millisecond // speed up test
	defer func() { retryBackoff = time.Second }()

	attempts := 0
	step := &model.Step{
		StepID: "s1", Description: "flaky", AgentID: model.RoleMain,
		Tool: model.ToolExecuteBash, Arguments: map[string]any{"command": "flaky"},
		Status: model.StepPending,
	}
	p := approvedPlan(step)

	exec := &countingExecutor{onBash: func() model.ToolResult {
		attempts++
		return model.ToolResult{Success: false, ErrorMessage: "still failing"}
	}}
	e := New(exec, t.TempDir(), nil)

	ok, _ := e.Execute(context.Background(), p, false, true)
	require.False(t, ok)
	require.Equal(t, maxRetries+1, attempts)
}

type countingExecutor struct {
	fakeExecutor
	onBash func() model.ToolResult
}

func (c *countingExecutor) ExecuteBash(ctx context.Context, command, workingDir string, timeout time.Duration) model.ToolResult {
	return c.onBash()
}

func TestExecute_PauseStopsWithoutRollback(t *testing.T) {
	dir := t.TempDir()
	s1 := writeStep("s1", filepath.Join(dir, "a.txt"), "hi")
	s2 := writeStep("s2", filepath.Join(dir, "b.txt"), "bye", "s1")
	p := approvedPlan(s1, s2)

	e := New(&fakeExecutor{}, t.TempDir(), nil)
	e.Pause()

	ok, msg := e.Execute(context.Background(), p, false, true)
	require.False(t, ok)
	require.Equal(t, "paused", msg)
	require.Equal(t, StatusPaused, e.Status())
}

func TestSaveStateAndLoadState_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	s1 := writeStep("s1", filepath.Join(dir, "a.txt"), "hi")
	p := approvedPlan(s1)

	e := New(&fakeExecutor{}, t.TempDir(), nil)
	ok, _ := e.Execute(context.Background(), p, false, true)
	require.True(t, ok)

	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, e.SaveState(statePath))

	loaded, err := LoadState(statePath, &fakeExecutor{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, loaded.Status())
	require.Len(t, loaded.Log(), len(e.Log()))
}
