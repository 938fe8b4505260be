// Package orchestrator implements the Orchestrator: it owns the
// ToolExecutor, AgentRegistry, OutputMultiplexer and WorkflowEngine for
// one process, initializes the main agent from configuration, and drives
// the operator command loop (spawn/stop/approve/reject/plan dispatch).
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/agentorch/pkg/config"
	"github.com/kadirpekel/agentorch/pkg/llmclient"
	"github.com/kadirpekel/agentorch/pkg/model"
	"github.com/kadirpekel/agentorch/pkg/multiplexer"
	"github.com/kadirpekel/agentorch/pkg/plan"
	"github.com/kadirpekel/agentorch/pkg/registry"
	"github.com/kadirpekel/agentorch/pkg/session"
	"github.com/kadirpekel/agentorch/pkg/toolexec"
	"github.com/kadirpekel/agentorch/pkg/workflow"
)

// ErrExit is returned by Dispatch when the operator typed "exit".
var ErrExit = fmt.Errorf("exit requested")

// ConfirmFunc asks the operator a y/n question and reports the answer.
// Used for auto-spawn confirmation when require_confirmation is set.
type ConfirmFunc func(prompt string) bool

// PromptFunc asks the operator a free-text question and reports the
// answer, with ok false if no answer arrived (e.g. stdin closed). Used
// by the modify command to collect a plan revision request.
type PromptFunc func(prompt string) (string, bool)

// clientFactory builds a StreamingClient for one profile. Exposed as a
// field (rather than hardcoded to llmclient.New) so tests can substitute
// a fake client.
type clientFactory func(profile config.Profile) llmclient.StreamingClient

// Orchestrator is the glue component: main-agent lifecycle, sub-agent
// spawning, plan approval, and workflow dispatch, all funneled through a
// single OutputMultiplexer.
type Orchestrator struct {
	cfg           *config.Config
	executor      *toolexec.Executor
	registry      *registry.Registry
	mux           *multiplexer.Multiplexer
	newClient     clientFactory
	checkpointDir string

	mu            sync.Mutex
	sessions      map[string]*session.Session
	mainAgentID   string
	pendingPlans  map[string]*model.Plan
	planOwners    map[string]string
	cancelFuncs   map[string]context.CancelFunc
	wg            sync.WaitGroup
	streamDisplay bool
	thinkingShown bool
	autoSpawn     bool
	engine        *workflow.Engine
	engineCancel  context.CancelFunc
	turnSem       *semaphore.Weighted
}

// maxConcurrentTurns bounds how many agent turns (main agent plus
// spawned sub-agents) may run simultaneously, so an auto-spawn storm
// can't flood the configured LLM endpoint with unbounded concurrent
// requests.
const maxConcurrentTurns = 8

// New constructs an Orchestrator and registers its main agent from
// cfg.MultiAgentSettings.DefaultMainProfile.
func New(cfg *config.Config, mux *multiplexer.Multiplexer, checkpointDir string) (*Orchestrator, error) {
	policy := cfg.ToolExecPolicy()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("tool executor policy: %w", err)
	}

	o := &Orchestrator{
		cfg:           cfg,
		executor:      toolexec.New(policy, 2, 4),
		registry:      registry.New(nil),
		mux:           mux,
		checkpointDir: checkpointDir,
		sessions:      make(map[string]*session.Session),
		pendingPlans:  make(map[string]*model.Plan),
		planOwners:    make(map[string]string),
		cancelFuncs:   make(map[string]context.CancelFunc),
		streamDisplay: true,
		thinkingShown: true,
		autoSpawn:     cfg.SpawningRules.AutoSpawnOnKeywords,
		turnSem:       semaphore.NewWeighted(maxConcurrentTurns),
		newClient: func(profile config.Profile) llmclient.StreamingClient {
			return llmclient.New(profile.URL, profile.APIKey, 2, 4)
		},
	}
	o.engine = workflow.New(o.executor, checkpointDir, o.workflowProgress)

	if err := o.initMainAgent(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) initMainAgent() error {
	name := o.cfg.MultiAgentSettings.DefaultMainProfile
	profile, ok := o.cfg.AgentProfiles[name]
	if !ok {
		return fmt.Errorf("default main profile %q not found in agent_profiles", name)
	}

	agentID, err := o.registry.RegisterWithProfile(model.RoleMain, profile.Model, profile.Provider, "", "operator session", true)
	if err != nil {
		return fmt.Errorf("register main agent: %w", err)
	}

	o.mux.Register(agentID, model.RoleMain)
	o.sessions[agentID] = session.New(session.Config{
		AgentID:      agentID,
		Model:        profile.Model,
		Temperature:  profile.Temperature,
		MaxTokens:    profile.MaxTokens,
		SystemPrompt: systemPromptFor(profile),
	}, o.newClient(profile), o.mux)
	o.mainAgentID = agentID
	return nil
}

func systemPromptFor(profile config.Profile) string {
	// SystemPromptFile resolution (reading the file from disk) is the
	// caller's responsibility via config.Profile.SystemPromptFile; by the
	// time a profile reaches the Orchestrator, cmd/agentorch has already
	// read that file once into SystemPrompt at startup.
	return profile.SystemPrompt
}

// MainAgentID returns the registered id of the main agent.
func (o *Orchestrator) MainAgentID() string {
	return o.mainAgentID
}

// resolveProfile picks the profile name for a sub-agent spawn: an
// explicit override, else "<role>_agent", else the configured
// default_sub_agent_profile.
func (o *Orchestrator) resolveProfile(role model.Role, override string) (string, config.Profile, error) {
	candidates := []string{override, string(role) + "_agent", o.cfg.MultiAgentSettings.DefaultSubAgentProfile}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		if p, ok := o.cfg.AgentProfiles[name]; ok {
			return name, p, nil
		}
	}
	return "", config.Profile{}, fmt.Errorf("no agent profile resolved for role %q", role)
}

// SpawnSubAgent registers and builds a StreamingSession for role,
// parented to the main agent, and returns its agent id.
func (o *Orchestrator) SpawnSubAgent(role model.Role, task, profileOverride string) (string, error) {
	if !model.IsValidRole(role) {
		return "", fmt.Errorf("invalid role %q", role)
	}
	_, profile, err := o.resolveProfile(role, profileOverride)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	agentID, err := o.registry.RegisterWithProfile(role, profile.Model, profile.Provider, o.mainAgentID, task, false)
	if err != nil {
		return "", fmt.Errorf("register sub-agent: %w", err)
	}
	o.mux.Register(agentID, role)
	o.sessions[agentID] = session.New(session.Config{
		AgentID:      agentID,
		Model:        profile.Model,
		Temperature:  profile.Temperature,
		MaxTokens:    profile.MaxTokens,
		SystemPrompt: systemPromptFor(profile),
	}, o.newClient(profile), o.mux)
	return agentID, nil
}

// Dispatch interprets one line of operator input. It returns a reply
// string to display (for commands that have an immediate answer) and
// ErrExit when the operator asked to quit. Turn dispatch to an agent
// (plain lines, "@agent ..." lines) starts asynchronously and its output
// streams through the OutputMultiplexer rather than through the
// returned reply.
func (o *Orchestrator) Dispatch(ctx context.Context, line string, confirm ConfirmFunc, promptText PromptFunc) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}

	if strings.HasPrefix(line, "@") {
		return o.dispatchToMentioned(ctx, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "exit":
		return "", ErrExit
	case "help":
		return helpText, nil
	case "agents":
		return o.formatAgents(), nil
	case "stats":
		return o.formatStats(), nil
	case "config":
		return o.formatConfig(), nil
	case "stream":
		o.streamDisplay = !o.streamDisplay
		return fmt.Sprintf("stream display: %v", o.streamDisplay), nil
	case "thinking":
		o.thinkingShown = !o.thinkingShown
		o.mux.SetShowThinking(o.thinkingShown)
		return fmt.Sprintf("thinking display: %v", o.thinkingShown), nil
	case "auto_spawn":
		o.autoSpawn = !o.autoSpawn
		return fmt.Sprintf("auto_spawn: %v", o.autoSpawn), nil
	case "reset":
		return o.resetMainAgent()
	case "stop":
		if len(fields) < 2 {
			return "usage: stop <agent_id>", nil
		}
		return o.stopAgent(fields[1])
	case "stop_all":
		return o.stopAll(), nil
	case "spawn":
		return o.handleSpawnCommand(fields)
	case "plans":
		return o.formatPendingPlans(), nil
	case "plan":
		if len(fields) < 2 {
			return "usage: plan <plan_id>", nil
		}
		return o.viewPlan(fields[1])
	case "approve":
		if len(fields) < 2 {
			return "usage: approve <plan_id>", nil
		}
		return o.approvePlan(ctx, fields[1])
	case "reject":
		if len(fields) < 2 {
			return "usage: reject <plan_id>", nil
		}
		return o.rejectPlan(fields[1])
	case "modify":
		if len(fields) < 2 {
			return "usage: modify <plan_id>", nil
		}
		return o.modifyPlan(ctx, fields[1], promptText)
	case "cancel_workflow":
		o.engine.Cancel()
		return "workflow cancellation requested", nil
	default:
		o.dispatchToAgent(ctx, o.mainAgentID, line)
		o.maybeAutoSpawn(ctx, line, confirm)
		return "", nil
	}
}

const helpText = `commands: spawn <role> <task>, agents, stop <id>, stop_all, stats, config,
stream, thinking, reset, auto_spawn, plans, approve <plan_id>, reject <plan_id>,
modify <plan_id>, plan <plan_id>, cancel_workflow, help, exit. Prefix a line
with @<agent_id> to message a sub-agent directly; any other line goes to the
main agent.`

func (o *Orchestrator) dispatchToMentioned(ctx context.Context, line string) (string, error) {
	rest := strings.TrimPrefix(line, "@")
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) < 2 {
		return "usage: @<agent_id> <message>", nil
	}
	agentID, message := parts[0], parts[1]

	o.mu.Lock()
	_, ok := o.sessions[agentID]
	o.mu.Unlock()
	if !ok {
		return fmt.Sprintf("unknown agent %q", agentID), nil
	}
	o.dispatchToAgent(ctx, agentID, message)
	return "", nil
}

func (o *Orchestrator) handleSpawnCommand(fields []string) (string, error) {
	if len(fields) < 3 {
		return "usage: spawn <role> <task...>", nil
	}
	role := model.Role(fields[1])
	task := strings.Join(fields[2:], " ")
	agentID, err := o.SpawnSubAgent(role, task, "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("spawned %s as %s", role, agentID), nil
}

// dispatchToAgent runs one turn for agentID asynchronously, tracking it
// in runningTasks (cancelFuncs) so stop/stop_all can cancel it.
func (o *Orchestrator) dispatchToAgent(parent context.Context, agentID, message string) {
	o.mu.Lock()
	s, ok := o.sessions[agentID]
	if !ok {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	o.cancelFuncs[agentID] = cancel
	o.mu.Unlock()

	_ = o.registry.SetStatus(agentID, model.StatusWorking)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer func() {
			o.mu.Lock()
			delete(o.cancelFuncs, agentID)
			o.mu.Unlock()
		}()

		if err := o.turnSem.Acquire(ctx, 1); err != nil {
			_ = o.registry.SetStatus(agentID, model.StatusError)
			return
		}
		defer o.turnSem.Release(1)

		result, err := s.RunTurn(ctx, o.registry, message)
		if err != nil {
			_ = o.registry.SetStatus(agentID, model.StatusError)
			return
		}
		_ = o.registry.SetStatus(agentID, model.StatusIdle)
		o.handleTurnResult(agentID, result)
	}()
}

// handleTurnResult stores a workflow plan for approval, or — in legacy
// mode — dispatches any [FILE_*] operation blocks immediately.
func (o *Orchestrator) handleTurnResult(agentID string, result session.TurnResult) {
	if result.Plan != nil {
		o.mu.Lock()
		o.pendingPlans[result.Plan.PlanID] = result.Plan
		o.planOwners[result.Plan.PlanID] = agentID
		o.mu.Unlock()
		o.mux.Write(agentID, fmt.Sprintf("plan %s (%q) awaiting approval: %d steps",
			result.Plan.PlanID, result.Plan.Name, len(result.Plan.Steps)), multiplexer.KindStatus)
		return
	}
	if len(result.FileOps) > 0 {
		o.dispatchFileOps(agentID, result.FileOps)
	}
}

func (o *Orchestrator) dispatchFileOps(agentID string, ops []session.FileOp) {
	for _, op := range ops {
		var res model.ToolResult
		switch op.Kind {
		case "read":
			res = o.executor.ReadFile(op.Path)
		case "write":
			res = o.executor.WriteFile(op.Path, op.Content, true)
		case "edit":
			res = o.editFile(op)
		default:
			continue
		}
		kind := multiplexer.KindSuccess
		msg := fmt.Sprintf("%s %s: ok", op.Kind, op.Path)
		if !res.Success {
			kind = multiplexer.KindError
			msg = fmt.Sprintf("%s %s: %s", op.Kind, op.Path, res.ErrorMessage)
		}
		o.mux.Write(agentID, msg, kind)
	}
}

func (o *Orchestrator) editFile(op session.FileOp) model.ToolResult {
	current := o.executor.ReadFile(op.Path)
	if !current.Success {
		return current
	}
	if !strings.Contains(current.Stdout, op.Find) {
		return model.ToolResult{Success: false, ErrorMessage: "find text not present in file"}
	}
	updated := strings.Replace(current.Stdout, op.Find, op.Replace, 1)
	return o.executor.WriteFile(op.Path, updated, true)
}

func (o *Orchestrator) workflowProgress(stepID, status, message string) {
	kind := multiplexer.KindStatus
	switch status {
	case "completed":
		kind = multiplexer.KindSuccess
	case "failed", "rolled_back":
		kind = multiplexer.KindError
	}
	o.mux.Write(o.mainAgentID, fmt.Sprintf("workflow step %s: %s (%s)", stepID, status, message), kind)
}

// maybeAutoSpawn scans message for configured keywords and, subject to
// require_confirmation, spawns a sub-agent from the matched profile and
// launches its turn concurrently with the main agent's turn already
// started by dispatchToAgent.
func (o *Orchestrator) maybeAutoSpawn(ctx context.Context, message string, confirm ConfirmFunc) {
	if !o.autoSpawn || len(o.cfg.SpawningRules.Keywords) == 0 {
		return
	}
	lower := strings.ToLower(message)

	keywords := make([]string, 0, len(o.cfg.SpawningRules.Keywords))
	for kw := range o.cfg.SpawningRules.Keywords {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)

	for _, kw := range keywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		profileName := o.cfg.SpawningRules.Keywords[kw]
		if o.cfg.SpawningRules.RequireConfirmation && confirm != nil {
			if !confirm(fmt.Sprintf("keyword %q matched — spawn %s agent?", kw, profileName)) {
				continue
			}
		}
		role := roleForProfile(o.cfg, profileName)
		agentID, err := o.SpawnSubAgent(role, message, profileName)
		if err != nil {
			o.mux.Write(o.mainAgentID, fmt.Sprintf("auto-spawn failed for keyword %q: %v", kw, err), multiplexer.KindError)
			continue
		}
		o.dispatchToAgent(ctx, agentID, message)
	}
}

func roleForProfile(cfg *config.Config, profileName string) model.Role {
	if p, ok := cfg.AgentProfiles[profileName]; ok && p.Role != "" {
		return model.Role(p.Role)
	}
	return model.RoleGeneral
}

func (o *Orchestrator) stopAgent(agentID string) (string, error) {
	o.mu.Lock()
	cancel, ok := o.cancelFuncs[agentID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	if err := o.registry.Terminate(agentID); err != nil {
		return "", err
	}
	return fmt.Sprintf("stopped %s", agentID), nil
}

func (o *Orchestrator) stopAll() string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.cancelFuncs))
	for id, cancel := range o.cancelFuncs {
		ids = append(ids, id)
		cancel()
	}
	o.mu.Unlock()

	terminated := o.registry.TerminateChildren(o.mainAgentID)
	return fmt.Sprintf("cancelled %d running turn(s), terminated %d sub-agent(s)", len(ids), len(terminated))
}

func (o *Orchestrator) resetMainAgent() (string, error) {
	name := o.cfg.MultiAgentSettings.DefaultMainProfile
	profile, ok := o.cfg.AgentProfiles[name]
	if !ok {
		return "", fmt.Errorf("default main profile %q not found", name)
	}
	o.mu.Lock()
	o.sessions[o.mainAgentID] = session.New(session.Config{
		AgentID:      o.mainAgentID,
		Model:        profile.Model,
		Temperature:  profile.Temperature,
		MaxTokens:    profile.MaxTokens,
		SystemPrompt: systemPromptFor(profile),
	}, o.newClient(profile), o.mux)
	o.mu.Unlock()
	return "main agent conversation reset", nil
}

func (o *Orchestrator) formatAgents() string {
	descriptors := o.registry.List(true)
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].CreatedAt.Before(descriptors[j].CreatedAt) })

	var b strings.Builder
	for _, d := range descriptors {
		fmt.Fprintf(&b, "%s [%s] %s status=%s parent=%s\n", d.AgentID, d.Role, d.TaskDescription, d.Status, d.ParentID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) formatStats() string {
	stats := o.registry.Stats()
	return fmt.Sprintf("agents=%d queued_messages=%d by_role=%v by_status=%v",
		stats.TotalAgents, stats.QueuedMessages, stats.ByRole, stats.ByStatus)
}

func (o *Orchestrator) formatConfig() string {
	return fmt.Sprintf("main_profile=%s sub_profile=%s auto_spawn=%v safe_mode=%v",
		o.cfg.MultiAgentSettings.DefaultMainProfile, o.cfg.MultiAgentSettings.DefaultSubAgentProfile,
		o.autoSpawn, o.cfg.AgentSettings.SafeMode)
}

func (o *Orchestrator) formatPendingPlans() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pendingPlans) == 0 {
		return "no pending plans"
	}
	var b strings.Builder
	for id, p := range o.pendingPlans {
		fmt.Fprintf(&b, "%s: %q (%d steps)\n", id, p.Name, len(p.Steps))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) viewPlan(planID string) (string, error) {
	o.mu.Lock()
	p, ok := o.pendingPlans[planID]
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no pending plan %q", planID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n%s\n", p.PlanID, p.Name, p.Description)
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "  [%s] %s (agent=%s tool=%s deps=%v)\n", s.StepID, s.Description, s.AgentID, s.Tool, s.Dependencies)
	}
	if valid, errs := plan.Validate(p); !valid {
		fmt.Fprintf(&b, "VALIDATION ERRORS: %v\n", errs)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// approvePlan marks the plan approved and launches it on the
// WorkflowEngine in the background; progress streams through the
// multiplexer via workflowProgress.
func (o *Orchestrator) approvePlan(ctx context.Context, planID string) (string, error) {
	o.mu.Lock()
	p, ok := o.pendingPlans[planID]
	if ok {
		delete(o.pendingPlans, planID)
		delete(o.planOwners, planID)
	}
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no pending plan %q", planID)
	}
	p.Approved = true

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.engineCancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		ok, msg := o.engine.Execute(runCtx, p, true, true)
		kind := multiplexer.KindSuccess
		if !ok {
			kind = multiplexer.KindError
		}
		o.mux.Write(o.mainAgentID, fmt.Sprintf("workflow %s finished: %s", p.PlanID, msg), kind)
	}()
	return fmt.Sprintf("plan %s approved, workflow started", planID), nil
}

func (o *Orchestrator) rejectPlan(planID string) (string, error) {
	o.mu.Lock()
	_, ok := o.pendingPlans[planID]
	delete(o.pendingPlans, planID)
	delete(o.planOwners, planID)
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no pending plan %q", planID)
	}
	return fmt.Sprintf("plan %s rejected", planID), nil
}

// modifyPlan solicits a free-text revision request from the operator
// and posts it back to the plan's owning agent as its next turn,
// discarding the pending plan (the agent is expected to produce a
// replacement). Mirrors the original source's [M]odify branch, which
// collects free text and re-dispatches rather than patching the plan
// in place.
func (o *Orchestrator) modifyPlan(ctx context.Context, planID string, promptText PromptFunc) (string, error) {
	o.mu.Lock()
	_, ok := o.pendingPlans[planID]
	owner := o.planOwners[planID]
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no pending plan %q", planID)
	}

	text, ok := promptText("what changes would you like to the plan?")
	if !ok || strings.TrimSpace(text) == "" {
		return "no modification provided, plan still pending", nil
	}

	o.mu.Lock()
	delete(o.pendingPlans, planID)
	delete(o.planOwners, planID)
	o.mu.Unlock()

	o.dispatchToAgent(ctx, owner, fmt.Sprintf("revise plan %s per this feedback: %s", planID, text))
	return fmt.Sprintf("modification request sent to %s for plan %s", owner, planID), nil
}

// Shutdown cancels every running turn and the workflow engine (if
// running) and waits for them to finish, bounded by timeout.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	o.mu.Lock()
	for _, cancel := range o.cancelFuncs {
		cancel()
	}
	if o.engineCancel != nil {
		o.engineCancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
