// Package plan parses the `[PLAN]...[/PLAN]` workflow grammar out of
// free-form agent text into a model.Plan, validates the resulting
// dependency DAG, and computes a topological execution order.
package plan

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kadirpekel/agentorch/pkg/model"
)

// validAgentIDs is the set spec.md's plan grammar accepts for a step's
// agent_id — narrower than model.ValidRoles (it excludes "general",
// which is a runtime-only role for ad hoc sub-agents, never a plan
// step assignee).
var validAgentIDs = map[model.Role]bool{
	model.RoleMain:        true,
	model.RoleReviewer:    true,
	model.RoleResearcher:  true,
	model.RoleImplementer: true,
	model.RoleTester:      true,
	model.RoleOptimizer:   true,
}

var (
	planBlockRe    = regexp.MustCompile(`(?is)\[PLAN\](.*?)\[/PLAN\]`)
	workflowNameRe = regexp.MustCompile(`(?m)^##\s*Workflow:\s*(.+)$`)
	stepHeaderRe   = regexp.MustCompile(`(?m)^###\s*Step\s+(\d+):\s*(.*)$`)
	sectionBreakRe = regexp.MustCompile(`(?m)^(###\s|##\s)`)
	kvLineRe       = regexp.MustCompile(`(?m)^\s*-?\s*([A-Za-z ]+):\s*(.*)$`)
	quotedPairRe   = regexp.MustCompile(`"([^"]+)"\s*:\s*"([^"]*)"`)
	stepDepRe      = regexp.MustCompile(`(?i)Step\s+(\d+)`)
	hexIDRe        = regexp.MustCompile(`^[0-9a-f]{8}$`)
	estimatedRe    = regexp.MustCompile(`(?i)^(\d+)\s*(s|sec|seconds?|m|min|minutes?|h|hour|hours?)?$`)
	totalTimeRe    = regexp.MustCompile(`(?m)^Total Estimated Time:\s*(.+)$`)
	costEstimateRe = regexp.MustCompile(`(?m)^Cost Estimate:\s*\$?([\d.]+)`)
)

// Parse locates the first [PLAN]...[/PLAN] block in text and parses it
// into a Plan. It returns (nil, nil) when there is no plan block, or
// when the block has no "###"/"Step" markers (a legacy file-op plan,
// not a workflow plan — the caller dispatches those differently).
func Parse(text string) (*model.Plan, error) {
	match := planBlockRe.FindStringSubmatch(text)
	if match == nil {
		return nil, nil
	}
	body := match[1]
	if !strings.Contains(body, "###") && !strings.Contains(strings.ToLower(body), "step") {
		return nil, nil
	}

	name := "Unnamed Workflow"
	if m := workflowNameRe.FindStringSubmatch(body); m != nil {
		name = strings.TrimSpace(m[1])
	}

	description := extractDescription(body, name)

	steps, err := extractSteps(body)
	if err != nil {
		return nil, err
	}
	if err := rewriteSymbolicDependencies(steps); err != nil {
		return nil, err
	}

	p := &model.Plan{
		PlanID:      newPlanID(),
		Name:        name,
		Description: description,
		Steps:       steps,
		CreatedAt:   time.Now(),
		Metadata:    extractMetadata(body),
	}
	return p, nil
}

// extractDescription joins every non-blank line between the "## Workflow"
// header and the first "### Step" header into one space-separated
// description, falling back to name when there are no such lines.
func extractDescription(body, name string) string {
	nameLoc := workflowNameRe.FindStringIndex(body)
	stepLoc := stepHeaderRe.FindStringIndex(body)
	if stepLoc == nil {
		return name
	}
	start := 0
	if nameLoc != nil {
		start = nameLoc[1]
	}
	if start > stepLoc[0] {
		return name
	}
	between := body[start:stepLoc[0]]

	var lines []string
	for _, line := range strings.Split(between, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return name
	}
	return strings.Join(lines, " ")
}

func extractSteps(body string) ([]*model.Step, error) {
	headers := stepHeaderRe.FindAllStringSubmatchIndex(body, -1)
	if len(headers) == 0 {
		return nil, nil
	}

	steps := make([]*model.Step, 0, len(headers))
	for i, h := range headers {
		headerEnd := h[1]
		blockEnd := len(body)
		if i+1 < len(headers) {
			blockEnd = headers[i+1][0]
		}
		if loc := sectionBreakRe.FindStringIndex(body[headerEnd:blockEnd]); loc != nil {
			blockEnd = headerEnd + loc[0]
		}

		desc := strings.TrimSpace(body[h[2]:h[3]])
		block := body[headerEnd:blockEnd]

		step := &model.Step{
			StepID:      newStepID(),
			Description: desc,
			Status:      model.StepPending,
		}
		if err := populateStepFields(step, block); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func populateStepFields(step *model.Step, block string) error {
	for _, kv := range kvLineRe.FindAllStringSubmatch(block, -1) {
		key := strings.ToLower(strings.TrimSpace(kv[1]))
		value := strings.TrimSpace(kv[2])

		switch key {
		case "agent":
			step.AgentID = model.Role(strings.ToLower(firstToken(value)))
		case "tool":
			step.Tool = model.ToolName(firstToken(value))
		case "arguments":
			args, err := parseArguments(value)
			if err != nil {
				return fmt.Errorf("step %s: %w", step.StepID, err)
			}
			step.Arguments = args
		case "dependencies":
			step.Dependencies = parseDependencies(value)
		case "estimated time":
			seconds, err := parseEstimatedTime(value)
			if err != nil {
				return fmt.Errorf("step %s: %w", step.StepID, err)
			}
			step.EstimatedTimeSeconds = seconds
		}
	}
	return nil
}

func firstToken(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func parseArguments(value string) (map[string]any, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "{") {
		var args map[string]any
		if err := json.Unmarshal([]byte(value), &args); err != nil {
			return nil, fmt.Errorf("invalid JSON arguments: %w", err)
		}
		return args, nil
	}

	pairs := quotedPairRe.FindAllStringSubmatch(value, -1)
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(map[string]any, len(pairs))
	for _, p := range pairs {
		args[p[1]] = p[2]
	}
	return args, nil
}

// parseDependencies returns the raw dependency tokens: "step_<N>" for a
// symbolic Step N reference, or the literal 8-hex step id for a direct
// reference. Symbolic refs are rewritten to real ids once every step in
// the block has been collected.
func parseDependencies(value string) []string {
	if strings.EqualFold(strings.TrimSpace(value), "none") || strings.TrimSpace(value) == "" {
		return nil
	}
	var deps []string
	for _, m := range stepDepRe.FindAllStringSubmatch(value, -1) {
		deps = append(deps, "step_"+m[1])
	}
	for _, tok := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
		tok = strings.TrimSpace(tok)
		if hexIDRe.MatchString(tok) {
			deps = append(deps, tok)
		}
	}
	return deps
}

func parseEstimatedTime(value string) (float64, error) {
	m := estimatedRe.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return 0, fmt.Errorf("invalid estimated time %q", value)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	switch strings.ToLower(m[2]) {
	case "m", "min", "minute", "minutes":
		return float64(n * 60), nil
	case "h", "hour", "hours":
		return float64(n * 3600), nil
	default:
		return float64(n), nil
	}
}

// rewriteSymbolicDependencies maps every "step_<N>" token to the Nth
// step's actual id (1-indexed, listed order), after all steps in the
// block have been collected.
func rewriteSymbolicDependencies(steps []*model.Step) error {
	for _, step := range steps {
		for i, dep := range step.Dependencies {
			if !strings.HasPrefix(dep, "step_") {
				continue
			}
			n, err := strconv.Atoi(strings.TrimPrefix(dep, "step_"))
			if err != nil || n < 1 || n > len(steps) {
				return fmt.Errorf("step %s: dependency %q does not resolve to a listed step", step.StepID, dep)
			}
			step.Dependencies[i] = steps[n-1].StepID
		}
	}
	return nil
}

func extractMetadata(body string) map[string]any {
	meta := map[string]any{}
	if m := totalTimeRe.FindStringSubmatch(body); m != nil {
		meta["total_estimated_time"] = strings.TrimSpace(m[1])
	}
	if m := costEstimateRe.FindStringSubmatch(body); m != nil {
		if cost, err := strconv.ParseFloat(m[1], 64); err == nil {
			meta["cost_estimate"] = cost
		}
	}
	return meta
}

func newPlanID() string {
	return randomHex(4)
}

func newStepID() string {
	return randomHex(4)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(strconv.FormatInt(time.Now().UnixNano(), 16)))[:n*2]
	}
	return hex.EncodeToString(buf)
}

// Validate checks p against the five rules spec.md names: an empty step
// list, a duplicate step id, an unresolved dependency, a step whose
// dependency closure contains itself, and an out-of-domain agent_id or
// tool. It returns every violation found, not just the first.
func Validate(p *model.Plan) (bool, []string) {
	var errs []string

	if len(p.Steps) == 0 {
		return false, []string{"empty plan: no steps"}
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if ids[s.StepID] {
			errs = append(errs, fmt.Sprintf("duplicate step id %q", s.StepID))
		}
		ids[s.StepID] = true
	}

	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				errs = append(errs, fmt.Sprintf("step %q depends on unknown step %q", s.StepID, dep))
			}
		}
		if !validAgentIDs[s.AgentID] {
			errs = append(errs, fmt.Sprintf("step %q has invalid agent_id %q", s.StepID, s.AgentID))
		}
		if s.Tool != "" && !model.IsValidTool(s.Tool) {
			errs = append(errs, fmt.Sprintf("step %q has invalid tool %q", s.StepID, s.Tool))
		}
	}

	for _, s := range p.Steps {
		if closureContainsSelf(s.StepID, p.Steps) {
			errs = append(errs, fmt.Sprintf("circular dependency involving step %q", s.StepID))
		}
	}

	return len(errs) == 0, errs
}

func closureContainsSelf(id string, steps []*model.Step) bool {
	byID := make(map[string]*model.Step, len(steps))
	for _, s := range steps {
		byID[s.StepID] = s
	}

	visited := map[string]bool{}
	var visit func(string) bool
	visit = func(cur string) bool {
		step, ok := byID[cur]
		if !ok {
			return false
		}
		for _, dep := range step.Dependencies {
			if dep == id {
				return true
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if visit(dep) {
				return true
			}
		}
		return false
	}
	return visit(id)
}

// TopologicalOrder computes Kahn's-algorithm order over p's dependency
// DAG, breaking ties by original listed order. It errors if the graph
// is cyclic (fewer steps come out than went in).
func TopologicalOrder(p *model.Plan) ([]*model.Step, error) {
	indexOf := make(map[string]int, len(p.Steps))
	inDegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))

	for i, s := range p.Steps {
		indexOf[s.StepID] = i
		inDegree[s.StepID] = 0
	}
	for _, s := range p.Steps {
		inDegree[s.StepID] = len(s.Dependencies)
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.StepID)
		}
	}

	var ready []string
	for _, s := range p.Steps {
		if inDegree[s.StepID] == 0 {
			ready = append(ready, s.StepID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return indexOf[ready[i]] < indexOf[ready[j]] })

	byID := make(map[string]*model.Step, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.StepID] = s
	}

	var order []*model.Step
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])

		var freed []string
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Slice(freed, func(i, j int) bool { return indexOf[freed[i]] < indexOf[freed[j]] })
		ready = append(ready, freed...)
		sort.Slice(ready, func(i, j int) bool { return indexOf[ready[i]] < indexOf[ready[j]] })
	}

	if len(order) < len(p.Steps) {
		return nil, fmt.Errorf("circular dependency detected")
	}
	return order, nil
}

// EstimateCost sums an advisory cost estimate: 0.10 per step assigned to
// the main agent, 0.02 per step assigned to any other role.
func EstimateCost(p *model.Plan) float64 {
	var total float64
	for _, s := range p.Steps {
		if s.AgentID == model.RoleMain {
			total += 0.10
		} else {
			total += 0.02
		}
	}
	return total
}
