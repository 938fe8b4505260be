// Package multiplexer serializes concurrent per-agent output into one
// ordered byte stream, coloring by role and separating agent switches,
// the way a terminal-facing multi-agent operator console must.
package multiplexer

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/kadirpekel/agentorch/pkg/model"
)

// Kind classifies a write for framing/coloring purposes.
type Kind string

const (
	KindNormal   Kind = "NORMAL"
	KindThinking Kind = "THINKING"
	KindSummary  Kind = "SUMMARY"
	KindStatus   Kind = "STATUS"
	KindError    Kind = "ERROR"
	KindSuccess  Kind = "SUCCESS"
)

const resetCode = "\033[0m"

// roleColors assigns each role a distinct ANSI color, the same
// terminal-coloring idiom as pkg/logger's level colors.
var roleColors = map[model.Role]string{
	model.RoleMain:        "\033[36m", // cyan
	model.RoleReviewer:    "\033[35m", // magenta
	model.RoleResearcher:  "\033[34m", // blue
	model.RoleImplementer: "\033[32m", // green
	model.RoleTester:      "\033[33m", // yellow
	model.RoleOptimizer:   "\033[93m", // bright yellow
	model.RoleGeneral:     "\033[90m", // gray
}

var kindColors = map[Kind]string{
	KindError:   "\033[31m", // red
	KindSuccess: "\033[32m", // green
	KindStatus:  "\033[90m", // gray
}

// Multiplexer is the OutputMultiplexer: a single mutex serializes every
// write, tracks which agent currently "has the floor", and emits a
// separator line whenever that changes.
type Multiplexer struct {
	mu           sync.Mutex
	w            io.Writer
	useColor     bool
	currentAgent string
	roles        map[string]model.Role
	finalized    map[string]bool
	showThinking bool
}

// New constructs a Multiplexer writing to w. Colors are enabled only
// when w is a terminal, per golang.org/x/term.IsTerminal. THINKING
// output is shown by default; see SetShowThinking.
func New(w io.Writer) *Multiplexer {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = term.IsTerminal(int(f.Fd()))
	}
	return &Multiplexer{
		w:            w,
		useColor:     useColor,
		roles:        make(map[string]model.Role),
		finalized:    make(map[string]bool),
		showThinking: true,
	}
}

// SetShowThinking toggles whether KindThinking writes reach the
// underlying writer at all, backing the operator's "thinking" command.
func (m *Multiplexer) SetShowThinking(show bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.showThinking = show
}

// Register associates agentID with role so subsequent writes pick the
// role's color.
func (m *Multiplexer) Register(agentID string, role model.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[agentID] = role
}

// Write emits text attributed to agentID, framed per kind.
func (m *Multiplexer) Write(agentID, text string, kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeLocked(agentID, text, kind)
}

// WriteSummary emits text as a SUMMARY, always framed by "===" rules
// regardless of which agent currently has the floor.
func (m *Multiplexer) WriteSummary(agentID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.switchAgentLocked(agentID)
	fmt.Fprintln(m.w, "===")
	m.writeColored(agentID, text, KindSummary, true)
	fmt.Fprintln(m.w, "===")
}

// WriteStatus emits a one-line "<status>: <message>" STATUS record.
func (m *Multiplexer) WriteStatus(agentID, status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeLocked(agentID, fmt.Sprintf("%s: %s", status, message), KindStatus)
}

// Finalize marks agentID's stream as closed; if agentID currently has the
// floor, its separator is emitted at once and the floor is released. A
// later write for the same agent still works (finalize is advisory, not a
// hard close).
func (m *Multiplexer) Finalize(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized[agentID] = true
	if m.currentAgent == agentID {
		m.emitSeparatorLocked(agentID)
		m.currentAgent = ""
	}
}

func (m *Multiplexer) writeLocked(agentID, text string, kind Kind) {
	if kind == KindThinking && !m.showThinking {
		return
	}
	m.switchAgentLocked(agentID)
	m.writeColored(agentID, text, kind, kind != KindNormal)
}

// switchAgentLocked emits the outgoing agent's separator when the floor
// changes hands; the incoming agent's identity is implied by its color.
func (m *Multiplexer) switchAgentLocked(agentID string) {
	if m.currentAgent != "" && m.currentAgent != agentID {
		m.emitSeparatorLocked(m.currentAgent)
	}
	m.currentAgent = agentID
}

func (m *Multiplexer) emitSeparatorLocked(agentID string) {
	fmt.Fprintln(m.w, "---")
}

func (m *Multiplexer) writeColored(agentID, text string, kind Kind, newline bool) {
	color := m.colorFor(agentID, kind)
	if m.useColor && color != "" {
		fmt.Fprint(m.w, color, text, resetCode)
	} else {
		fmt.Fprint(m.w, text)
	}
	if newline {
		fmt.Fprintln(m.w)
	}
}

func (m *Multiplexer) colorFor(agentID string, kind Kind) string {
	if c, ok := kindColors[kind]; ok {
		return c
	}
	if role, ok := m.roles[agentID]; ok {
		return roleColors[role]
	}
	return ""
}
