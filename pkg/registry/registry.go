// Package registry implements the AgentRegistry: the single source of
// truth for agent identity, status, parent/child relationships and
// inter-agent message queues.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/agentorch/pkg/model"
)

const agentIDBytes = 4 // 4 bytes -> 8 hex characters

// ErrNotFound is returned by SetStatus/AddSummary/Send/Receive/Terminate when
// agent_id does not name a registered descriptor.
type ErrNotFound struct {
	AgentID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("agent %q not found", e.AgentID)
}

// queueCapacity bounds each recipient's inter-agent message FIFO.
const queueCapacity = 256

type entry struct {
	descriptor *model.AgentDescriptor
	queue      chan model.InterAgentMessage
}

// Registry tracks every AgentDescriptor created during a process's lifetime,
// plus the per-recipient message queues used for inter-agent delivery.
//
// All public operations acquire a single mutex; the lock is held only for
// in-memory mutation, never across I/O (matching the teacher's registry
// locking discipline, generalized from a single reentrant-style mutex
// to a plain sync.Mutex since Go has no built-in reentrant lock and no
// registry method calls another registry method while holding it).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	metrics *collectors
}

// New creates an empty Registry. metricsRegisterer may be nil to skip
// Prometheus registration (e.g. in tests).
func New(metricsRegisterer prometheus.Registerer) *Registry {
	r := &Registry{entries: make(map[string]*entry)}
	if metricsRegisterer != nil {
		r.metrics = newCollectors(metricsRegisterer)
	}
	return r
}

// Register installs a new descriptor and returns its generated agent_id.
// Registration is the only way to install a descriptor.
func (r *Registry) Register(role model.Role, parentID, task string, isMain bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.freshID()
	if err != nil {
		return "", err
	}

	r.entries[id] = &entry{
		descriptor: &model.AgentDescriptor{
			AgentID:         id,
			Role:            role,
			Status:          model.StatusIdle,
			CreatedAt:       time.Now(),
			ParentID:        parentID,
			TaskDescription: task,
			IsMain:          isMain,
		},
		queue: make(chan model.InterAgentMessage, queueCapacity),
	}

	if r.metrics != nil {
		r.metrics.observeLocked(r.entries)
	}
	return id, nil
}

// RegisterWithProfile installs a descriptor with its model/provider already
// known (used when the session's endpoint is resolved before registration).
func (r *Registry) RegisterWithProfile(role model.Role, modelName, provider, parentID, task string, isMain bool) (string, error) {
	id, err := r.Register(role, parentID, task, isMain)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.entries[id].descriptor.ModelName = modelName
	r.entries[id].descriptor.Provider = provider
	r.mu.Unlock()
	return id, nil
}

// freshID generates an 8-hex-character id, retrying on collision. Must be
// called with r.mu held.
func (r *Registry) freshID() (string, error) {
	for attempt := 0; attempt < 16; attempt++ {
		buf := make([]byte, agentIDBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate agent id: %w", err)
		}
		id := hex.EncodeToString(buf)
		if _, exists := r.entries[id]; !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique agent id after repeated attempts")
}

// Get returns a copy of the descriptor for agentID.
func (r *Registry) Get(agentID string) (model.AgentDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return model.AgentDescriptor{}, false
	}
	return cloneDescriptor(*e.descriptor), true
}

// List returns descriptors for every known agent. When includeTerminated is
// false, TERMINATED agents are omitted.
func (r *Registry) List(includeTerminated bool) []model.AgentDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.AgentDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if !includeTerminated && e.descriptor.Status == model.StatusTerminated {
			continue
		}
		out = append(out, cloneDescriptor(*e.descriptor))
	}
	return out
}

// ChildrenOf returns descriptors whose ParentID equals parentID.
func (r *Registry) ChildrenOf(parentID string) []model.AgentDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.AgentDescriptor
	for _, e := range r.entries {
		if e.descriptor.ParentID == parentID {
			out = append(out, cloneDescriptor(*e.descriptor))
		}
	}
	return out
}

// SetStatus mutates the status of agentID.
func (r *Registry) SetStatus(agentID string, status model.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return &ErrNotFound{AgentID: agentID}
	}
	e.descriptor.Status = status
	if r.metrics != nil {
		r.metrics.observeLocked(r.entries)
	}
	return nil
}

// AddSummary appends text to agentID's ordered summary list.
func (r *Registry) AddSummary(agentID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return &ErrNotFound{AgentID: agentID}
	}
	e.descriptor.Summaries = append(e.descriptor.Summaries, text)
	return nil
}

// Send enqueues a message for toID's FIFO queue. A full queue drops the
// oldest pending message to make room, since the sender must never block
// on a stalled recipient.
func (r *Registry) Send(fromID, toID, payload string) error {
	r.mu.Lock()
	e, ok := r.entries[toID]
	r.mu.Unlock()
	if !ok {
		return &ErrNotFound{AgentID: toID}
	}

	msg := model.InterAgentMessage{MessageID: uuid.NewString(), FromID: fromID, ToID: toID, Payload: payload, Timestamp: time.Now()}
	for {
		select {
		case e.queue <- msg:
			if r.metrics != nil {
				r.metrics.messagesQueued.Inc()
			}
			return nil
		default:
			select {
			case <-e.queue:
			default:
			}
		}
	}
}

// Receive drains up to the currently queued messages for agentID, waiting
// up to timeout for at least one message to arrive.
func (r *Registry) Receive(agentID string, timeout time.Duration) ([]model.InterAgentMessage, error) {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	r.mu.Unlock()
	if !ok {
		return nil, &ErrNotFound{AgentID: agentID}
	}

	var out []model.InterAgentMessage

	select {
	case msg := <-e.queue:
		out = append(out, msg)
	case <-time.After(timeout):
		return out, nil
	}

	for {
		select {
		case msg := <-e.queue:
			out = append(out, msg)
		default:
			return out, nil
		}
	}
}

// Terminate is idempotent: it sets status to TERMINATED. The descriptor
// remains visible in List(true) and its summaries are retained.
func (r *Registry) Terminate(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return &ErrNotFound{AgentID: agentID}
	}
	e.descriptor.Status = model.StatusTerminated
	if r.metrics != nil {
		r.metrics.observeLocked(r.entries)
	}
	return nil
}

// TerminateChildren terminates every agent whose ParentID equals parentID.
func (r *Registry) TerminateChildren(parentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, e := range r.entries {
		if e.descriptor.ParentID == parentID && e.descriptor.Status != model.StatusTerminated {
			e.descriptor.Status = model.StatusTerminated
			ids = append(ids, id)
		}
	}
	if r.metrics != nil {
		r.metrics.observeLocked(r.entries)
	}
	return ids
}

// Stats returns a snapshot of agent counts by role and status, and
// simultaneously refreshes the Prometheus collectors if registered.
func (r *Registry) Stats() model.RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := model.RegistryStats{
		ByRole:   make(map[model.Role]int),
		ByStatus: make(map[model.Status]int),
	}
	for _, e := range r.entries {
		stats.TotalAgents++
		stats.ByRole[e.descriptor.Role]++
		stats.ByStatus[e.descriptor.Status]++
		stats.QueuedMessages += len(e.queue)
	}
	if r.metrics != nil {
		r.metrics.observeLocked(r.entries)
	}
	return stats
}

func cloneDescriptor(d model.AgentDescriptor) model.AgentDescriptor {
	out := d
	out.Summaries = append([]string(nil), d.Summaries...)
	return out
}
