// Package agentorch provides a terminal-native multi-agent operator
// console: one operator session drives a main agent and any number of
// spawned sub-agents, streams their output through a single serialized
// multiplexer, and approves or rejects multi-step workflow plans before
// they touch the filesystem or shell.
//
// # Quick Start
//
// Install agentorch:
//
//	go install github.com/kadirpekel/agentorch/cmd/agentorch@latest
//
// Write a config.json naming the agent profiles to dispatch against:
//
//	{
//	  "multi_agent_settings": {
//	    "default_main_profile": "main_agent",
//	    "default_sub_agent_profile": "general_agent"
//	  },
//	  "agent_profiles": {
//	    "main_agent": {"provider": "ollama", "url": "http://localhost:11434", "model": "llama3"}
//	  }
//	}
//
// Start the console:
//
//	agentorch --config config.json
//
// # Architecture
//
// Operator input → Orchestrator → {AgentRegistry, ToolExecutor,
// WorkflowEngine} → OutputMultiplexer → operator terminal.
//
// The main agent and every sub-agent it spawns run one turn at a time
// against a StreamingClient, with output interleaved back through a
// single OutputMultiplexer so concurrent agents never tear each other's
// lines. A turn that proposes a structured, multi-step plan is held for
// operator approval before the WorkflowEngine executes it, checkpointing
// and rolling back file writes on failure.
//
// # Key Features
//
//   - Multi-agent spawning with role-based profile resolution and
//     keyword-triggered auto-spawn
//   - Plan approval workflow with dependency ordering, retries, and
//     file-snapshot rollback
//   - Safe-mode tool execution policy (allowed directories, size caps,
//     command allowlists)
//   - JSON configuration with `.env`/secrets resolution and change
//     detection (a changed file is logged; a restart applies it)
package agentorch
