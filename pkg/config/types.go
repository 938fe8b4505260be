// Package config loads agent_config_multi_agent.json and its sibling
// secrets.json/.env, resolves API key sentinels, and watches the config
// file for changes on disk. A change is only signalled; the loaded
// Config is not reloaded.
package config

// Profile is one named agent_profiles entry: which provider/model/
// endpoint an agent role is dispatched against.
type Profile struct {
	Provider       string  `json:"provider"`
	URL            string  `json:"url"`
	Model          string  `json:"model"`
	APIKey         string  `json:"api_key"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	Stream         bool    `json:"stream"`
	ShowTokenCount bool    `json:"show_token_count"`
	ShowThinking   bool    `json:"show_thinking"`
	Role           string  `json:"role"`
	SystemPromptFile string `json:"system_prompt_file,omitempty"`

	// SystemPrompt holds SystemPromptFile's contents once resolved by the
	// CLI at startup; it is never itself read from config JSON.
	SystemPrompt string `json:"-"`
}

// MultiAgentSettings names the default profiles for the main agent and
// for agents spawned by it.
type MultiAgentSettings struct {
	DefaultMainProfile     string `json:"default_main_profile"`
	DefaultSubAgentProfile string `json:"default_sub_agent_profile"`
}

// SpawningRules controls the orchestrator's keyword-triggered auto-spawn.
type SpawningRules struct {
	AutoSpawnOnKeywords  bool              `json:"auto_spawn_on_keywords"`
	Keywords             map[string]string `json:"keywords"`
	RequireConfirmation  bool              `json:"require_confirmation"`
}

// TimeoutOverrides narrows AgentSettings.TimeoutSeconds for specific
// operation classes.
type TimeoutOverrides struct {
	CodeExecution int `json:"code_execution,omitempty"`
}

// AgentSettings is the ToolExecutor's safety policy as read from config.
type AgentSettings struct {
	SafeMode         bool             `json:"safe_mode"`
	TimeoutSeconds   int              `json:"timeout_seconds"`
	TimeoutOverrides TimeoutOverrides `json:"timeout_overrides"`
}

// FileOperations is the file-tool half of the ToolExecutor's policy.
type FileOperations struct {
	AllowFileWrite     bool     `json:"allow_file_write"`
	AllowFileRead      bool     `json:"allow_file_read"`
	AllowedDirectories []string `json:"allowed_directories"`
	MaxFileSizeKB      int      `json:"max_file_size_kb"`
}

// Config is the decoded shape of agent_config_multi_agent.json.
type Config struct {
	MultiAgentSettings MultiAgentSettings `json:"multi_agent_settings"`
	AgentProfiles      map[string]Profile `json:"agent_profiles"`
	SpawningRules      SpawningRules      `json:"spawning_rules"`
	AgentSettings      AgentSettings      `json:"agent_settings"`
	FileOperations     FileOperations     `json:"file_operations"`
}

// Secrets is the decoded shape of the optional secrets.json sibling
// file: provider-keyed API keys substituted for "YOUR_API_KEY_HERE"
// sentinels.
type Secrets struct {
	OllamaAPIKey    string `json:"ollama_api_key"`
	LMStudioAPIKey  string `json:"lm_studio_api_key"`
}

const apiKeySentinel = "YOUR_API_KEY_HERE"

// secretFor returns the secrets.json key that substitutes for provider's
// sentinel, or "" if the provider has no corresponding secret.
func (s Secrets) secretFor(provider string) string {
	switch provider {
	case "ollama":
		return s.OllamaAPIKey
	case "lm_studio":
		return s.LMStudioAPIKey
	default:
		return ""
	}
}
