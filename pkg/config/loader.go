package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kadirpekel/agentorch/pkg/toolexec"
)

// Load decodes configPath and, if present, secretsPath, resolves every
// profile's API key sentinel, and returns the ready-to-use Config.
// secretsPath may be "" or point to a file that does not exist; both are
// treated as "no secrets".
func Load(configPath, secretsPath string) (*Config, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", configPath, err)
	}

	secrets, err := loadSecrets(secretsPath)
	if err != nil {
		return nil, err
	}

	for name, profile := range cfg.AgentProfiles {
		profile.APIKey = resolveAPIKey(profile.Provider, profile.APIKey, secrets)
		cfg.AgentProfiles[name] = profile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadSecrets(path string) (Secrets, error) {
	if path == "" {
		return Secrets{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Secrets{}, nil
		}
		return Secrets{}, fmt.Errorf("read secrets %s: %w", path, err)
	}
	var secrets Secrets
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return Secrets{}, fmt.Errorf("decode secrets %s: %w", path, err)
	}
	return secrets, nil
}

// Validate rejects a config with no usable default profiles.
func (c *Config) Validate() error {
	if len(c.AgentProfiles) == 0 {
		return fmt.Errorf("agent_profiles must contain at least one profile")
	}
	if _, ok := c.AgentProfiles[c.MultiAgentSettings.DefaultMainProfile]; c.MultiAgentSettings.DefaultMainProfile != "" && !ok {
		return fmt.Errorf("default_main_profile %q is not a known agent profile", c.MultiAgentSettings.DefaultMainProfile)
	}
	if _, ok := c.AgentProfiles[c.MultiAgentSettings.DefaultSubAgentProfile]; c.MultiAgentSettings.DefaultSubAgentProfile != "" && !ok {
		return fmt.Errorf("default_sub_agent_profile %q is not a known agent profile", c.MultiAgentSettings.DefaultSubAgentProfile)
	}
	return nil
}

// ToolExecPolicy builds a toolexec.Policy from the config's
// agent_settings/file_operations sections.
func (c *Config) ToolExecPolicy() *toolexec.Policy {
	policy := &toolexec.Policy{
		SafeMode:                    c.AgentSettings.SafeMode,
		AllowedDirectories:          c.FileOperations.AllowedDirectories,
		MaxFileSizeKB:               c.FileOperations.MaxFileSizeKB,
		DefaultTimeoutSeconds:       c.AgentSettings.TimeoutSeconds,
		CodeExecutionTimeoutSeconds: c.AgentSettings.TimeoutOverrides.CodeExecution,
		AllowFileRead:               c.FileOperations.AllowFileRead,
		AllowFileWrite:              c.FileOperations.AllowFileWrite,
	}
	policy.SetDefaults()
	return policy
}
