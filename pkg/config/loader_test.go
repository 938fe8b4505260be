package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0644))
}

func TestLoad_ResolvesSentinelFromSecrets(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agent_config_multi_agent.json")
	secretsPath := filepath.Join(dir, "secrets.json")

	writeJSON(t, configPath, Config{
		MultiAgentSettings: MultiAgentSettings{DefaultMainProfile: "local"},
		AgentProfiles: map[string]Profile{
			"local": {Provider: "ollama", URL: "http://localhost:11434", Model: "llama3", APIKey: apiKeySentinel},
		},
	})
	writeJSON(t, secretsPath, Secrets{OllamaAPIKey: "sk-local-test"})

	cfg, err := Load(configPath, secretsPath)
	require.NoError(t, err)
	require.Equal(t, "sk-local-test", cfg.AgentProfiles["local"].APIKey)
}

func TestLoad_MissingSecretsFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agent_config_multi_agent.json")

	writeJSON(t, configPath, Config{
		AgentProfiles: map[string]Profile{
			"local": {Provider: "openai", APIKey: "$OPENAI_API_KEY"},
		},
	})

	t.Setenv("OPENAI_API_KEY", "sk-env-test")

	cfg, err := Load(configPath, filepath.Join(dir, "secrets.json"))
	require.NoError(t, err)
	require.Equal(t, "sk-env-test", cfg.AgentProfiles["local"].APIKey)
}

func TestLoad_RejectsUnknownDefaultProfile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agent_config_multi_agent.json")

	writeJSON(t, configPath, Config{
		MultiAgentSettings: MultiAgentSettings{DefaultMainProfile: "missing"},
		AgentProfiles: map[string]Profile{
			"local": {Provider: "openai"},
		},
	})

	_, err := Load(configPath, "")
	require.Error(t, err)
}

func TestLoad_RejectsEmptyProfiles(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agent_config_multi_agent.json")
	writeJSON(t, configPath, Config{})

	_, err := Load(configPath, "")
	require.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("AGENTORCH_TEST_KEY", "resolved")

	require.Equal(t, "resolved", expandEnvVars("${AGENTORCH_TEST_KEY}"))
	require.Equal(t, "resolved", expandEnvVars("$AGENTORCH_TEST_KEY"))
	require.Equal(t, "fallback", expandEnvVars("${AGENTORCH_TEST_MISSING:-fallback}"))
	require.Equal(t, "literal", expandEnvVars("literal"))
}

func TestResolveAPIKey(t *testing.T) {
	secrets := Secrets{OllamaAPIKey: "ollama-secret", LMStudioAPIKey: "lmstudio-secret"}

	require.Equal(t, "ollama-secret", resolveAPIKey("ollama", apiKeySentinel, secrets))
	require.Equal(t, "lmstudio-secret", resolveAPIKey("lm_studio", apiKeySentinel, secrets))
	require.Equal(t, "", resolveAPIKey("openai", apiKeySentinel, secrets))
	require.Equal(t, "sk-literal", resolveAPIKey("openai", "sk-literal", secrets))
}

func TestConfig_ToolExecPolicy(t *testing.T) {
	cfg := &Config{
		AgentSettings: AgentSettings{
			SafeMode:       true,
			TimeoutSeconds: 45,
			TimeoutOverrides: TimeoutOverrides{
				CodeExecution: 200,
			},
		},
		FileOperations: FileOperations{
			AllowFileRead:      true,
			AllowFileWrite:     true,
			AllowedDirectories: []string{"/tmp/workspace"},
			MaxFileSizeKB:      250,
		},
	}

	policy := cfg.ToolExecPolicy()
	require.True(t, policy.SafeMode)
	require.Equal(t, []string{"/tmp/workspace"}, policy.AllowedDirectories)
	require.Equal(t, 250, policy.MaxFileSizeKB)
	require.NoError(t, policy.Validate())
}
