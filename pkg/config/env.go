package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	envSimple      = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
)

// expandEnvVars resolves ${VAR}, ${VAR:-default}, and $VAR references
// against the OS environment, the way the teacher's config loader does.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})

	s = envBraced.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envBraced.FindStringSubmatch(match)[1])
	})

	s = envSimple.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envSimple.FindStringSubmatch(match)[1])
	})

	return s
}

// LoadEnvFiles loads .env.local then .env into the OS environment via
// godotenv, tolerating either file's absence.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// resolveAPIKey substitutes profile's API key sentinel per spec.md §6:
// a literal "YOUR_API_KEY_HERE" is replaced by the matching secrets.json
// entry for its provider; anything else is expanded for ${VAR} syntax
// against the OS environment (populated, in turn, by LoadEnvFiles).
func resolveAPIKey(provider, rawKey string, secrets Secrets) string {
	if rawKey == apiKeySentinel {
		return secrets.secretFor(provider)
	}
	return expandEnvVars(rawKey)
}
