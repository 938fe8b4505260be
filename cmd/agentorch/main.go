// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command agentorch is the interactive multi-agent operator console.
//
// Usage:
//
//	agentorch --config config.json
//	agentorch --config config.json --log-level debug --safe-mode=false
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	agentorch "github.com/kadirpekel/agentorch"
	"github.com/kadirpekel/agentorch/pkg/config"
	"github.com/kadirpekel/agentorch/pkg/logger"
	"github.com/kadirpekel/agentorch/pkg/multiplexer"
	"github.com/kadirpekel/agentorch/pkg/orchestrator"
)

// CLI defines the process flags parsed before handing off to the
// operator command loop.
type CLI struct {
	Config        string `short:"c" help:"Path to config file." type:"path" default:"config.json"`
	Secrets       string `help:"Path to secrets file." type:"path" default:"secrets.json"`
	LogLevel      string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile       string `help:"Log file path (empty = stderr)."`
	LogFormat     string `help:"Log format (simple, verbose, or custom)." default:"simple"`
	SafeMode      *bool  `help:"Restrict execute_bash to the safe-mode command whitelist." negatable:""`
	CheckpointDir string `help:"Directory for workflow rollback checkpoints." type:"path" default:".agentorch/checkpoints"`
	Version       bool   `help:"Print version information and exit."`
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env files: %v\n", err)
	}

	cli := CLI{}
	kong.Parse(&cli,
		kong.Name("agentorch"),
		kong.Description("Multi-agent operator console"),
		kong.UsageOnError(),
	)

	if cli.Version {
		fmt.Println(agentorch.GetVersion().String())
		return
	}

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}

	output := os.Stderr
	var cleanup func()
	if cli.LogFile != "" {
		f, closeFn, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		output = f
		cleanup = closeFn
	}
	logger.Init(level, output, cli.LogFormat)
	if cleanup != nil {
		defer cleanup()
	}

	if err := run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "agentorch: %v\n", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	cfg, err := config.Load(cli.Config, cli.Secrets)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.SafeMode != nil {
		cfg.AgentSettings.SafeMode = *cli.SafeMode
	}

	if err := os.MkdirAll(cli.CheckpointDir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	resolveSystemPrompts(cfg)

	mux := multiplexer.New(os.Stdout)
	orch, err := orchestrator.New(cfg, mux, cli.CheckpointDir)
	if err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if watcher, err := config.NewWatcher(cli.Config); err == nil {
		defer watcher.Close()
		if changed, err := watcher.Watch(ctx); err == nil {
			go func() {
				for range changed {
					slog.Info("config file changed, restart to apply", "path", cli.Config)
				}
			}()
		}
	}

	fmt.Printf("agentorch ready. main agent: %s. type 'help' for commands.\n", orch.MainAgentID())
	runLoop(ctx, orch)

	orch.Shutdown(10 * time.Second)
	return nil
}

// runLoop reads operator lines from a single stdin scanner until ctx is
// cancelled or the operator types "exit", dispatching each line to the
// Orchestrator. Auto-spawn confirmation prompts reuse the same scanner
// rather than opening a second reader on stdin.
func runLoop(ctx context.Context, orch *orchestrator.Orchestrator) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	confirm := func(prompt string) bool {
		fmt.Printf("%s [y/N]: ", prompt)
		answer, ok := <-lines
		if !ok {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}

	promptText := func(prompt string) (string, bool) {
		fmt.Printf("%s\n> ", prompt)
		answer, ok := <-lines
		if !ok {
			return "", false
		}
		return strings.TrimSpace(answer), true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			reply, err := orch.Dispatch(ctx, line, confirm, promptText)
			if errors.Is(err, orchestrator.ErrExit) {
				return
			}
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if reply != "" {
				fmt.Println(reply)
			}
		}
	}
}

// resolveSystemPrompts reads each profile's SystemPromptFile (if any)
// into memory once at startup; the Orchestrator only ever sees resolved
// prompt text, never a path.
func resolveSystemPrompts(cfg *config.Config) {
	for name, profile := range cfg.AgentProfiles {
		if profile.SystemPromptFile == "" {
			continue
		}
		body, err := os.ReadFile(profile.SystemPromptFile)
		if err != nil {
			slog.Warn("failed to read system prompt file", "profile", name, "path", profile.SystemPromptFile, "error", err)
			continue
		}
		profile.SystemPrompt = string(body)
		cfg.AgentProfiles[name] = profile
	}
}

// printBanner prints a colored ASCII banner, the way the teacher's CLI
// greets an interactive terminal session.
func printBanner() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}

	cyan := "\033[36m"
	reset := "\033[0m"
	banner := `
  __ _  __ _  ___ _ __ | |_ ___  _ __ ___| |__
 / _` + "`" + ` |/ _` + "`" + ` |/ _ \ '_ \| __/ _ \| '__/ __| '_ \
| (_| | (_| |  __/ | | | || (_) | | | (__| | | |
 \__,_|\__, |\___|_| |_|\__\___/|_|  \___|_| |_|
       |___/
`
	fmt.Printf("%s%s%s\n", cyan, banner, reset)
}

// shouldSkipBanner checks whether the process was invoked with a flag
// that implies non-interactive, scripted use.
func shouldSkipBanner(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "--version" {
			return true
		}
	}
	return false
}
