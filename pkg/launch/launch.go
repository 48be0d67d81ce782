// Package launch builds the argument vector and command line for child
// agent processes: OTLP exporter injection for codex sessions, verbatim
// pass-through for other agents, and shell resolution for terminal
// sessions.
package launch

import (
	"fmt"
	"net/url"

	"github.com/agentmux/agentmux/pkg/types"
)

// OTLPConfig describes the telemetry endpoint injected into codex args.
type OTLPConfig struct {
	Host  string
	Port  int
	Token string
	// LogUserPrompt toggles otel.log_user_prompt.
	LogUserPrompt bool
	// HistoryPersistence is passed to history.persistence.
	HistoryPersistence string
}

// InjectArgs returns the final argument vector for an agent process.
// Codex sessions get OTLP exporter config prepended so their telemetry
// lands on the gateway's per-session endpoint; every other agent type
// receives its arguments verbatim.
func InjectArgs(agentType types.AgentType, baseArgs []string, cfg OTLPConfig) []string {
	if agentType != types.AgentCodex {
		return baseArgs
	}

	exporter := fmt.Sprintf("http://%s:%d/v1/logs/%s",
		cfg.Host, cfg.Port, url.PathEscape(cfg.Token))
	injected := []string{
		"-c", fmt.Sprintf("otel.exporter=%q", exporter),
		"-c", fmt.Sprintf("otel.log_user_prompt=%t", cfg.LogUserPrompt),
	}
	if cfg.HistoryPersistence != "" {
		injected = append(injected,
			"-c", fmt.Sprintf("history.persistence=%q", cfg.HistoryPersistence))
	}
	return append(injected, baseArgs...)
}

// Env is an environment lookup, usually os.LookupEnv. Injected so shell
// resolution is testable without mutating the process environment.
type Env func(key string) (string, bool)

// ResolveTerminalCommand picks the shell for a terminal session with the
// precedence SHELL, then ComSpec, then a platform default ("cmd.exe" on
// windows, "sh" elsewhere). goos is runtime.GOOS.
func ResolveTerminalCommand(env Env, goos string) string {
	if shell, ok := env("SHELL"); ok && shell != "" {
		return shell
	}
	if comspec, ok := env("ComSpec"); ok && comspec != "" {
		return comspec
	}
	if goos == "windows" {
		return "cmd.exe"
	}
	return "sh"
}
