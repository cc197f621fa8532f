// Package providers holds the built-in check implementations behind the
// engine's provider registry.
package providers

import (
	"github.com/probelabs/visor/internal/engine"
)

// RegisterBuiltins wires every built-in provider type into a registry.
func RegisterBuiltins(reg *engine.Registry) {
	ai := &AIProvider{Backend: &SimulatedBackend{}}
	reg.Register("ai", ai)
	reg.Register("claude-code", &AIProvider{Backend: &SimulatedBackend{Flavor: "claude-code"}})
	reg.Register("mcp", &AIProvider{Backend: &SimulatedBackend{Flavor: "mcp"}})
	reg.Register("command", &CommandProvider{})
	reg.Register("http", &HTTPProvider{})
	reg.Register("http_client", &HTTPProvider{})
	reg.Register("http_input", &HTTPInputProvider{})
	reg.Register("memory", &MemoryProvider{})
	reg.Register("noop", &NoopProvider{})
	reg.Register("log", &LogProvider{})
	reg.Register("script", &ScriptProvider{})
	reg.Register("workflow", &WorkflowProvider{MaxDepth: 3})
	reg.Register("human-input", &HumanInputProvider{Asker: AutoApproveAsker{}})
	reg.Register("github", &GitHubProvider{})
	reg.Register("git-checkout", &GitCheckoutProvider{})
}
