package plugin

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPConfig describes the MCP server backing an MCPPlugin.
type MCPConfig struct {
	// Name is the plugin name used in logs and the event record.
	Name string

	// Transport is "stdio" or "http".
	Transport string

	// Command is the executable (plus arguments, space-separated) for stdio
	// transport.
	Command string

	// URL is the endpoint for http transport.
	URL string

	// Env holds extra environment variables for stdio servers. May be nil.
	Env map[string]string

	// Tool is the MCP tool invoked for each matching event.
	Tool string

	// Trigger declares when the plugin runs.
	Trigger Trigger
}

// MCPPlugin adapts an MCP server tool into a Chronicle plugin: each matching
// event becomes one tool call carrying the event name, transcript text, and
// any condition data as arguments.
type MCPPlugin struct {
	cfg     MCPConfig
	session *mcpsdk.ClientSession
}

// Compile-time interface check.
var _ Plugin = (*MCPPlugin)(nil)

// NewMCPPlugin connects to the configured MCP server and verifies the target
// tool exists. The caller owns the plugin and must call Close when done.
func NewMCPPlugin(ctx context.Context, cfg MCPConfig) (*MCPPlugin, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("plugin: mcp config must have a non-empty name")
	}
	if cfg.Tool == "" {
		return nil, fmt.Errorf("plugin: mcp plugin %s requires a tool name", cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case "stdio":
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("plugin: mcp stdio plugin %s requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("plugin: mcp http plugin %s requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("plugin: mcp plugin %s has unknown transport %q", cfg.Name, cfg.Transport)
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "chronicle-plugin-host", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("plugin: connect mcp server for %s: %w", cfg.Name, err)
	}

	found := false
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("plugin: list tools for %s: %w", cfg.Name, err)
		}
		if tool.Name == cfg.Tool {
			found = true
			break
		}
	}
	if !found {
		_ = session.Close()
		return nil, fmt.Errorf("plugin: mcp server for %s does not expose tool %q", cfg.Name, cfg.Tool)
	}

	return &MCPPlugin{cfg: cfg, session: session}, nil
}

// Name implements Plugin.
func (p *MCPPlugin) Name() string { return p.cfg.Name }

// Trigger implements Plugin.
func (p *MCPPlugin) Trigger() Trigger { return p.cfg.Trigger }

// Execute implements Plugin: it forwards the event to the configured MCP
// tool and records the tool's textual output.
func (p *MCPPlugin) Execute(ctx context.Context, ev Event) (*Result, error) {
	args := map[string]any{
		"event":           ev.Name,
		"transcript":      ev.Text,
		"session_id":      ev.SessionID,
		"client_id":       ev.ClientID,
		"conversation_id": ev.ConversationID,
		"speaker":         ev.Speaker,
	}
	for k, v := range ev.Data {
		args[k] = v
	}

	res, err := p.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      p.cfg.Tool,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("plugin: call tool %s: %w", p.cfg.Tool, err)
	}

	var parts []string
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	out := strings.Join(parts, "\n")
	if res.IsError {
		return &Result{Success: false, Message: out}, fmt.Errorf("plugin: tool %s returned error: %s", p.cfg.Tool, out)
	}
	return &Result{Success: true, Message: out}, nil
}

// Close shuts down the MCP session.
func (p *MCPPlugin) Close() error {
	return p.session.Close()
}

// splitCommand splits a command string into executable and arguments on
// spaces. Quoting is not supported; paths with spaces need a wrapper script.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
