// Package mcp exposes tools from Model Context Protocol servers as a toolkit.
// A toolkit owns one stdio subprocess session; idle sessions past the idle
// timeout are torn down and re-established on the next call.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/agentos/logging"
	"github.com/hupe1980/agentos/tool"
)

const protocolVersion = "2024-11-05"

// Options configures NewStdioToolkit.
type Options struct {
	// Env is extra environment for the server subprocess, as KEY=VALUE.
	Env []string

	// Filter limits which server tools are exposed.
	Filter []string

	// CallTimeout bounds a single tool call (1 minute by default).
	CallTimeout time.Duration

	// IdleTimeout tears down sessions idle longer than this; the next call
	// reconnects (10 minutes by default).
	IdleTimeout time.Duration

	// Logger receives connection diagnostics.
	Logger logging.Logger
}

// Toolkit is an MCP-backed tool.Toolkit. It is safe for concurrent use.
type Toolkit struct {
	name    string
	command string
	args    []string

	env         []string
	filter      map[string]bool
	callTimeout time.Duration
	idleTimeout time.Duration
	logger      logging.Logger

	mu       sync.Mutex
	client   *client.Client
	lastUsed time.Time
	tools    []tool.Tool
}

// NewStdioToolkit connects to an MCP server over stdio and discovers its
// tools. The returned toolkit plugs into an entity's tool configuration like
// any other toolkit; call Close when done.
func NewStdioToolkit(ctx context.Context, name, command string, args []string, optFns ...func(o *Options)) (*Toolkit, error) {
	opts := Options{
		CallTimeout: time.Minute,
		IdleTimeout: 10 * time.Minute,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var filter map[string]bool
	if len(opts.Filter) > 0 {
		filter = make(map[string]bool, len(opts.Filter))
		for _, n := range opts.Filter {
			filter[n] = true
		}
	}

	t := &Toolkit{
		name:        name,
		command:     command,
		args:        args,
		env:         opts.Env,
		filter:      filter,
		callTimeout: opts.CallTimeout,
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.connectLocked(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Name implements tool.Toolkit.
func (t *Toolkit) Name() string { return t.name }

// Tools implements tool.Toolkit. The set is discovered at connect time.
func (t *Toolkit) Tools() []tool.Tool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tools
}

// Close shuts the server session down. It satisfies the resolver's
// context-aware teardown contract.
func (t *Toolkit) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Toolkit) closeLocked() error {
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *Toolkit) connectLocked(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(t.command, t.env, t.args...)
	if err != nil {
		return fmt.Errorf("mcp %s: create client: %w", t.name, err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "agentos", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("mcp %s: initialize: %w", t.name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("mcp %s: list tools: %w", t.name, err)
	}

	var tools []tool.Tool
	for _, mt := range listResp.Tools {
		if t.filter != nil && !t.filter[mt.Name] {
			continue
		}
		tools = append(tools, &serverTool{
			toolkit:     t,
			name:        mt.Name,
			description: mt.Description,
			schema:      convertSchema(mt.InputSchema),
		})
	}

	t.client = mcpClient
	t.lastUsed = time.Now()
	t.tools = tools

	t.logger.Info("mcp.connected", "toolkit", t.name, "command", t.command, "tools", len(tools))
	return nil
}

// session returns a live client, reconnecting sessions idle past the timeout.
func (t *Toolkit) session(ctx context.Context) (*client.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil && time.Since(t.lastUsed) > t.idleTimeout {
		t.logger.Debug("mcp.session.stale", "toolkit", t.name)
		_ = t.closeLocked()
	}
	if t.client == nil {
		if err := t.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	t.lastUsed = time.Now()
	return t.client, nil
}

// serverTool adapts one MCP server tool to the tool.Tool contract.
type serverTool struct {
	toolkit     *Toolkit
	name        string
	description string
	schema      map[string]any
}

// Name implements tool.Tool.
func (s *serverTool) Name() string { return s.name }

// Description implements tool.Tool.
func (s *serverTool) Description() string { return s.description }

// Parameters implements tool.Tool.
func (s *serverTool) Parameters() map[string]any { return s.schema }

// Execute implements tool.Tool by forwarding the call to the server.
func (s *serverTool) Execute(tc *tool.Context, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(tc.Context(), s.toolkit.callTimeout)
	defer cancel()

	mcpClient, err := s.toolkit.session(ctx)
	if err != nil {
		return nil, err
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = s.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", s.name, err)
	}

	texts := textContent(resp)
	if resp.IsError {
		msg := "unknown error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, tool.NewToolError(s.name, msg, "EXECUTION_ERROR")
	}

	switch len(texts) {
	case 0:
		return "", nil
	case 1:
		return texts[0], nil
	default:
		return texts, nil
	}
}

func textContent(resp *mcpgo.CallToolResult) []string {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return texts
}

func convertSchema(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
