// Package agentos provides a high-level façade over agents, teams and the
// serving surface. Most applications interact with this package by:
//  1. Creating an AgentOS via New()
//  2. Registering one or more agents and teams
//  3. Running them directly (Run/RunStream, Continue for paused runs) or
//     serving them over HTTP via Serve()
//
// The façade keeps setup concise; all orchestration lives in the agent and
// team packages. Defaults are safe for local development and testing.
package agentos

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentos/agent"
	"github.com/hupe1980/agentos/logging"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/server"
	"github.com/hupe1980/agentos/team"
)

// Options configures the AgentOS instance.
type Options struct {
	// Addr is the HTTP listen address used by Serve (":7777" by default).
	Addr string

	// APIKey, when set, protects the HTTP and websocket surfaces.
	APIKey string

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// AgentOS aggregates registered entities behind one entry point.
type AgentOS struct {
	opts Options

	agents map[string]*agent.Agent
	teams  map[string]*team.Team
}

// New creates a new AgentOS instance with optional overrides.
func New(optFns ...func(o *Options)) *AgentOS {
	opts := Options{
		Addr:   ":7777",
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &AgentOS{
		opts:   opts,
		agents: make(map[string]*agent.Agent),
		teams:  make(map[string]*team.Team),
	}
}

// RegisterAgent makes an agent addressable by its id.
func (m *AgentOS) RegisterAgent(a *agent.Agent) { m.agents[a.ID()] = a }

// RegisterTeam makes a team addressable by its id.
func (m *AgentOS) RegisterTeam(t *team.Team) { m.teams[t.ID()] = t }

// Agent looks up a registered agent.
func (m *AgentOS) Agent(id string) (*agent.Agent, bool) {
	a, ok := m.agents[id]
	return a, ok
}

// Team looks up a registered team.
func (m *AgentOS) Team(id string) (*team.Team, bool) {
	t, ok := m.teams[id]
	return t, ok
}

// Run executes a registered agent or team by id and blocks until the run
// reaches a stable state (terminal or paused).
func (m *AgentOS) Run(ctx context.Context, id, input string, optFns ...func(o *RunOptions)) (*run.Output, error) {
	opts := RunOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if a, ok := m.agents[id]; ok {
		return a.Run(ctx, input, func(o *agent.RunOptions) {
			o.SessionID = opts.SessionID
			o.UserID = opts.UserID
		})
	}
	if t, ok := m.teams[id]; ok {
		return t.Run(ctx, input, func(o *team.RunOptions) {
			o.SessionID = opts.SessionID
			o.UserID = opts.UserID
		})
	}
	return nil, fmt.Errorf("no agent or team registered with id %s", id)
}

// RunOptions carries the per-run parameters of AgentOS.Run.
type RunOptions struct {
	SessionID string
	UserID    string
}

// Continue resumes a paused run on the entity that owns it.
func (m *AgentOS) Continue(ctx context.Context, id, runID string, tools []*run.ToolExecution) (*run.Output, error) {
	if a, ok := m.agents[id]; ok {
		return a.Continue(ctx, runID, tools)
	}
	if t, ok := m.teams[id]; ok {
		return t.Continue(ctx, runID, tools)
	}
	return nil, fmt.Errorf("no agent or team registered with id %s", id)
}

// Cancel stops an active or paused run. Returns false when no such run is
// addressable.
func (m *AgentOS) Cancel(id, runID string) bool {
	if a, ok := m.agents[id]; ok {
		return a.Cancel(runID)
	}
	if t, ok := m.teams[id]; ok {
		return t.Cancel(runID)
	}
	return false
}

// Serve exposes all registered entities over HTTP until ctx is cancelled.
func (m *AgentOS) Serve(ctx context.Context) error {
	srv := server.New(func(o *server.Options) {
		o.Addr = m.opts.Addr
		o.APIKey = m.opts.APIKey
		o.Logger = m.opts.Logger
	})
	for _, a := range m.agents {
		srv.RegisterAgent(a)
	}
	for _, t := range m.teams {
		srv.RegisterTeam(t)
	}
	return srv.ListenAndServe(ctx)
}
