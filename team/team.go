// Package team implements multi-agent coordination: a team is a model-driven
// entity that delegates tasks to its members (agents or nested teams) through
// function calls, aggregates their outputs and propagates pauses from member
// runs to the team caller.
package team

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/agentos/logging"
	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/resolve"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/session"
	"github.com/hupe1980/agentos/tool"
)

// MaxMemberDepth bounds recursion when routing continuations through nested
// teams. Deeper hierarchies are a configuration error.
const MaxMemberDepth = 16

// Member is a runnable team member: an agent or a nested team. It extends the
// descriptive run.Member contract with execution and continuation.
type Member interface {
	run.Member

	// RunMember executes the member on a delegated task within the team's
	// session.
	RunMember(ctx context.Context, input, sessionID, userID string) (*run.Output, error)

	// ContinueMember resumes a paused member run with updated tool data.
	ContinueMember(ctx context.Context, runID string, tools []*run.ToolExecution) (*run.Output, error)
}

// Options configures New.
type Options struct {
	// ID identifies the team; derived from Name when empty.
	ID string

	// Description tells parent teams what this team is good at.
	Description string

	// Instructions is the coordinator system prompt.
	Instructions string

	// Members is the static member list; MembersFunc makes it dynamic and
	// takes precedence for the run.
	Members     []Member
	MembersFunc resolve.MembersFunc

	// Tools are the team's own tools, available alongside delegation.
	Tools     []tool.Entry
	ToolsFunc resolve.ToolsFunc

	// EnableTasks exposes the shared task-list tools so the coordinator can
	// plan and track work across delegations.
	EnableTasks bool

	// CacheCallables / CacheKeyFunc control factory result caching.
	CacheCallables bool
	CacheKeyFunc   resolve.KeyFunc

	// SessionStore persists team session state and run history.
	SessionStore session.Store

	// StoreEvents keeps the full event log on persisted run outputs.
	StoreEvents bool

	// MaxIterations bounds coordinator model/tool rounds (10 by default).
	MaxIterations int

	// Logger receives structured diagnostics.
	Logger logging.Logger
}

// Team coordinates members through a model. It is immutable after
// construction and safe for concurrent runs.
type Team struct {
	id           string
	name         string
	description  string
	model        model.Model
	instructions string

	members     []Member
	membersFunc resolve.MembersFunc
	tools       []tool.Entry
	toolsFunc   resolve.ToolsFunc
	resolver    *resolve.Resolver

	enableTasks bool

	sessionStore session.Store
	storeEvents  bool

	maxIterations int
	logger        logging.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	paused map[string]*teamState
}

// New constructs a Team from a name and a coordinator model.
func New(name string, m model.Model, optFns ...func(o *Options)) *Team {
	opts := Options{
		CacheCallables: true,
		MaxIterations:  10,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	id := opts.ID
	if id == "" {
		id = slugify(name)
	}

	return &Team{
		id:           id,
		name:         name,
		description:  opts.Description,
		model:        m,
		instructions: opts.Instructions,

		members:     opts.Members,
		membersFunc: opts.MembersFunc,
		tools:       opts.Tools,
		toolsFunc:   opts.ToolsFunc,
		resolver: resolve.NewResolver(func(o *resolve.Options) {
			o.CacheCallables = opts.CacheCallables
			o.KeyFunc = opts.CacheKeyFunc
			o.Logger = opts.Logger
		}),

		enableTasks: opts.EnableTasks,

		sessionStore: opts.SessionStore,
		storeEvents:  opts.StoreEvents,

		maxIterations: opts.MaxIterations,
		logger:        opts.Logger,

		active: make(map[string]context.CancelFunc),
		paused: make(map[string]*teamState),
	}
}

// ID returns the team id. Part of the member contract.
func (t *Team) ID() string { return t.id }

// Name returns the display name. Part of the member contract.
func (t *Team) Name() string { return t.name }

// Description returns the delegation description. Part of the member
// contract.
func (t *Team) Description() string { return t.description }

// Members returns the static member list.
func (t *Team) Members() []Member { return t.members }

// Resolver exposes the factory cache, e.g. for explicit invalidation.
func (t *Team) Resolver() *resolve.Resolver { return t.resolver }

// RunMember implements Member so teams nest inside other teams.
func (t *Team) RunMember(ctx context.Context, input, sessionID, userID string) (*run.Output, error) {
	return t.Run(ctx, input, func(o *RunOptions) {
		o.SessionID = sessionID
		o.UserID = userID
	})
}

// ContinueMember implements Member.
func (t *Team) ContinueMember(ctx context.Context, runID string, tools []*run.ToolExecution) (*run.Output, error) {
	return t.Continue(ctx, runID, tools)
}

// FindMember locates a member by id, searching direct members first and then
// recursing into nested teams up to MaxMemberDepth. A match found inside a
// nested team resolves to the direct sub-team containing it, not the leaf:
// each team routes continuations one boundary at a time, and the sub-team
// owning the paused member run forwards from there.
func (t *Team) FindMember(id string) (Member, bool) {
	return findMember(t.members, id, 0)
}

func findMember(members []Member, id string, depth int) (Member, bool) {
	if depth >= MaxMemberDepth {
		return nil, false
	}
	for _, m := range members {
		if m.ID() == id {
			return m, true
		}
	}
	for _, m := range members {
		if nested, ok := m.(*Team); ok {
			if _, ok := findMember(nested.members, id, depth+1); ok {
				return nested, true
			}
		}
	}
	return nil, false
}

func slugify(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			sb.WriteRune('-')
		}
	}
	s := strings.Trim(sb.String(), "-")
	if s == "" {
		return uuid.NewString()
	}
	return s
}
