// Package agent implements the model-driven agent entity: configuration,
// the run state machine with pause/resume for human-in-the-loop tools, and
// the framework tools wired in from knowledge, memory and session state.
package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/agentos/artifact"
	"github.com/hupe1980/agentos/knowledge"
	"github.com/hupe1980/agentos/logging"
	"github.com/hupe1980/agentos/memory"
	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/resolve"
	"github.com/hupe1980/agentos/session"
	"github.com/hupe1980/agentos/skill"
	"github.com/hupe1980/agentos/tool"
)

// InstructionsFunc computes the system instructions at run time.
type InstructionsFunc func(ctx context.Context, rc *resolve.Context) (string, error)

// Options configures NewAgent.
type Options struct {
	// ID identifies the agent; derived from Name when empty.
	ID string

	// Description tells delegating teams what this agent is good at.
	Description string

	// Instructions is the static system prompt. InstructionsFunc takes
	// precedence when both are set.
	Instructions     string
	InstructionsFunc InstructionsFunc

	// Tools is the static tool configuration; ToolsFunc makes it dynamic and
	// takes precedence for the run.
	Tools     []tool.Entry
	ToolsFunc resolve.ToolsFunc

	// Knowledge is the static knowledge capability; KnowledgeFunc makes it
	// dynamic and takes precedence for the run.
	Knowledge     knowledge.Knowledge
	KnowledgeFunc resolve.KnowledgeFunc

	// SearchKnowledge exposes the knowledge-search tool when a knowledge
	// capability is present (true by default).
	SearchKnowledge bool

	// AgenticKnowledgeFilters lets the model pass metadata filters to the
	// knowledge-search tool.
	AgenticKnowledgeFilters bool

	// Retriever overrides the retrieval path of the knowledge-search tool.
	Retriever knowledge.Retriever

	// UpdateKnowledge exposes the knowledge-write tool; requires a writable
	// knowledge capability.
	UpdateKnowledge bool

	// CacheCallables memoizes factory results per cache key (true by
	// default). CacheKeyFunc overrides key derivation.
	CacheCallables bool
	CacheKeyFunc   resolve.KeyFunc

	// OutputSchema requests structured final output. ParserModel, when set,
	// reformats the final content into the schema with a second model pass
	// instead of relying on native structured outputs.
	OutputSchema map[string]any
	ParserModel  model.Model

	// OutputModel regenerates the final response with a different model
	// after the run loop finishes.
	OutputModel model.Model

	// Reasoning enables an explicit plan-first reasoning phase before the
	// main loop, on ReasoningModel or the primary model.
	Reasoning      bool
	ReasoningModel model.Model

	// PreHooks run before the first model call; a hook error aborts the run.
	PreHooks []Hook

	// Skills are named instruction bundles rendered into the system prompt.
	Skills *skill.Skills

	// AddHistoryToContext prepends prior session runs to the transcript.
	// HistoryRuns bounds how many (3 by default).
	AddHistoryToContext bool
	HistoryRuns         int

	// EnableAgenticHistory exposes the chat-history tool.
	EnableAgenticHistory bool

	// EnableSearchHistory exposes the cross-session history search tool;
	// requires a session store implementing session.Searcher.
	EnableSearchHistory bool

	// EnableAgenticState exposes the session-state update tool.
	EnableAgenticState bool

	// MemoryManager enables user memory: context injection before the run
	// and an update pass after it. EnableAgenticMemory additionally exposes
	// the update_memory tool.
	MemoryManager       *memory.Manager
	EnableAgenticMemory bool

	// SessionStore persists session state and run history.
	SessionStore session.Store

	// ArtifactStore persists run media.
	ArtifactStore artifact.Store

	// StoreEvents keeps the full event log on persisted run outputs.
	StoreEvents bool

	// MaxIterations bounds model/tool rounds per run (10 by default).
	MaxIterations int

	// Logger receives structured diagnostics.
	Logger logging.Logger
}

// Agent is a configured model-driven entity. It is immutable after
// construction and safe for concurrent runs; per-run state lives in the run
// context and the internal run registry.
type Agent struct {
	id          string
	name        string
	description string
	model       model.Model

	instructions     string
	instructionsFunc InstructionsFunc

	tools         []tool.Entry
	toolsFunc     resolve.ToolsFunc
	knowledge     knowledge.Knowledge
	knowledgeFunc resolve.KnowledgeFunc
	resolver      *resolve.Resolver

	searchKnowledge         bool
	agenticKnowledgeFilters bool
	retriever               knowledge.Retriever
	updateKnowledge         bool

	outputSchema map[string]any
	parserModel  model.Model
	outputModel  model.Model

	reasoning      bool
	reasoningModel model.Model

	preHooks []Hook
	skills   *skill.Skills

	addHistory  bool
	historyRuns int

	agenticHistory bool
	searchHistory  bool
	agenticState   bool
	agenticMemory  bool
	memoryManager  *memory.Manager

	sessionStore  session.Store
	artifactStore artifact.Store
	storeEvents   bool

	maxIterations int
	logger        logging.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	paused map[string]*runState
}

// New constructs an Agent from a name and a model.
func New(name string, m model.Model, optFns ...func(o *Options)) *Agent {
	opts := Options{
		SearchKnowledge: true,
		CacheCallables:  true,
		HistoryRuns:     3,
		MaxIterations:   10,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	id := opts.ID
	if id == "" {
		id = slugify(name)
	}

	return &Agent{
		id:          id,
		name:        name,
		description: opts.Description,
		model:       m,

		instructions:     opts.Instructions,
		instructionsFunc: opts.InstructionsFunc,

		tools:         opts.Tools,
		toolsFunc:     opts.ToolsFunc,
		knowledge:     opts.Knowledge,
		knowledgeFunc: opts.KnowledgeFunc,
		resolver: resolve.NewResolver(func(o *resolve.Options) {
			o.CacheCallables = opts.CacheCallables
			o.KeyFunc = opts.CacheKeyFunc
			o.Logger = opts.Logger
		}),

		searchKnowledge:         opts.SearchKnowledge,
		agenticKnowledgeFilters: opts.AgenticKnowledgeFilters,
		retriever:               opts.Retriever,
		updateKnowledge:         opts.UpdateKnowledge,

		outputSchema: opts.OutputSchema,
		parserModel:  opts.ParserModel,
		outputModel:  opts.OutputModel,

		reasoning:      opts.Reasoning,
		reasoningModel: opts.ReasoningModel,

		preHooks: opts.PreHooks,
		skills:   opts.Skills,

		addHistory:  opts.AddHistoryToContext,
		historyRuns: opts.HistoryRuns,

		agenticHistory: opts.EnableAgenticHistory,
		searchHistory:  opts.EnableSearchHistory,
		agenticState:   opts.EnableAgenticState,
		agenticMemory:  opts.EnableAgenticMemory,
		memoryManager:  opts.MemoryManager,

		sessionStore:  opts.SessionStore,
		artifactStore: opts.ArtifactStore,
		storeEvents:   opts.StoreEvents,

		maxIterations: opts.MaxIterations,
		logger:        opts.Logger,

		active: make(map[string]context.CancelFunc),
		paused: make(map[string]*runState),
	}
}

// ID returns the agent id. Part of the team member contract.
func (a *Agent) ID() string { return a.id }

// Name returns the display name. Part of the team member contract.
func (a *Agent) Name() string { return a.name }

// Description returns the delegation description. Part of the team member
// contract.
func (a *Agent) Description() string { return a.description }

// Model returns the primary model.
func (a *Agent) Model() model.Model { return a.model }

// Resolver exposes the factory cache, e.g. for explicit invalidation.
func (a *Agent) Resolver() *resolve.Resolver { return a.resolver }

// slugify derives a URL-safe identifier from a display name.
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
