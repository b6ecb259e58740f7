package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentos/artifact"
	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/resolve"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/tool"
)

// errPaused signals the run loop suspended for human-in-the-loop input.
var errPaused = errors.New("run paused")

// RunOptions configures one run invocation.
type RunOptions struct {
	// SessionID groups runs into a conversation; generated when empty.
	SessionID string

	// UserID attributes the run to a user (memory, cache keys).
	UserID string

	// Images / Files attach input media to the run.
	Images []artifact.Artifact
	Files  []artifact.Artifact

	// OutputSchema overrides the agent's configured output schema for this
	// call only; the agent configuration is never mutated.
	OutputSchema map[string]any
}

// runState is the in-flight state of one run. It survives a pause and is
// consumed by continuation.
type runState struct {
	output *run.Output
	rc     *run.Context

	fns      []*tool.Function
	fnIndex  map[string]*tool.Function
	builtins []map[string]any

	systemPrompt string
	messages     []run.Message

	schema map[string]any
	strict bool

	toolState *tool.State
	media     *tool.Media

	pending    []*run.ToolExecution
	iterations int
	input      string
}

func (st *runState) ref(agentID string) run.EntityRef {
	return run.EntityRef{RunID: st.output.RunID, AgentID: agentID, SessionID: st.output.SessionID}
}

func (st *runState) contentType() string {
	if st.strict {
		return "json"
	}
	return "str"
}

// emitter fans events out to the caller's channel and, when configured, into
// the run output's event log.
type emitter struct {
	ch    chan run.Event
	st    *runState
	store bool
}

func (e *emitter) emit(ctx context.Context, ev run.Event) {
	if e.store {
		e.st.output.Events = append(e.st.output.Events, ev)
	}
	select {
	case e.ch <- ev:
	case <-ctx.Done():
	}
}

// last delivers the event that ends the stream. The send must not race against
// run-context cancellation: a cancelled run still owes its caller a final
// event. The channel is buffered and closed right after the emitting goroutine
// returns, so the send cannot block behind a live consumer.
func (e *emitter) last(ev run.Event) {
	if e.store {
		e.st.output.Events = append(e.st.output.Events, ev)
	}
	e.ch <- ev
}

// Run executes the agent to completion (or pause) and returns the run output.
func (a *Agent) Run(ctx context.Context, input string, optFns ...func(o *RunOptions)) (*run.Output, error) {
	st, ch, err := a.start(ctx, input, optFns...)
	if err != nil {
		return nil, err
	}
	for range ch {
		// Drain; callers wanting the stream use RunStream.
	}
	return st.output, nil
}

// RunStream executes the agent and streams its events. The channel closes
// after the terminal (or pause) event.
func (a *Agent) RunStream(ctx context.Context, input string, optFns ...func(o *RunOptions)) (<-chan run.Event, error) {
	_, ch, err := a.start(ctx, input, optFns...)
	return ch, err
}

func (a *Agent) start(ctx context.Context, input string, optFns ...func(o *RunOptions)) (*runState, chan run.Event, error) {
	if a.model == nil {
		return nil, nil, fmt.Errorf("agent %s: no model configured", a.id)
	}
	if input == "" {
		return nil, nil, fmt.Errorf("agent %s: input must not be empty", a.id)
	}

	var opts RunOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	rc := run.NewContext(opts.SessionID, opts.UserID)
	rc.Images = opts.Images
	rc.Files = opts.Files

	schema := a.outputSchema
	if opts.OutputSchema != nil {
		schema = opts.OutputSchema
	}

	st := &runState{
		rc:     rc,
		schema: schema,
		input:  input,
		output: &run.Output{
			RunID:     rc.RunID,
			SessionID: rc.SessionID,
			UserID:    rc.UserID,
			AgentID:   a.id,
			Status:    run.StatusRunning,
			Metrics:   &run.Metrics{},
			CreatedAt: time.Now(),
		},
	}

	a.saveMedia(ctx, st)

	ch := make(chan run.Event, 256)
	em := &emitter{ch: ch, st: st, store: a.storeEvents}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.active[st.output.RunID] = cancel
	a.mu.Unlock()

	go func() {
		defer close(ch)
		defer cancel()
		a.execute(runCtx, st, em)
	}()

	return st, ch, nil
}

// Cancel stops a running run, or discards a paused one. It reports whether a
// run with the given id was found.
func (a *Agent) Cancel(runID string) bool {
	a.mu.Lock()
	if cancel, ok := a.active[runID]; ok {
		delete(a.active, runID)
		a.mu.Unlock()
		cancel()
		return true
	}
	st, ok := a.paused[runID]
	if ok {
		delete(a.paused, runID)
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	st.output.Status = run.StatusCancelled
	st.output.Requirements = nil
	a.persist(context.Background(), st)
	return true
}

// PausedRun returns the output of a paused run awaiting continuation.
func (a *Agent) PausedRun(runID string) (*run.Output, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.paused[runID]
	if !ok {
		return nil, false
	}
	return st.output, true
}

// Continue resumes a paused run with updated tool executions and runs it to
// the next pause or completion.
func (a *Agent) Continue(ctx context.Context, runID string, tools []*run.ToolExecution) (*run.Output, error) {
	st, ch, err := a.resume(ctx, runID, tools)
	if err != nil {
		return nil, err
	}
	for range ch {
	}
	return st.output, nil
}

// ContinueStream resumes a paused run and streams its events.
func (a *Agent) ContinueStream(ctx context.Context, runID string, tools []*run.ToolExecution) (<-chan run.Event, error) {
	_, ch, err := a.resume(ctx, runID, tools)
	return ch, err
}

func (a *Agent) resume(ctx context.Context, runID string, tools []*run.ToolExecution) (*runState, chan run.Event, error) {
	a.mu.Lock()
	st, ok := a.paused[runID]
	if ok {
		delete(a.paused, runID)
	}
	a.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("agent %s: no paused run with id %s", a.id, runID)
	}

	// Route caller-updated tool data onto the pending executions by call id.
	// All ids are validated before anything is applied: a rejected continuation
	// must re-stash the run exactly as it was paused.
	byCallID := make(map[string]*run.ToolExecution, len(st.pending))
	for _, exec := range st.pending {
		byCallID[exec.ToolCallID] = exec
	}
	for _, update := range tools {
		if _, ok := byCallID[update.ToolCallID]; !ok {
			a.mu.Lock()
			a.paused[runID] = st
			a.mu.Unlock()
			return nil, nil, fmt.Errorf("agent %s: run %s has no pending tool call %s", a.id, runID, update.ToolCallID)
		}
	}
	for _, update := range tools {
		exec := byCallID[update.ToolCallID]
		exec.Confirmed = update.Confirmed
		if update.Result != nil {
			exec.Result = update.Result
		}
		if update.Arguments != nil {
			exec.Arguments = update.Arguments
		}
	}

	ch := make(chan run.Event, 256)
	em := &emitter{ch: ch, st: st, store: a.storeEvents}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.active[st.output.RunID] = cancel
	a.mu.Unlock()

	go func() {
		defer close(ch)
		defer cancel()

		segment := time.Now()
		defer func() {
			st.output.Metrics.Duration += time.Since(segment)
		}()

		st.output.Status = run.StatusRunning
		st.output.Requirements = nil
		em.emit(runCtx, run.NewRunContinued(st.ref(a.id)))

		pending := st.pending
		st.pending = nil
		for _, exec := range pending {
			a.settlePending(runCtx, st, em, exec)
		}

		a.finish(runCtx, st, em, a.loop(runCtx, st, em))
	}()

	return st, ch, nil
}

// execute drives a fresh run from resolution through the terminal event.
func (a *Agent) execute(ctx context.Context, st *runState, em *emitter) {
	segment := time.Now()
	defer func() {
		st.output.Metrics.Duration += time.Since(segment)
	}()

	rctx := &resolve.Context{Agent: a, RunContext: st.rc, SessionState: st.rc.SessionState}
	if err := a.resolver.Apply(ctx, rctx, resolve.Sources{Tools: a.toolsFunc, Knowledge: a.knowledgeFunc}); err != nil {
		a.fail(ctx, st, em, "resolve_error", err)
		return
	}

	if err := a.assemble(st); err != nil {
		a.fail(ctx, st, em, "tool_error", err)
		return
	}

	if a.sessionStore != nil {
		sess, err := a.sessionStore.Get(ctx, st.rc.SessionID)
		if err != nil {
			a.fail(ctx, st, em, "session_error", err)
			return
		}
		for k, v := range sess.State {
			if _, ok := st.rc.SessionState[k]; !ok {
				st.rc.SessionState[k] = v
			}
		}
	}
	st.toolState = tool.NewState(st.rc.SessionState)

	info := a.model.Info()
	em.emit(ctx, run.NewRunStarted(st.ref(a.id), info.ID, info.Provider))

	for _, h := range a.preHooks {
		em.emit(ctx, run.NewPreHookStarted(st.ref(a.id), h.Name()))
		if err := h.Run(ctx, &HookContext{Input: st.input, RunContext: st.rc}); err != nil {
			a.fail(ctx, st, em, "hook_error", fmt.Errorf("pre-hook %s: %w", h.Name(), err))
			return
		}
		em.emit(ctx, run.NewPreHookCompleted(st.ref(a.id), h.Name()))
	}

	if err := a.buildPrompt(ctx, st, rctx); err != nil {
		a.fail(ctx, st, em, "prompt_error", err)
		return
	}

	if a.addHistory && a.sessionStore != nil {
		a.prependHistory(ctx, st)
	}
	st.messages = append(st.messages, run.Message{Role: "user", Content: st.input})

	if a.reasoning {
		a.reasoningPhase(ctx, st, em)
	}

	a.finish(ctx, st, em, a.loop(ctx, st, em))
}

// assemble turns the effective tool configuration into the run's function
// table, separating provider-native builtins from framework functions.
func (a *Agent) assemble(st *runState) error {
	entries := a.tools
	if a.toolsFunc != nil {
		entries = st.rc.Tools
	}
	kn := a.knowledge
	if a.knowledgeFunc != nil {
		kn = st.rc.Knowledge
	}

	all := append(append([]tool.Entry{}, entries...), a.frameworkTools(kn)...)

	st.strict = a.model.Info().SupportsStructuredOutputs && st.schema != nil && a.parserModel == nil

	fns, err := tool.Assemble(all, func(o *tool.AssemblyOptions) {
		o.Strict = st.strict
		o.Logger = a.logger
	})
	if err != nil {
		return err
	}

	st.fnIndex = make(map[string]*tool.Function, len(fns))
	for _, fn := range fns {
		if fn.IsBuiltin() {
			st.builtins = append(st.builtins, fn.Builtin())
			continue
		}
		st.fns = append(st.fns, fn)
		st.fnIndex[fn.Name()] = fn
	}

	if tool.AnyRequiresMedia(st.fns) {
		st.media = &tool.Media{Images: st.rc.Images, Files: st.rc.Files}
	}
	return nil
}

func (a *Agent) buildPrompt(ctx context.Context, st *runState, rctx *resolve.Context) error {
	instr := a.instructions
	if a.instructionsFunc != nil {
		resolved, err := a.instructionsFunc(ctx, rctx)
		if err != nil {
			return fmt.Errorf("resolve instructions: %w", err)
		}
		instr = resolved
	}
	if instr == "" {
		instr = fmt.Sprintf("You are %s, a helpful AI assistant.", a.name)
	}
	st.systemPrompt = instr

	if a.skills != nil {
		if block := a.skills.Prompt(); block != "" {
			st.systemPrompt += "\n\n" + block
		}
	}

	if a.memoryManager != nil && st.rc.UserID != "" {
		block, err := a.memoryManager.RenderContext(ctx, st.rc.UserID)
		if err != nil {
			a.logger.Warn("agent.memory.context_failed", "agent", a.id, "error", err.Error())
		} else if block != "" {
			st.systemPrompt += "\n\n" + block
		}
	}
	return nil
}

func (a *Agent) prependHistory(ctx context.Context, st *runState) {
	history, err := a.sessionStore.History(ctx, st.rc.SessionID, a.historyRuns)
	if err != nil {
		a.logger.Warn("agent.history.load_failed", "agent", a.id, "error", err.Error())
		return
	}
	for _, prior := range history {
		if prior.RunID == st.output.RunID {
			continue
		}
		for _, msg := range prior.Messages {
			if msg.Role == "user" || (msg.Role == "assistant" && len(msg.ToolCalls) == 0) {
				st.messages = append(st.messages, run.Message{Role: msg.Role, Content: msg.Content})
			}
		}
	}
}

// reasoningPhase runs an explicit plan-first pass; failures degrade to a
// normal run instead of aborting.
func (a *Agent) reasoningPhase(ctx context.Context, st *runState, em *emitter) {
	m := a.reasoningModel
	if m == nil {
		m = a.model
	}

	em.emit(ctx, run.NewReasoningStarted(st.ref(a.id)))

	respCh, errCh := m.Generate(ctx, model.Request{
		SystemPrompt: "Think step by step about how to best solve the task. Produce a short numbered plan. Do not solve the task itself.",
		Messages:     []run.Message{{Role: "user", Content: st.input}},
		Stream:       true,
	})

	var plan string
	for resp := range respCh {
		if resp.Partial {
			em.emit(ctx, run.NewReasoningStep(st.ref(a.id), resp.Content))
			continue
		}
		plan = resp.Content
		if resp.Usage != nil {
			st.output.Metrics.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}
	}
	if err := <-errCh; err != nil {
		a.logger.Warn("agent.reasoning.failed", "agent", a.id, "error", err.Error())
		em.emit(ctx, run.NewReasoningCompleted(st.ref(a.id), ""))
		return
	}

	em.emit(ctx, run.NewReasoningCompleted(st.ref(a.id), plan))
	if plan != "" {
		st.systemPrompt += "\n\n<reasoning_plan>\n" + plan + "\n</reasoning_plan>"
	}
}

// loop is the model/tool iteration core. It returns nil on final content,
// errPaused when suspended, or the fatal error.
func (a *Agent) loop(ctx context.Context, st *runState, em *emitter) error {
	defs := make([]model.ToolDefinition, 0, len(st.fns))
	for _, fn := range st.fns {
		defs = append(defs, model.ToolDefinition{
			Name:        fn.Name(),
			Description: fn.Description(),
			Parameters:  fn.Parameters(),
			Strict:      fn.Strict(),
		})
	}

	for st.iterations < a.maxIterations {
		st.iterations++

		req := model.Request{
			SystemPrompt: st.systemPrompt,
			Messages:     st.messages,
			Tools:        defs,
			Builtins:     st.builtins,
			Stream:       true,
		}
		if st.strict {
			req.OutputSchema = st.schema
		}

		respCh, errCh := a.model.Generate(ctx, req)

		var final model.Response
		streamed := false
		for resp := range respCh {
			if resp.Partial {
				streamed = true
				em.emit(ctx, run.NewRunContent(st.ref(a.id), resp.Content, st.contentType()))
				continue
			}
			final = resp
		}
		if err := <-errCh; err != nil {
			return fmt.Errorf("model: %w", err)
		}
		if final.Usage != nil {
			st.output.Metrics.AddTokens(final.Usage.InputTokens, final.Usage.OutputTokens)
		}

		if len(final.ToolCalls) == 0 {
			st.output.Content = final.Content
			if !streamed {
				em.emit(ctx, run.NewRunContent(st.ref(a.id), final.Content, st.contentType()))
			}
			st.messages = append(st.messages, run.Message{Role: "assistant", Content: final.Content})
			return nil
		}

		st.messages = append(st.messages, run.Message{
			Role:      "assistant",
			Content:   final.Content,
			ToolCalls: final.ToolCalls,
		})

		var pending []*run.ToolExecution
		var stopContent string
		stop := false

		for _, call := range final.ToolCalls {
			exec := a.newExecution(st, call)
			if exec.Pending() {
				pending = append(pending, exec)
				continue
			}
			a.executeTool(ctx, st, em, exec)
			if fn, ok := st.fnIndex[exec.ToolName]; ok && fn.StopAfterCall() && exec.Error == "" {
				stop = true
				stopContent = stringifyResult(exec.Result)
			}
		}

		if len(pending) > 0 {
			a.pause(ctx, st, em, pending)
			return errPaused
		}

		if stop {
			st.output.Content = stopContent
			em.emit(ctx, run.NewRunContent(st.ref(a.id), stopContent, st.contentType()))
			st.messages = append(st.messages, run.Message{Role: "assistant", Content: stopContent})
			return nil
		}
	}

	return fmt.Errorf("run exceeded max iterations (%d)", a.maxIterations)
}

// newExecution records a model-requested tool call, carrying over the
// human-in-the-loop flags from the assembled function. Unknown tool names get
// an immediate error result so the model can self-correct.
func (a *Agent) newExecution(st *runState, call run.ToolCall) *run.ToolExecution {
	exec := &run.ToolExecution{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
	if len(call.Arguments) > 0 {
		args := make(map[string]any)
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			a.logger.Warn("agent.tool.bad_arguments", "tool", call.Name, "error", err.Error())
		} else {
			exec.Arguments = args
		}
	}
	if fn, ok := st.fnIndex[call.Name]; ok {
		exec.RequiresConfirmation = fn.RequiresConfirmation()
		exec.RequiresUserInput = fn.RequiresUserInput()
		exec.ExternalExecutionRequired = fn.ExternalExecution()
		exec.StopAfterCall = fn.StopAfterCall()
	}
	st.output.Tools = append(st.output.Tools, exec)
	return exec
}

// executeTool runs one settled (non-pending) execution and appends its result
// to the transcript.
func (a *Agent) executeTool(ctx context.Context, st *runState, em *emitter, exec *run.ToolExecution) {
	now := time.Now()
	exec.StartedAt = &now
	em.emit(ctx, run.NewToolCallStarted(st.ref(a.id), exec))

	fn, ok := st.fnIndex[exec.ToolName]
	if !ok {
		exec.Error = fmt.Sprintf("unknown tool %q", exec.ToolName)
	} else {
		tc := tool.NewContext(ctx, st.toolState, a.logger)
		tc.RunID = st.output.RunID
		tc.SessionID = st.output.SessionID
		tc.UserID = st.output.UserID
		tc.AgentID = a.id
		tc.CallID = exec.ToolCallID
		tc.Media = st.media

		result, err := fn.Execute(tc, exec.Arguments)
		if err != nil {
			exec.Error = err.Error()
		} else {
			exec.Result = result
		}
	}

	done := time.Now()
	exec.CompletedAt = &done
	em.emit(ctx, run.NewToolCallCompleted(st.ref(a.id), exec))

	st.messages = append(st.messages, toolResultMessage(exec))
}

// settlePending resolves one previously paused execution after continuation.
// Every path emits a balanced started/completed event pair, including declined
// and externally executed calls that never run a tool body in-process.
func (a *Agent) settlePending(ctx context.Context, st *runState, em *emitter, exec *run.ToolExecution) {
	switch {
	case exec.RequiresConfirmation && !exec.Confirmed:
		now := time.Now()
		exec.StartedAt = &now
		em.emit(ctx, run.NewToolCallStarted(st.ref(a.id), exec))
		exec.Error = "tool execution declined by user"
		done := time.Now()
		exec.CompletedAt = &done
		em.emit(ctx, run.NewToolCallCompleted(st.ref(a.id), exec))
		st.messages = append(st.messages, toolResultMessage(exec))

	case exec.ExternalExecutionRequired || exec.RequiresUserInput:
		now := time.Now()
		exec.StartedAt = &now
		em.emit(ctx, run.NewToolCallStarted(st.ref(a.id), exec))
		if exec.Result == nil {
			exec.Error = "no result provided for tool execution"
		}
		done := time.Now()
		exec.CompletedAt = &done
		em.emit(ctx, run.NewToolCallCompleted(st.ref(a.id), exec))
		st.messages = append(st.messages, toolResultMessage(exec))

	default:
		// Confirmed: run the tool body now.
		a.executeTool(ctx, st, em, exec)
	}
}

// pause suspends the run, exposing all pending executions together so the
// caller can settle them in one continuation.
func (a *Agent) pause(ctx context.Context, st *runState, em *emitter, pending []*run.ToolExecution) {
	st.pending = pending
	st.output.Status = run.StatusPaused
	st.output.Requirements = buildRequirements(pending)
	st.output.Messages = st.messages

	em.last(run.NewRunPaused(st.ref(a.id), pending, st.output.Requirements))

	a.mu.Lock()
	delete(a.active, st.output.RunID)
	a.paused[st.output.RunID] = st
	a.mu.Unlock()

	a.persist(ctx, st)
}

// finish handles the common tail of run and continuation: post passes,
// terminal event, persistence.
func (a *Agent) finish(ctx context.Context, st *runState, em *emitter, err error) {
	if errors.Is(err, errPaused) {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			a.cancelled(ctx, st, em)
			return
		}
		a.fail(ctx, st, em, "model_error", err)
		return
	}

	if perr := a.parserPass(ctx, st, em); perr != nil {
		a.fail(ctx, st, em, "parser_error", perr)
		return
	}
	if oerr := a.outputPass(ctx, st, em); oerr != nil {
		a.fail(ctx, st, em, "output_model_error", oerr)
		return
	}

	if a.memoryManager != nil && st.output.UserID != "" {
		em.emit(ctx, run.NewMemoryUpdateStarted(st.ref(a.id)))
		if _, merr := a.memoryManager.Update(ctx, st.output.UserID, st.messages); merr != nil {
			a.logger.Warn("agent.memory.update_failed", "agent", a.id, "error", merr.Error())
		}
		em.emit(ctx, run.NewMemoryUpdateCompleted(st.ref(a.id)))
	}

	st.output.Status = run.StatusCompleted
	st.output.Messages = st.messages
	completed := run.NewRunCompleted(st.ref(a.id), st.output.Content, st.output.Metrics)
	completed.ParsedContent = st.output.ParsedContent
	em.last(completed)

	a.mu.Lock()
	delete(a.active, st.output.RunID)
	a.mu.Unlock()

	a.persist(ctx, st)
}

// parserPass produces ParsedContent when an output schema is in effect:
// native structured outputs validate in place, otherwise the parser model
// reformats the content.
func (a *Agent) parserPass(ctx context.Context, st *runState, em *emitter) error {
	if st.schema == nil {
		return nil
	}

	if st.strict {
		if json.Valid([]byte(st.output.Content)) {
			st.output.ParsedContent = json.RawMessage(st.output.Content)
		}
		return nil
	}
	if a.parserModel == nil {
		return nil
	}

	em.emit(ctx, run.NewParserModelResponseStarted(st.ref(a.id)))

	raw, err := json.Marshal(st.schema)
	if err != nil {
		return err
	}
	respCh, errCh := a.parserModel.Generate(ctx, model.Request{
		SystemPrompt: "Reformat the given response so it conforms to this JSON schema. Respond with JSON only.\n\nSchema:\n" + string(raw),
		Messages:     []run.Message{{Role: "user", Content: st.output.Content}},
		OutputSchema: st.schema,
	})

	var content string
	for resp := range respCh {
		if !resp.Partial {
			content = resp.Content
			if resp.Usage != nil {
				st.output.Metrics.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
			}
		}
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("parser model: %w", err)
	}
	if !json.Valid([]byte(content)) {
		return fmt.Errorf("parser model returned invalid JSON")
	}

	st.output.ParsedContent = json.RawMessage(content)
	em.emit(ctx, run.NewParserModelResponseCompleted(st.ref(a.id)))
	return nil
}

// outputPass regenerates the final response with the configured output model.
func (a *Agent) outputPass(ctx context.Context, st *runState, em *emitter) error {
	if a.outputModel == nil {
		return nil
	}

	em.emit(ctx, run.NewOutputModelResponseStarted(st.ref(a.id)))

	respCh, errCh := a.outputModel.Generate(ctx, model.Request{
		SystemPrompt: st.systemPrompt + "\n\nRewrite the final assistant response in your own voice. Keep all facts intact.",
		Messages:     st.messages,
	})

	var content string
	for resp := range respCh {
		if !resp.Partial {
			content = resp.Content
			if resp.Usage != nil {
				st.output.Metrics.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
			}
		}
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("output model: %w", err)
	}

	if content != "" {
		st.output.Content = content
		em.emit(ctx, run.NewRunContent(st.ref(a.id), content, st.contentType()))
	}
	em.emit(ctx, run.NewOutputModelResponseCompleted(st.ref(a.id)))
	return nil
}

func (a *Agent) fail(ctx context.Context, st *runState, em *emitter, errorType string, err error) {
	a.logger.Error("agent.run.error", "agent", a.id, "run", st.output.RunID, "type", errorType, "error", err.Error())

	st.output.Status = run.StatusError
	st.output.Messages = st.messages
	em.last(run.NewRunError(st.ref(a.id), errorType, uuid.NewString(), err.Error()))

	a.mu.Lock()
	delete(a.active, st.output.RunID)
	a.mu.Unlock()

	a.persist(ctx, st)
}

func (a *Agent) cancelled(_ context.Context, st *runState, em *emitter) {
	st.output.Status = run.StatusCancelled
	st.output.Messages = st.messages
	em.last(run.NewRunCancelled(st.ref(a.id), "cancelled by caller"))

	a.mu.Lock()
	delete(a.active, st.output.RunID)
	a.mu.Unlock()

	// The run context is already cancelled; persist on a fresh one.
	a.persist(context.Background(), st)
}

// persist stores the run snapshot and the session-state delta. Persistence
// failures are logged, never surfaced into the run result.
func (a *Agent) persist(ctx context.Context, st *runState) {
	if a.sessionStore == nil {
		return
	}
	if err := a.sessionStore.UpsertRun(ctx, st.output.SessionID, st.output); err != nil {
		a.logger.Error("agent.session.persist_failed", "agent", a.id, "run", st.output.RunID, "error", err.Error())
		return
	}
	if st.toolState != nil {
		if err := a.sessionStore.ApplyStateDelta(ctx, st.output.SessionID, st.toolState.Snapshot()); err != nil {
			a.logger.Error("agent.session.state_failed", "agent", a.id, "error", err.Error())
		}
	}
}

// saveMedia stores attached run media when an artifact store is configured.
func (a *Agent) saveMedia(ctx context.Context, st *runState) {
	if a.artifactStore == nil {
		return
	}
	for _, art := range append(append([]artifact.Artifact{}, st.rc.Images...), st.rc.Files...) {
		if err := a.artifactStore.Save(ctx, st.output.SessionID, art); err != nil {
			a.logger.Warn("agent.artifact.save_failed", "agent", a.id, "artifact", art.ID, "error", err.Error())
		}
	}
}

func buildRequirements(pending []*run.ToolExecution) []run.Requirement {
	byKind := map[run.RequirementKind][]*run.ToolExecution{}
	for _, exec := range pending {
		switch {
		case exec.RequiresConfirmation && !exec.Confirmed:
			byKind[run.RequirementConfirmation] = append(byKind[run.RequirementConfirmation], exec)
		case exec.RequiresUserInput:
			byKind[run.RequirementUserInput] = append(byKind[run.RequirementUserInput], exec)
		case exec.ExternalExecutionRequired:
			byKind[run.RequirementExternalExecution] = append(byKind[run.RequirementExternalExecution], exec)
		}
	}

	var reqs []run.Requirement
	for _, kind := range []run.RequirementKind{run.RequirementConfirmation, run.RequirementUserInput, run.RequirementExternalExecution} {
		if tools, ok := byKind[kind]; ok {
			reqs = append(reqs, run.Requirement{Kind: kind, Tools: tools})
		}
	}
	return reqs
}

func toolResultMessage(exec *run.ToolExecution) run.Message {
	content := exec.Error
	if content == "" {
		content = stringifyResult(exec.Result)
	}
	return run.Message{Role: "tool", ToolCallID: exec.ToolCallID, Content: content}
}

func stringifyResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
