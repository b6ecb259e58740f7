package team

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/resolve"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/tool"
)

var errPaused = errors.New("run paused")

// RunOptions configures one team run invocation.
type RunOptions struct {
	// SessionID groups runs into a conversation; generated when empty.
	SessionID string

	// UserID attributes the run to a user.
	UserID string
}

// memberPause records one member run suspended during delegation, keyed to
// the delegate call that started it so continuation can settle that call.
type memberPause struct {
	exec         *run.ToolExecution
	memberID     string
	memberRunID  string
	requirements []run.Requirement
	callIDs      map[string]bool
}

// teamState is the in-flight state of one team run.
type teamState struct {
	output *run.Output
	rc     *run.Context

	members  []Member
	fns      []*tool.Function
	fnIndex  map[string]*tool.Function
	builtins []map[string]any

	systemPrompt string
	messages     []run.Message

	toolState *tool.State

	mu         sync.Mutex
	pauses     []*memberPause
	pendingOwn []*run.ToolExecution

	iterations int
	input      string
}

func (st *teamState) ref(teamID string) run.EntityRef {
	return run.EntityRef{RunID: st.output.RunID, TeamID: teamID, SessionID: st.output.SessionID}
}

func (st *teamState) addPause(p *memberPause) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pauses = append(st.pauses, p)
}

type emitter struct {
	ch    chan run.Event
	st    *teamState
	store bool
	mu    sync.Mutex
}

func (e *emitter) emit(ctx context.Context, ev run.Event) {
	e.mu.Lock()
	if e.store {
		e.st.output.Events = append(e.st.output.Events, ev)
	}
	e.mu.Unlock()
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
	e.mu.Lock()
	if e.store {
		e.st.output.Events = append(e.st.output.Events, ev)
	}
	e.mu.Unlock()
	e.ch <- ev
}

// Run executes the team to completion (or pause) and returns the run output.
func (t *Team) Run(ctx context.Context, input string, optFns ...func(o *RunOptions)) (*run.Output, error) {
	st, ch, err := t.start(ctx, input, optFns...)
	if err != nil {
		return nil, err
	}
	for range ch {
	}
	return st.output, nil
}

// RunStream executes the team and streams its events.
func (t *Team) RunStream(ctx context.Context, input string, optFns ...func(o *RunOptions)) (<-chan run.Event, error) {
	_, ch, err := t.start(ctx, input, optFns...)
	return ch, err
}

func (t *Team) start(ctx context.Context, input string, optFns ...func(o *RunOptions)) (*teamState, chan run.Event, error) {
	if t.model == nil {
		return nil, nil, fmt.Errorf("team %s: no model configured", t.id)
	}
	if input == "" {
		return nil, nil, fmt.Errorf("team %s: input must not be empty", t.id)
	}

	var opts RunOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	rc := run.NewContext(opts.SessionID, opts.UserID)
	st := &teamState{
		rc:    rc,
		input: input,
		output: &run.Output{
			RunID:     rc.RunID,
			SessionID: rc.SessionID,
			UserID:    rc.UserID,
			TeamID:    t.id,
			Status:    run.StatusRunning,
			Metrics:   &run.Metrics{},
			CreatedAt: time.Now(),
		},
	}

	ch := make(chan run.Event, 256)
	em := &emitter{ch: ch, st: st, store: t.storeEvents}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.active[st.output.RunID] = cancel
	t.mu.Unlock()

	go func() {
		defer close(ch)
		defer cancel()
		t.execute(runCtx, st, em)
	}()

	return st, ch, nil
}

// Cancel stops a running run, or discards a paused one.
func (t *Team) Cancel(runID string) bool {
	t.mu.Lock()
	if cancel, ok := t.active[runID]; ok {
		delete(t.active, runID)
		t.mu.Unlock()
		cancel()
		return true
	}
	st, ok := t.paused[runID]
	if ok {
		delete(t.paused, runID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	st.output.Status = run.StatusCancelled
	st.output.Requirements = nil
	t.persist(context.Background(), st)
	return true
}

// PausedRun returns the output of a paused run awaiting continuation.
func (t *Team) PausedRun(runID string) (*run.Output, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.paused[runID]
	if !ok {
		return nil, false
	}
	return st.output, true
}

// Continue resumes a paused team run, routing updated tool data to the exact
// member runs that paused.
func (t *Team) Continue(ctx context.Context, runID string, tools []*run.ToolExecution) (*run.Output, error) {
	st, ch, err := t.resume(ctx, runID, tools)
	if err != nil {
		return nil, err
	}
	for range ch {
	}
	return st.output, nil
}

// ContinueStream resumes a paused team run and streams its events.
func (t *Team) ContinueStream(ctx context.Context, runID string, tools []*run.ToolExecution) (<-chan run.Event, error) {
	_, ch, err := t.resume(ctx, runID, tools)
	return ch, err
}

func (t *Team) resume(ctx context.Context, runID string, tools []*run.ToolExecution) (*teamState, chan run.Event, error) {
	t.mu.Lock()
	st, ok := t.paused[runID]
	if ok {
		delete(t.paused, runID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("team %s: no paused run with id %s", t.id, runID)
	}

	ch := make(chan run.Event, 256)
	em := &emitter{ch: ch, st: st, store: t.storeEvents}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.active[st.output.RunID] = cancel
	t.mu.Unlock()

	go func() {
		defer close(ch)
		defer cancel()

		segment := time.Now()
		defer func() {
			st.output.Metrics.Duration += time.Since(segment)
		}()

		st.output.Status = run.StatusRunning
		st.output.Requirements = nil
		em.emit(runCtx, run.NewRunContinued(st.ref(t.id)))

		if err := t.settleContinuation(runCtx, st, em, tools); err != nil {
			if errors.Is(err, errPaused) {
				return
			}
			t.fail(runCtx, st, em, "continuation_error", err)
			return
		}

		t.finish(runCtx, st, em, t.loop(runCtx, st, em))
	}()

	return st, ch, nil
}

// settleContinuation routes updates to paused member runs and settles the
// team's own pending tool executions.
func (t *Team) settleContinuation(ctx context.Context, st *teamState, em *emitter, updates []*run.ToolExecution) error {
	pauses := st.pauses
	st.pauses = nil
	pendingOwn := st.pendingOwn
	st.pendingOwn = nil

	for _, p := range pauses {
		var forMember []*run.ToolExecution
		for _, u := range updates {
			if p.callIDs[u.ToolCallID] {
				forMember = append(forMember, u)
			}
		}

		member, ok := findMember(st.members, p.memberID, 0)
		if !ok {
			member, ok = t.FindMember(p.memberID)
		}
		if !ok {
			return fmt.Errorf("member %s not found for continuation", p.memberID)
		}

		out, err := member.ContinueMember(ctx, p.memberRunID, forMember)
		if err != nil {
			return fmt.Errorf("continue member %s: %w", p.memberID, err)
		}
		t.absorbMemberOutput(st, out)

		if out.Paused() {
			st.addPause(newMemberPause(p.exec, p.memberID, out))
			continue
		}

		st.output.Metrics.Merge(out.Metrics)
		t.settleDelegateCall(ctx, st, em, p.exec, out)
	}

	// The team's own human-in-the-loop tools.
	for _, exec := range pendingOwn {
		for _, u := range updates {
			if u.ToolCallID == exec.ToolCallID {
				exec.Confirmed = u.Confirmed
				if u.Result != nil {
					exec.Result = u.Result
				}
			}
		}
		t.settleOwnPending(ctx, st, em, exec)
	}

	if len(st.pauses) > 0 {
		t.pause(ctx, st, em)
		return errPaused
	}
	return nil
}

// execute drives a fresh team run.
func (t *Team) execute(ctx context.Context, st *teamState, em *emitter) {
	segment := time.Now()
	defer func() {
		st.output.Metrics.Duration += time.Since(segment)
	}()

	rctx := &resolve.Context{Team: t, RunContext: st.rc, SessionState: st.rc.SessionState}
	if err := t.resolver.Apply(ctx, rctx, resolve.Sources{Tools: t.toolsFunc, Members: t.membersFunc}); err != nil {
		t.fail(ctx, st, em, "resolve_error", err)
		return
	}

	st.members = t.members
	if t.membersFunc != nil {
		st.members = make([]Member, 0, len(st.rc.Members))
		for _, m := range st.rc.Members {
			member, ok := m.(Member)
			if !ok {
				t.fail(ctx, st, em, "resolve_error", fmt.Errorf("resolved member %s (%T) is not runnable", m.ID(), m))
				return
			}
			st.members = append(st.members, member)
		}
	}
	if len(st.members) == 0 {
		t.fail(ctx, st, em, "config_error", fmt.Errorf("team %s has no members", t.id))
		return
	}

	if err := t.assemble(ctx, st, em); err != nil {
		t.fail(ctx, st, em, "tool_error", err)
		return
	}

	if t.sessionStore != nil {
		sess, err := t.sessionStore.Get(ctx, st.rc.SessionID)
		if err != nil {
			t.fail(ctx, st, em, "session_error", err)
			return
		}
		for k, v := range sess.State {
			if _, ok := st.rc.SessionState[k]; !ok {
				st.rc.SessionState[k] = v
			}
		}
	}
	st.toolState = tool.NewState(st.rc.SessionState)

	info := t.model.Info()
	em.emit(ctx, run.NewRunStarted(st.ref(t.id), info.ID, info.Provider))

	st.systemPrompt = t.buildPrompt(st)
	st.messages = append(st.messages, run.Message{Role: "user", Content: st.input})

	t.finish(ctx, st, em, t.loop(ctx, st, em))
}

// assemble builds the coordinator's function table: coordination tools first,
// then the team's own tools. Tasks mode swaps the delegation tools for the
// task-list toolkit; the two coordination styles are mutually exclusive.
func (t *Team) assemble(ctx context.Context, st *teamState, em *emitter) error {
	var entries []tool.Entry
	if t.enableTasks {
		entries = taskTools()
	} else {
		entries = []tool.Entry{
			t.newDelegateTool(st, em),
			t.newMemberInfoTool(st),
		}
	}

	own := t.tools
	if t.toolsFunc != nil {
		own = st.rc.Tools
	}
	entries = append(entries, own...)

	fns, err := tool.Assemble(entries, func(o *tool.AssemblyOptions) {
		o.Logger = t.logger
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
	return nil
}

func (t *Team) buildPrompt(st *teamState) string {
	var sb []byte
	sb = fmt.Appendf(sb, "You are %s, the coordinator of a team of specialists.\n", t.name)
	if t.instructions != "" {
		sb = fmt.Appendf(sb, "%s\n", t.instructions)
	}
	if t.enableTasks {
		sb = fmt.Appendf(sb, "\nPlan the work as explicit tasks with add_task, complete_task and list_tasks. Your members:\n")
	} else {
		sb = fmt.Appendf(sb, "\nDelegate tasks to members with delegate_task_to_member. Your members:\n")
	}
	for _, m := range st.members {
		sb = fmt.Appendf(sb, "- %s (%s): %s\n", m.Name(), m.ID(), m.Description())
	}
	return string(sb)
}

// loop is the coordinator model/tool iteration core.
func (t *Team) loop(ctx context.Context, st *teamState, em *emitter) error {
	defs := make([]model.ToolDefinition, 0, len(st.fns))
	for _, fn := range st.fns {
		defs = append(defs, model.ToolDefinition{
			Name:        fn.Name(),
			Description: fn.Description(),
			Parameters:  fn.Parameters(),
		})
	}

	for st.iterations < t.maxIterations {
		st.iterations++

		respCh, errCh := t.model.Generate(ctx, model.Request{
			SystemPrompt: st.systemPrompt,
			Messages:     st.messages,
			Tools:        defs,
			Builtins:     st.builtins,
			Stream:       true,
		})

		var final model.Response
		streamed := false
		for resp := range respCh {
			if resp.Partial {
				streamed = true
				em.emit(ctx, run.NewRunContent(st.ref(t.id), resp.Content, "str"))
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
				em.emit(ctx, run.NewRunContent(st.ref(t.id), final.Content, "str"))
			}
			st.messages = append(st.messages, run.Message{Role: "assistant", Content: final.Content})
			return nil
		}

		st.messages = append(st.messages, run.Message{
			Role:      "assistant",
			Content:   final.Content,
			ToolCalls: final.ToolCalls,
		})

		t.executeRound(ctx, st, em, final.ToolCalls)

		if len(st.pauses) > 0 || len(st.pendingOwn) > 0 {
			t.pause(ctx, st, em)
			return errPaused
		}
	}

	return fmt.Errorf("run exceeded max iterations (%d)", t.maxIterations)
}

// executeRound runs all tool calls of one round concurrently; delegations to
// different members proceed in parallel. Transcript order follows call order.
func (t *Team) executeRound(ctx context.Context, st *teamState, em *emitter, calls []run.ToolCall) {
	execs := make([]*run.ToolExecution, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		exec := &run.ToolExecution{ToolCallID: call.ID, ToolName: call.Name}
		if len(call.Arguments) > 0 {
			args := make(map[string]any)
			if err := json.Unmarshal(call.Arguments, &args); err == nil {
				exec.Arguments = args
			}
		}
		if fn, ok := st.fnIndex[call.Name]; ok {
			exec.RequiresConfirmation = fn.RequiresConfirmation()
			exec.RequiresUserInput = fn.RequiresUserInput()
			exec.ExternalExecutionRequired = fn.ExternalExecution()
		}
		execs[i] = exec
		st.output.Tools = append(st.output.Tools, exec)

		if exec.Pending() {
			st.mu.Lock()
			st.pendingOwn = append(st.pendingOwn, exec)
			st.mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(exec *run.ToolExecution) {
			defer wg.Done()
			t.executeTool(ctx, st, em, exec)
		}(exec)
	}
	wg.Wait()

	// Append transcript entries in call order after the parallel round.
	for _, exec := range execs {
		if exec.Pending() || isPausedDelegate(st, exec) {
			continue
		}
		st.messages = append(st.messages, toolResultMessage(exec))
	}
}

func isPausedDelegate(st *teamState, exec *run.ToolExecution) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, p := range st.pauses {
		if p.exec == exec {
			return true
		}
	}
	return false
}

func (t *Team) executeTool(ctx context.Context, st *teamState, em *emitter, exec *run.ToolExecution) {
	now := time.Now()
	exec.StartedAt = &now
	em.emit(ctx, run.NewToolCallStarted(st.ref(t.id), exec))

	fn, ok := st.fnIndex[exec.ToolName]
	if !ok {
		exec.Error = fmt.Sprintf("unknown tool %q", exec.ToolName)
	} else {
		tc := tool.NewContext(ctx, st.toolState, t.logger)
		tc.RunID = st.output.RunID
		tc.SessionID = st.output.SessionID
		tc.UserID = st.output.UserID
		tc.TeamID = t.id
		tc.CallID = exec.ToolCallID

		result, err := fn.Execute(tc, exec.Arguments)
		if err != nil {
			exec.Error = err.Error()
		} else {
			exec.Result = result
		}
	}

	// A delegate call whose member paused has no result yet; its completion
	// event follows once the member run settles on continuation.
	if isPausedDelegate(st, exec) {
		return
	}

	done := time.Now()
	exec.CompletedAt = &done
	em.emit(ctx, run.NewToolCallCompleted(st.ref(t.id), exec))
}

// settleOwnPending resolves one of the team's own paused executions. Declined
// and externally executed calls still emit a balanced started/completed pair.
func (t *Team) settleOwnPending(ctx context.Context, st *teamState, em *emitter, exec *run.ToolExecution) {
	switch {
	case exec.RequiresConfirmation && !exec.Confirmed:
		now := time.Now()
		exec.StartedAt = &now
		em.emit(ctx, run.NewToolCallStarted(st.ref(t.id), exec))
		exec.Error = "tool execution declined by user"
		done := time.Now()
		exec.CompletedAt = &done
		em.emit(ctx, run.NewToolCallCompleted(st.ref(t.id), exec))
	case exec.ExternalExecutionRequired || exec.RequiresUserInput:
		now := time.Now()
		exec.StartedAt = &now
		em.emit(ctx, run.NewToolCallStarted(st.ref(t.id), exec))
		if exec.Result == nil {
			exec.Error = "no result provided for tool execution"
		}
		done := time.Now()
		exec.CompletedAt = &done
		em.emit(ctx, run.NewToolCallCompleted(st.ref(t.id), exec))
	default:
		t.executeTool(ctx, st, em, exec)
	}
	st.messages = append(st.messages, toolResultMessage(exec))
}

// settleDelegateCall records a completed member run as the delegate call's
// result.
func (t *Team) settleDelegateCall(ctx context.Context, st *teamState, em *emitter, exec *run.ToolExecution, out *run.Output) {
	exec.Result = out.Content
	now := time.Now()
	exec.CompletedAt = &now
	em.emit(ctx, run.NewRunIntermediateContent(st.ref(t.id), out.Content))
	em.emit(ctx, run.NewToolCallCompleted(st.ref(t.id), exec))
	st.messages = append(st.messages, toolResultMessage(exec))
}

// absorbMemberOutput upserts a member run output into the aggregate by run id.
func (t *Team) absorbMemberOutput(st *teamState, out *run.Output) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, existing := range st.output.MemberOutputs {
		if existing.RunID == out.RunID {
			st.output.MemberOutputs[i] = out
			return
		}
	}
	st.output.MemberOutputs = append(st.output.MemberOutputs, out)
}

// pause suspends the team run. Member pauses surface as requirements carrying
// the member id and member run id so continuation routes back exactly.
func (t *Team) pause(ctx context.Context, st *teamState, em *emitter) {
	var reqs []run.Requirement
	var pendingTools []*run.ToolExecution

	st.mu.Lock()
	for _, p := range st.pauses {
		for _, r := range p.requirements {
			reqs = append(reqs, run.Requirement{
				Kind:        r.Kind,
				Tools:       r.Tools,
				MemberID:    p.memberID,
				MemberRunID: p.memberRunID,
			})
			pendingTools = append(pendingTools, r.Tools...)
		}
	}
	for _, exec := range st.pendingOwn {
		pendingTools = append(pendingTools, exec)
		switch {
		case exec.RequiresConfirmation && !exec.Confirmed:
			reqs = append(reqs, run.Requirement{Kind: run.RequirementConfirmation, Tools: []*run.ToolExecution{exec}})
		case exec.RequiresUserInput:
			reqs = append(reqs, run.Requirement{Kind: run.RequirementUserInput, Tools: []*run.ToolExecution{exec}})
		case exec.ExternalExecutionRequired:
			reqs = append(reqs, run.Requirement{Kind: run.RequirementExternalExecution, Tools: []*run.ToolExecution{exec}})
		}
	}
	st.mu.Unlock()

	st.output.Status = run.StatusPaused
	st.output.Requirements = reqs
	st.output.Messages = st.messages

	em.last(run.NewRunPaused(st.ref(t.id), pendingTools, reqs))

	t.mu.Lock()
	delete(t.active, st.output.RunID)
	t.paused[st.output.RunID] = st
	t.mu.Unlock()

	t.persist(ctx, st)
}

func (t *Team) finish(ctx context.Context, st *teamState, em *emitter, err error) {
	if errors.Is(err, errPaused) {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			st.output.Status = run.StatusCancelled
			st.output.Messages = st.messages
			em.last(run.NewRunCancelled(st.ref(t.id), "cancelled by caller"))
			t.mu.Lock()
			delete(t.active, st.output.RunID)
			t.mu.Unlock()
			t.persist(context.Background(), st)
			return
		}
		t.fail(ctx, st, em, "model_error", err)
		return
	}

	st.output.Status = run.StatusCompleted
	st.output.Messages = st.messages
	em.last(run.NewRunCompleted(st.ref(t.id), st.output.Content, st.output.Metrics))

	t.mu.Lock()
	delete(t.active, st.output.RunID)
	t.mu.Unlock()

	t.persist(ctx, st)
}

func (t *Team) fail(ctx context.Context, st *teamState, em *emitter, errorType string, err error) {
	t.logger.Error("team.run.error", "team", t.id, "run", st.output.RunID, "type", errorType, "error", err.Error())

	st.output.Status = run.StatusError
	st.output.Messages = st.messages
	em.last(run.NewRunError(st.ref(t.id), errorType, uuid.NewString(), err.Error()))

	t.mu.Lock()
	delete(t.active, st.output.RunID)
	t.mu.Unlock()

	t.persist(ctx, st)
}

func (t *Team) persist(ctx context.Context, st *teamState) {
	if t.sessionStore == nil {
		return
	}
	if err := t.sessionStore.UpsertRun(ctx, st.output.SessionID, st.output); err != nil {
		t.logger.Error("team.session.persist_failed", "team", t.id, "run", st.output.RunID, "error", err.Error())
		return
	}
	if st.toolState != nil {
		if err := t.sessionStore.ApplyStateDelta(ctx, st.output.SessionID, st.toolState.Snapshot()); err != nil {
			t.logger.Error("team.session.state_failed", "team", t.id, "error", err.Error())
		}
	}
}

func newMemberPause(exec *run.ToolExecution, memberID string, out *run.Output) *memberPause {
	callIDs := make(map[string]bool)
	for _, r := range out.Requirements {
		for _, te := range r.Tools {
			callIDs[te.ToolCallID] = true
		}
	}
	return &memberPause{
		exec:         exec,
		memberID:     memberID,
		memberRunID:  out.RunID,
		requirements: out.Requirements,
		callIDs:      callIDs,
	}
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
