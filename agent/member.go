package agent

import (
	"context"

	"github.com/hupe1980/agentos/run"
)

// RunMember executes the agent on a delegated task within the delegating
// team's session. Part of the team member contract.
func (a *Agent) RunMember(ctx context.Context, input, sessionID, userID string) (*run.Output, error) {
	return a.Run(ctx, input, func(o *RunOptions) {
		o.SessionID = sessionID
		o.UserID = userID
	})
}

// ContinueMember resumes a paused member run with updated tool data. Part of
// the team member contract.
func (a *Agent) ContinueMember(ctx context.Context, runID string, tools []*run.ToolExecution) (*run.Output, error) {
	return a.Continue(ctx, runID, tools)
}
