package team

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/tool"
)

// newDelegateTool builds the delegation function for one run. Delegation is
// restricted to the team's direct members; a paused member run is recorded on
// the run state so the team pauses after the round instead of returning a
// result for the delegate call.
func (t *Team) newDelegateTool(st *teamState, em *emitter) *tool.Function {
	handler := func(tc *tool.Context, args map[string]any) (any, error) {
		memberID, _ := args["member_id"].(string)
		task, _ := args["task"].(string)
		if task == "" {
			return nil, fmt.Errorf("missing required field 'task'")
		}

		var member Member
		for _, m := range st.members {
			if m.ID() == memberID {
				member = m
				break
			}
		}
		if member == nil {
			return nil, fmt.Errorf("unknown member %q; use get_member_information to list members", memberID)
		}

		t.logger.Info("team.delegate", "team", t.id, "member", memberID, "run", st.output.RunID)

		out, err := member.RunMember(tc.Context(), task, st.output.SessionID, st.output.UserID)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", memberID, err)
		}

		t.absorbMemberOutput(st, out)

		if out.Paused() {
			exec := findExec(st, tc.CallID)
			st.addPause(newMemberPause(exec, memberID, out))
			return nil, nil
		}

		st.mu.Lock()
		st.output.Metrics.Merge(out.Metrics)
		st.mu.Unlock()

		em.emit(tc.Context(), run.NewRunIntermediateContent(st.ref(t.id), out.Content))
		return out.Content, nil
	}

	return tool.MustNew(
		"delegate_task_to_member",
		"Delegate a task to a team member and return the member's response. Call once per member; multiple calls in one turn run in parallel.",
		handler,
		func(o *tool.Options) {
			o.Parameters = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"member_id": map[string]any{"type": "string", "description": "The id of the member to delegate to"},
					"task":      map[string]any{"type": "string", "description": "A complete, self-contained task description"},
				},
				"required": []any{"member_id", "task"},
			}
		},
	)
}

// newMemberInfoTool lets the coordinator inspect its roster.
func (t *Team) newMemberInfoTool(st *teamState) *tool.Function {
	handler := func(tc *tool.Context, args map[string]any) (any, error) {
		type info struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		infos := make([]info, 0, len(st.members))
		for _, m := range st.members {
			infos = append(infos, info{ID: m.ID(), Name: m.Name(), Description: m.Description()})
		}
		raw, err := json.Marshal(infos)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}

	return tool.MustNew(
		"get_member_information",
		"List the team's members with their ids and specialties.",
		handler,
		func(o *tool.Options) {
			o.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		},
	)
}

const taskStateKey = "__team_tasks__"

type taskRecord struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"` // open, done
}

func loadTasks(tc *tool.Context) []taskRecord {
	v, ok := tc.GetState(taskStateKey)
	if !ok {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var tasks []taskRecord
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil
	}
	return tasks
}

func storeTasks(tc *tool.Context, tasks []taskRecord) {
	tc.SetState(taskStateKey, tasks)
}

// taskTools returns the shared task-list toolkit used when tasks mode is
// enabled: the coordinator plans work as explicit tasks and tracks progress
// across delegations via session state.
func taskTools() []tool.Entry {
	addTask := tool.MustNew(
		"add_task",
		"Add a task to the shared task list.",
		func(tc *tool.Context, args map[string]any) (any, error) {
			description, _ := args["description"].(string)
			if description == "" {
				return nil, fmt.Errorf("missing required field 'description'")
			}
			tasks := loadTasks(tc)
			task := taskRecord{ID: uuid.NewString(), Description: description, Status: "open"}
			storeTasks(tc, append(tasks, task))
			return map[string]any{"id": task.ID, "status": task.Status}, nil
		},
		func(o *tool.Options) {
			o.Parameters = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description": map[string]any{"type": "string", "description": "What needs to be done"},
				},
				"required": []any{"description"},
			}
		},
	)

	completeTask := tool.MustNew(
		"complete_task",
		"Mark a task on the shared task list as done.",
		func(tc *tool.Context, args map[string]any) (any, error) {
			id, _ := args["id"].(string)
			if id == "" {
				return nil, fmt.Errorf("missing required field 'id'")
			}
			tasks := loadTasks(tc)
			for i := range tasks {
				if tasks[i].ID == id {
					tasks[i].Status = "done"
					storeTasks(tc, tasks)
					return map[string]any{"id": id, "status": "done"}, nil
				}
			}
			return nil, fmt.Errorf("no task with id %q", id)
		},
		func(o *tool.Options) {
			o.Parameters = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "string", "description": "The task id"},
				},
				"required": []any{"id"},
			}
		},
	)

	listTasks := tool.MustNew(
		"list_tasks",
		"List all tasks on the shared task list with their status.",
		func(tc *tool.Context, args map[string]any) (any, error) {
			raw, err := json.Marshal(loadTasks(tc))
			if err != nil {
				return nil, err
			}
			return string(raw), nil
		},
		func(o *tool.Options) {
			o.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		},
	)

	return []tool.Entry{addTask, completeTask, listTasks}
}

// findExec locates the in-flight execution for a call id.
func findExec(st *teamState, callID string) *run.ToolExecution {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, exec := range st.output.Tools {
		if exec.ToolCallID == callID {
			return exec
		}
	}
	return nil
}
