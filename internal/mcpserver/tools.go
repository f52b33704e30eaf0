package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/taskmanager"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// registerTools installs the five Task API tools (spec §6: "Exactly five
// tools exposed to the host"). All worker-management capability rides inside
// task_start as kind = "op"; nothing else is registered.
func registerTools(s *server.MCPServer, mgr *taskmanager.Manager, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("task_start",
			mcp.WithDescription(
				"Start a task: either dispatch a prompt to a worker (kind=\"worker\") or run a "+
					"built-in operation (kind=\"op\", e.g. worker.model.set, memory.set). Returns "+
					"immediately with a taskId; call task_await or task_peek to observe completion.",
			),
			mcp.WithString("kind", mcp.Description(`"worker" (default) or "op"`)),
			mcp.WithString("workerId", mcp.Description("profile id to dispatch to; required when kind=\"worker\"")),
			mcp.WithString("op", mcp.Description("operation name; required when kind=\"op\" (e.g. worker.model.set)")),
			mcp.WithObject("opArgs", mcp.Description("arguments for the operation named by op")),
			mcp.WithString("task", mcp.Description("prompt text sent to the worker's session")),
			mcp.WithArray("attachments", mcp.Description("inline attachments: [{type: text|image|file, data, name?}]")),
			mcp.WithString("model", mcp.Description(`model ref: "auto", "auto:fast", "auto:vision", "auto:docs", or "provider/model"`)),
			mcp.WithString("modelPolicy", mcp.Description(`"sticky" (changes the worker's default) or "dynamic" (pins this message only, default)`)),
			mcp.WithBoolean("forceNew", mcp.Description("force a fresh worker even if a compatible one is already running")),
		),
		taskStartHandler(mgr, log),
	)

	s.AddTool(
		mcp.NewTool("task_await",
			mcp.WithDescription("Block until one or more tasks reach a terminal state, or timeoutMs elapses."),
			mcp.WithString("taskId", mcp.Description("a single task id")),
			mcp.WithArray("taskIds", mcp.Description("multiple task ids; use instead of taskId")),
			mcp.WithNumber("timeoutMs", mcp.Description("0 returns immediately with current status; omitted waits indefinitely")),
		),
		taskAwaitHandler(mgr, log),
	)

	s.AddTool(
		mcp.NewTool("task_peek",
			mcp.WithDescription("Return a task's current status and accumulated stream chunks without blocking."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("the task id to inspect")),
		),
		taskPeekHandler(mgr, log),
	)

	s.AddTool(
		mcp.NewTool("task_list",
			mcp.WithDescription("List tasks, workers, or profile tags."),
			mcp.WithString("view", mcp.Description(`"tasks" (default), "workers", or "tags"`)),
			mcp.WithString("format", mcp.Description(`"markdown" (default) or "json"`)),
		),
		taskListHandler(mgr, log),
	)

	s.AddTool(
		mcp.NewTool("task_cancel",
			mcp.WithDescription("Cancel a running task and send an abort to its worker's session."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("the task id to cancel")),
		),
		taskCancelHandler(mgr, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

func taskStartHandler(mgr *taskmanager.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		kind := taskmanager.Kind(req.GetString("kind", string(taskmanager.KindWorker)))
		opArgs, _ := args["opArgs"].(map[string]interface{})

		var attachments []taskmanager.Attachment
		if raw, ok := args["attachments"]; ok {
			b, err := json.Marshal(raw)
			if err == nil {
				_ = json.Unmarshal(b, &attachments)
			}
		}

		startReq := taskmanager.StartRequest{
			Kind:        kind,
			WorkerID:    req.GetString("workerId", ""),
			Op:          req.GetString("op", ""),
			OpArgs:      opArgs,
			Prompt:      taskmanager.Prompt{Text: req.GetString("task", ""), Attachments: attachments},
			Model:       req.GetString("model", ""),
			ModelPolicy: taskmanager.ModelPolicy(req.GetString("modelPolicy", "")),
			ForceNew:    boolArg(args, "forceNew"),
		}

		result, err := mgr.Start(ctx, startReq)
		if err != nil {
			log.Warn("task_start failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result)
	}
}

func taskAwaitHandler(mgr *taskmanager.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := taskIDsFromRequest(req)
		if len(ids) == 0 {
			return mcp.NewToolResultError("taskId or taskIds is required"), nil
		}
		timeoutMs := intArg(req.GetArguments(), "timeoutMs")
		if _, given := req.GetArguments()["timeoutMs"]; !given {
			timeoutMs = math.MaxInt32
		}

		results := mgr.Await(ctx, ids, timeoutMs)
		if _, single := req.GetArguments()["taskId"]; single && len(ids) == 1 {
			return jsonResult(results[ids[0]])
		}
		return jsonResult(results)
	}
}

func taskPeekHandler(mgr *taskmanager.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, ok := mgr.Peek(taskID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown task id %q", taskID)), nil
		}
		return jsonResult(result)
	}
}

func taskListHandler(mgr *taskmanager.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		view := taskmanager.View(req.GetString("view", string(taskmanager.ViewTasks)))
		format := taskmanager.Format(req.GetString("format", string(taskmanager.FormatMarkdown)))

		out, err := mgr.List(view, format)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

func taskCancelHandler(mgr *taskmanager.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := mgr.Cancel(ctx, taskID); err != nil {
			log.Warn("task_cancel failed", zap.String("task_id", taskID), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("task %q canceled", taskID)), nil
	}
}

// taskIDsFromRequest accepts either a single "taskId" or an array "taskIds".
func taskIDsFromRequest(req mcp.CallToolRequest) []string {
	if id := req.GetString("taskId", ""); id != "" {
		return []string{id}
	}
	args := req.GetArguments()
	raw, ok := args["taskIds"]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var ids []string
	_ = json.Unmarshal(b, &ids)
	return ids
}

func boolArg(args map[string]interface{}, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// intArg reads a numeric argument. JSON numbers decode to float64 through
// the generic map[string]interface{} arguments, so callers must not assert
// int directly.
func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
