// Package mcp exposes the control plane as MCP tools so an agent session
// can spawn and steer other agents.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/conductor/internal/control"
	"github.com/joescharf/conductor/internal/models"
)

// Server wraps the control plane and exposes it as MCP tools.
type Server struct {
	plane *control.Plane
}

// NewServer creates the MCP server wrapper.
func NewServer(p *control.Plane) *Server {
	return &Server{plane: p}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("conductor", "1.0.0", server.WithToolCapabilities(true))

	// Register all tools
	srv.AddTool(s.spawnAgentTool())
	srv.AddTool(s.cancelAgentTool())
	srv.AddTool(s.agentStatusTool())
	srv.AddTool(s.agentOutputTool())
	srv.AddTool(s.startWorkflowTool())
	srv.AddTool(s.approvePhaseTool())
	srv.AddTool(s.rejectPhaseTool())
	srv.AddTool(s.statusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type agentOut struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	Task         string `json:"task"`
	ThreadID     string `json:"thread_id,omitempty"`
	FinalMessage string `json:"final_message,omitempty"`
	Error        string `json:"error,omitempty"`
	Recoverable  bool   `json:"recoverable,omitempty"`
}

func agentView(a *models.Agent) agentOut {
	out := agentOut{
		ID:           a.ID,
		Kind:         string(a.Kind),
		Status:       string(a.Status),
		Task:         models.Truncate(a.Task, 200),
		ThreadID:     a.ThreadID,
		FinalMessage: a.FinalMessage,
	}
	if a.Error != nil {
		out.Error = a.Error.Error()
		out.Recoverable = a.Error.Recoverable
	}
	return out
}

func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// conductor_spawn_agent
func (s *Server) spawnAgentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_spawn_agent",
		mcp.WithDescription("Spawn a managed agent. Returns the agent descriptor as JSON. The agent runs asynchronously; poll conductor_agent_status for its outcome."),
		mcp.WithString("kind", mcp.Description("Agent kind: explore, design, implement, review, or custom (default custom)")),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task prompt for the agent")),
		mcp.WithString("depends_on", mcp.Description("Comma-separated agent ids that must complete first")),
		mcp.WithString("model", mcp.Description("Model override")),
	)
	return tool, s.handleSpawnAgent
}

func (s *Server) handleSpawnAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := request.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task"), nil
	}

	kind := models.AgentKind(request.GetString("kind", string(models.AgentKindCustom)))
	var deps []string
	if raw := request.GetString("depends_on", ""); raw != "" {
		deps = splitIDs(raw)
	}
	overrides := models.ConfigOverrides{Model: request.GetString("model", "")}

	id := s.plane.Manager.Spawn(kind, task, deps, overrides)
	a, _ := s.plane.Manager.Get(id)
	return resultJSON(agentView(a))
}

// conductor_cancel_agent
func (s *Server) cancelAgentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_cancel_agent",
		mcp.WithDescription("Cancel a pending or running agent."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent id")),
	)
	return tool, s.handleCancelAgent
}

func (s *Server) handleCancelAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: agent_id"), nil
	}
	if err := s.plane.Manager.Cancel(id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	a, _ := s.plane.Manager.Get(id)
	return resultJSON(agentView(a))
}

// conductor_agent_status
func (s *Server) agentStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_agent_status",
		mcp.WithDescription("Get one agent by id, or all agents when agent_id is omitted."),
		mcp.WithString("agent_id", mcp.Description("Agent id")),
	)
	return tool, s.handleAgentStatus
}

func (s *Server) handleAgentStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := request.GetString("agent_id", ""); id != "" {
		a, ok := s.plane.Manager.Get(id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("agent not found: %s", id)), nil
		}
		return resultJSON(agentView(a))
	}

	agents := s.plane.Manager.List()
	out := make([]agentOut, len(agents))
	for i, a := range agents {
		out[i] = agentView(a)
	}
	return resultJSON(out)
}

// conductor_agent_output
func (s *Server) agentOutputTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_agent_output",
		mcp.WithDescription("Get the accumulated streamed output of an agent."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent id")),
	)
	return tool, s.handleAgentOutput
}

func (s *Server) handleAgentOutput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: agent_id"), nil
	}
	out, err := s.plane.AgentOutput(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

// conductor_start_workflow
func (s *Server) startWorkflowTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_start_workflow",
		mcp.WithDescription("Start a phased workflow from a named template. Only one workflow can be active at a time."),
		mcp.WithString("template", mcp.Required(), mcp.Description("Template name, e.g. feature")),
		mcp.WithString("task", mcp.Required(), mcp.Description("Overall goal for the workflow")),
	)
	return tool, s.handleStartWorkflow
}

func (s *Server) handleStartWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	template, err := request.RequireString("template")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: template"), nil
	}
	task, err := request.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task"), nil
	}
	wf, err := s.plane.StartWorkflow(ctx, template, task)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start workflow failed: %v", err)), nil
	}
	return resultJSON(workflowView(wf))
}

// conductor_approve_phase
func (s *Server) approvePhaseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_approve_phase",
		mcp.WithDescription("Approve the workflow phase awaiting approval, advancing the workflow."),
		mcp.WithString("phase_id", mcp.Description("Phase id; defaults to the current phase")),
	)
	return tool, s.handleApprovePhase
}

func (s *Server) handleApprovePhase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.plane.ApprovePhase(ctx, request.GetString("phase_id", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approve failed: %v", err)), nil
	}
	return resultJSON(workflowView(s.plane.Engine.Workflow()))
}

// conductor_reject_phase
func (s *Server) rejectPhaseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_reject_phase",
		mcp.WithDescription("Reject the workflow phase awaiting approval, failing the workflow. It can be retried afterwards."),
		mcp.WithString("phase_id", mcp.Description("Phase id; defaults to the current phase")),
		mcp.WithString("reason", mcp.Description("Why the phase was rejected")),
	)
	return tool, s.handleRejectPhase
}

func (s *Server) handleRejectPhase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	err := s.plane.RejectPhase(ctx,
		request.GetString("phase_id", ""),
		request.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reject failed: %v", err)), nil
	}
	return resultJSON(workflowView(s.plane.Engine.Workflow()))
}

// conductor_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_status",
		mcp.WithDescription("Overview of the control plane: agent counts by status and the active workflow."),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.plane.Status()
	counts := make(map[string]int, len(st.Agents))
	for status, n := range st.Agents {
		counts[string(status)] = n
	}
	result := map[string]any{
		"agents":  counts,
		"running": st.Running,
	}
	if st.Workflow != nil {
		result["workflow"] = workflowView(st.Workflow)
	}
	return resultJSON(result)
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

type phaseOut struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Kind             string   `json:"kind"`
	Status           string   `json:"status"`
	AgentIDs         []string `json:"agent_ids,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
}

type workflowOut struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	CurrentPhase int        `json:"current_phase"`
	Phases       []phaseOut `json:"phases"`
}

func workflowView(w *models.Workflow) workflowOut {
	out := workflowOut{
		ID:           w.ID,
		Name:         w.Name,
		Status:       string(w.Status),
		CurrentPhase: w.CurrentPhase,
	}
	for _, ph := range w.Phases {
		out.Phases = append(out.Phases, phaseOut{
			ID:               ph.ID,
			Name:             ph.Name,
			Kind:             string(ph.Kind),
			Status:           string(ph.Status),
			AgentIDs:         ph.AgentIDs,
			RequiresApproval: ph.RequiresApproval,
		})
	}
	return out
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
