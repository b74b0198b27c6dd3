package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/conductor/internal/models"
	"github.com/joescharf/conductor/internal/output"
)

var (
	agentKind     string
	agentDeps     []string
	agentModel    string
	agentSandbox  string
	agentApproval string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents on the running daemon",
	Long:  "Spawn, inspect, and steer agents managed by a running 'conductor serve' daemon.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentListRun()
	},
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn <task>",
	Short: "Spawn a new agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentSpawnRun(args[0])
	},
}

var agentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentListRun()
	},
}

var agentShowCmd = &cobra.Command{
	Use:   "show <agent-id>",
	Short: "Show one agent in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentShowRun(args[0])
	},
}

var agentOutputCmd = &cobra.Command{
	Use:   "output <agent-id>",
	Short: "Print an agent's streamed output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct{ Output string }
		if err := newAPIClient().get("/agents/"+args[0]+"/output", &resp); err != nil {
			return err
		}
		fmt.Fprintln(ui.Out, resp.Output)
		return nil
	},
}

var agentCancelCmd = &cobra.Command{
	Use:   "cancel <agent-id>",
	Short: "Cancel a pending or running agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentCommandRun(args[0], "cancel")
	},
}

var agentPauseCmd = &cobra.Command{
	Use:   "pause <agent-id>",
	Short: "Pause a running agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentCommandRun(args[0], "pause")
	},
}

var agentResumeCmd = &cobra.Command{
	Use:   "resume <agent-id>",
	Short: "Resume a paused agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentCommandRun(args[0], "resume")
	},
}

var agentRetryCmd = &cobra.Command{
	Use:   "retry <agent-id>",
	Short: "Retry a failed agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentCommandRun(args[0], "retry")
	},
}

var agentClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all finished agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct{ Removed int }
		if err := newAPIClient().delete("/agents", &resp); err != nil {
			return err
		}
		ui.Success("Removed %d finished agents", resp.Removed)
		return nil
	},
}

func init() {
	agentSpawnCmd.Flags().StringVar(&agentKind, "kind", "custom", "Agent kind: explore, design, implement, review, custom")
	agentSpawnCmd.Flags().StringSliceVar(&agentDeps, "depends-on", nil, "Agent ids that must complete first")
	agentSpawnCmd.Flags().StringVar(&agentModel, "model", "", "Model override")
	agentSpawnCmd.Flags().StringVar(&agentSandbox, "sandbox", "", "Sandbox policy override (never below the kind's floor)")
	agentSpawnCmd.Flags().StringVar(&agentApproval, "approval", "", "Approval policy override (never below the kind's floor)")

	agentCmd.AddCommand(agentSpawnCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentShowCmd)
	agentCmd.AddCommand(agentOutputCmd)
	agentCmd.AddCommand(agentCancelCmd)
	agentCmd.AddCommand(agentPauseCmd)
	agentCmd.AddCommand(agentResumeCmd)
	agentCmd.AddCommand(agentRetryCmd)
	agentCmd.AddCommand(agentClearCmd)
	rootCmd.AddCommand(agentCmd)
}

func agentSpawnRun(task string) error {
	body := map[string]any{
		"Kind":           agentKind,
		"Task":           task,
		"Dependencies":   agentDeps,
		"Model":          agentModel,
		"SandboxPolicy":  agentSandbox,
		"ApprovalPolicy": agentApproval,
	}
	var a models.Agent
	if err := newAPIClient().post("/agents", body, &a); err != nil {
		return err
	}
	ui.Success("Agent %s spawned (%s)", output.Cyan(output.ShortID(a.ID)), a.Kind)
	ui.VerboseLog("full id: %s", a.ID)
	return nil
}

func agentListRun() error {
	var agents []*models.Agent
	if err := newAPIClient().get("/agents", &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		ui.Info("No agents. Use 'conductor agent spawn <task>' to start one.")
		return nil
	}
	return ui.AgentTable(agents)
}

func agentShowRun(id string) error {
	var a models.Agent
	if err := newAPIClient().get("/agents/"+id, &a); err != nil {
		return err
	}

	ui.Info("Agent %s", output.Cyan(a.ID))
	fmt.Fprintf(ui.Out, "  Kind:     %s\n", a.Kind)
	fmt.Fprintf(ui.Out, "  Status:   %s\n", output.StatusColor(string(a.Status)))
	fmt.Fprintf(ui.Out, "  Task:     %s\n", models.Truncate(a.Task, 120))
	if len(a.Dependencies) > 0 {
		fmt.Fprintf(ui.Out, "  Depends:  %v\n", a.Dependencies)
	}
	if a.ThreadID != "" {
		fmt.Fprintf(ui.Out, "  Thread:   %s\n", a.ThreadID)
	}
	fmt.Fprintf(ui.Out, "  Progress: %s\n", output.FormatProgress(a.Progress))
	if a.Error != nil {
		fmt.Fprintf(ui.Out, "  Error:    %s (recoverable: %v)\n", output.Red(a.Error.Error()), a.Error.Recoverable)
	}
	if a.FinalMessage != "" {
		fmt.Fprintf(ui.Out, "  Result:   %s\n", models.Truncate(a.FinalMessage, 400))
	}
	return nil
}

func agentCommandRun(id, action string) error {
	var a models.Agent
	if err := newAPIClient().post("/agents/"+id+"/"+action, nil, &a); err != nil {
		return err
	}
	ui.Success("Agent %s: %s", output.Cyan(output.ShortID(a.ID)), output.StatusColor(string(a.Status)))
	return nil
}
