package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/conductor/internal/models"
	"github.com/joescharf/conductor/internal/output"
)

var (
	workflowTemplate string
	rejectReason     string
	decisionPhaseID  string
)

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"wf"},
	Short:   "Manage the phased workflow on the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workflowStatusRun()
	},
}

var workflowStartCmd = &cobra.Command{
	Use:   "start <task>",
	Short: "Start a workflow from a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"Template": workflowTemplate, "Task": args[0]}
		var wf models.Workflow
		if err := newAPIClient().post("/workflow", body, &wf); err != nil {
			return err
		}
		ui.Success("Workflow %s started from template %s", output.Cyan(output.ShortID(wf.ID)), workflowTemplate)
		return ui.WorkflowTable(&wf)
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workflowStatusRun()
	},
}

var workflowApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve the phase awaiting approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workflowDecisionRun("approve", map[string]any{"PhaseID": decisionPhaseID})
	},
}

var workflowRejectCmd = &cobra.Command{
	Use:   "reject",
	Short: "Reject the phase awaiting approval, failing the workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workflowDecisionRun("reject", map[string]any{"PhaseID": decisionPhaseID, "Reason": rejectReason})
	},
}

var workflowRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry a failed workflow from its failed phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workflowDecisionRun("retry", nil)
	},
}

var workflowRecoverCmd = &cobra.Command{
	Use:   "recover-approval",
	Short: "Return an overdue approval phase to awaiting state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workflowDecisionRun("recover-approval", map[string]any{"PhaseID": decisionPhaseID})
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active workflow and its agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workflowDecisionRun("cancel", nil)
	},
}

var workflowClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard a settled workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().delete("/workflow", nil); err != nil {
			return err
		}
		ui.Success("Workflow cleared")
		return nil
	},
}

var workflowTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available workflow templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		var names []string
		if err := newAPIClient().get("/templates", &names); err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(ui.Out, n)
		}
		return nil
	},
}

func init() {
	workflowStartCmd.Flags().StringVar(&workflowTemplate, "template", "feature", "Template name")
	workflowApproveCmd.Flags().StringVar(&decisionPhaseID, "phase", "", "Phase id (defaults to current phase)")
	workflowRejectCmd.Flags().StringVar(&decisionPhaseID, "phase", "", "Phase id (defaults to current phase)")
	workflowRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the phase was rejected")
	workflowRecoverCmd.Flags().StringVar(&decisionPhaseID, "phase", "", "Phase id (defaults to current phase)")

	workflowCmd.AddCommand(workflowStartCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
	workflowCmd.AddCommand(workflowApproveCmd)
	workflowCmd.AddCommand(workflowRejectCmd)
	workflowCmd.AddCommand(workflowRetryCmd)
	workflowCmd.AddCommand(workflowRecoverCmd)
	workflowCmd.AddCommand(workflowCancelCmd)
	workflowCmd.AddCommand(workflowClearCmd)
	workflowCmd.AddCommand(workflowTemplatesCmd)
	rootCmd.AddCommand(workflowCmd)
}

func workflowStatusRun() error {
	var wf models.Workflow
	if err := newAPIClient().get("/workflow", &wf); err != nil {
		return err
	}
	if err := ui.WorkflowTable(&wf); err != nil {
		return err
	}
	if wf.PriorOutput != "" {
		ui.VerboseLog("accumulated output:\n%s", wf.PriorOutput)
	}
	return nil
}

func workflowDecisionRun(action string, body map[string]any) error {
	var wf models.Workflow
	if err := newAPIClient().post("/workflow/"+action, body, &wf); err != nil {
		return err
	}
	ui.Success("Workflow %s: %s", action, output.StatusColor(string(wf.Status)))
	return nil
}
