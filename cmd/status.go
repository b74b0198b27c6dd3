package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/conductor/internal/models"
	"github.com/joescharf/conductor/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agents and workflow at a glance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusOverviewRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusOverviewRun() error {
	var st struct {
		Agents   map[string]int
		Running  int
		Workflow *models.Workflow
	}
	if err := newAPIClient().get("/status", &st); err != nil {
		return err
	}

	total := 0
	for _, n := range st.Agents {
		total += n
	}
	ui.Info("Agents: %d total, %d running", total, st.Running)
	for _, status := range []string{"pending", "running", "completed", "error", "cancelled"} {
		if n := st.Agents[status]; n > 0 {
			fmt.Fprintf(ui.Out, "  %s: %d\n", output.StatusColor(status), n)
		}
	}

	if st.Workflow == nil {
		ui.Info("No active workflow. Use 'conductor workflow start <task>' to begin one.")
		return nil
	}
	return ui.WorkflowTable(st.Workflow)
}
