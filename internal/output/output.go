package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/joescharf/conductor/internal/models"
)

// UI provides colored output and respects verbose mode.
type UI struct {
	Verbose bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI with default stdout/stderr writers.
func New() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	verbosePrefix = color.New(color.FgHiBlue).Sprint("  →")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
)

// Cyan returns a cyan-colored string.
func Cyan(s string) string { return cyan(s) }

// Green returns a green-colored string.
func Green(s string) string { return green(s) }

// Yellow returns a yellow-colored string.
func Yellow(s string) string { return yellow(s) }

// Red returns a red-colored string.
func Red(s string) string { return red(s) }

// StatusColor returns the string colored by agent or phase status.
func StatusColor(status string) string {
	switch strings.ToLower(status) {
	case "pending", "awaiting_approval":
		return yellow(status)
	case "running":
		return cyan(status)
	case "completed":
		return green(status)
	case "error", "failed", "cancelled", "approval_timeout":
		return red(status)
	default:
		return status
	}
}

// FormatProgress renders an agent's progress as "current/total description",
// or a dash when no progress was reported.
func FormatProgress(p models.Progress) string {
	if p.Total == 0 {
		return "-"
	}
	if p.Description == "" {
		return fmt.Sprintf("%d/%d", p.Current, p.Total)
	}
	return fmt.Sprintf("%d/%d %s", p.Current, p.Total, p.Description)
}

// ShortID returns the id trimmed for table display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		fmt.Fprintf(u.Out, "%s %s\n", verbosePrefix, fmt.Sprintf(format, a...))
	}
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

// AgentTable renders the agent list as a table.
func (u *UI) AgentTable(agents []*models.Agent) error {
	table := u.Table([]string{"ID", "Kind", "Status", "Progress", "Task"})
	for _, a := range agents {
		task := a.Task
		if i := strings.IndexByte(task, '\n'); i >= 0 {
			task = task[:i]
		}
		table.Append([]string{
			ShortID(a.ID),
			string(a.Kind),
			StatusColor(string(a.Status)),
			FormatProgress(a.Progress),
			models.Truncate(task, 60),
		})
	}
	return table.Render()
}

// WorkflowTable renders the workflow's phases as a table.
func (u *UI) WorkflowTable(w *models.Workflow) error {
	u.Info("workflow %s (%s): %s", ShortID(w.ID), w.Name, StatusColor(string(w.Status)))
	table := u.Table([]string{"#", "Phase", "Kind", "Status", "Agents", "Approval"})
	for i, ph := range w.Phases {
		marker := ""
		if i == w.CurrentPhase {
			marker = "*"
		}
		approval := "-"
		if ph.RequiresApproval {
			approval = "required"
		}
		table.Append([]string{
			fmt.Sprintf("%d%s", i+1, marker),
			ph.Name,
			string(ph.Kind),
			StatusColor(string(ph.Status)),
			fmt.Sprintf("%d", len(ph.AgentIDs)),
			approval,
		})
	}
	return table.Render()
}
