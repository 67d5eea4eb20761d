package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/charbonnierg/kapla-v2/internal/scheduler"
)

// printSummary writes one line per project and the status totals.
func printSummary(w io.Writer, verb string, report *scheduler.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tSTAGE\tSTATUS\tDURATION\tDETAIL")
	fmt.Fprintln(tw, "-------\t-----\t------\t--------\t------")

	for _, res := range report.Results() {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			res.Project,
			res.Stage,
			colorStatus(string(res.Status)),
			formatDuration(res.Duration()),
			detail(res),
		)
	}
	tw.Flush()

	byStatus := report.ByStatus()
	var parts []string
	for _, status := range []scheduler.Status{
		scheduler.StatusSucceeded,
		scheduler.StatusFailed,
		scheduler.StatusSkipped,
		scheduler.StatusCancelled,
	} {
		if n := len(byStatus[status]); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, colorStatus(string(status))))
		}
	}
	if len(parts) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s: %s in %s\n", verb, strings.Join(parts, ", "), formatDuration(report.Duration()))
}

func detail(res scheduler.Result) string {
	switch res.Status {
	case scheduler.StatusSkipped:
		return res.Reason
	case scheduler.StatusFailed, scheduler.StatusCancelled:
		if res.Err != nil {
			return res.Err.Error()
		}
	}
	if res.Output != nil && len(res.Output.Command) > 0 {
		return res.Output.CommandLine()
	}
	return ""
}

func colorStatus(status string) string {
	if !isTerminal() {
		return status
	}

	switch scheduler.Status(status) {
	case scheduler.StatusSucceeded:
		return color.GreenString(status)
	case scheduler.StatusRunning, scheduler.StatusSkipped:
		return color.YellowString(status)
	case scheduler.StatusFailed, scheduler.StatusCancelled:
		return color.RedString(status)
	default:
		return status
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

// isTerminal checks if stdout is a terminal (TTY).
func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
