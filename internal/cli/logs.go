package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/charbonnierg/kapla-v2/internal/runlog"
)

type logsOptions struct {
	verb string
	tail int
	path bool
}

func newLogsCmd(g *globalFlags) *cobra.Command {
	opts := &logsOptions{}

	cmd := &cobra.Command{
		Use:   "logs <project>",
		Short: "Show the last command output of a project",
		Long: `Show the output of the last install or build command of a project.

Examples:
  kapla logs api
  kapla logs api --verb build
  kapla logs api --tail 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, g, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.verb, "verb", "", "Only consider logs of this command (install, build)")
	cmd.Flags().IntVarP(&opts.tail, "tail", "n", 0, "Number of lines to show from end (0 = all)")
	cmd.Flags().BoolVar(&opts.path, "path", false, "Print the log path instead of its content")
	return cmd
}

func runLogs(cmd *cobra.Command, g *globalFlags, opts *logsOptions, name string) error {
	ws, err := loadWorkspace(cmd, g, nil)
	if err != nil {
		return err
	}

	p, err := ws.repo.Project(name)
	if err != nil {
		return err
	}

	logs, err := runlog.New(ws.repo.Root(), ws.cfg.Logs.Dir)
	if err != nil {
		return err
	}
	path, err := logs.Latest(opts.verb, p.Name)
	if err != nil {
		return err
	}

	if opts.path {
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	}
	return runlog.Tail(cmd.OutOrStdout(), path, opts.tail)
}
