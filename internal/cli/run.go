package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/charbonnierg/kapla-v2/internal/repo"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "run <command> [args...]",
		Short: "Run a command in the repository virtual environment",
		Long: `Run a command with the repository virtual environment activated.

The command runs at the repository root, or in the directory of the
project given with --project. Flags after the command name are passed to
the command.

Examples:
  kapla run pytest -x
  kapla run --project api python -m api`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(cmd, g, nil)
			if err != nil {
				return err
			}

			dir := ""
			if project != "" {
				p, err := ws.repo.Project(project)
				if err != nil {
					return err
				}
				dir = p.Dir
			}

			res, err := ws.repo.Exec(cmd.Context(), args, dir)
			if err != nil {
				return err
			}
			if !res.Success() {
				return fmt.Errorf("%w: %s exited with code %d", repo.ErrCommandFailed, res.CommandLine(), res.ExitCode)
			}
			return nil
		},
	}

	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&project, "project", "p", "", "Run in the directory of this project")
	return cmd
}
