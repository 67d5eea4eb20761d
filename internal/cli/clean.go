package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/charbonnierg/kapla-v2/internal/repo"
)

func newCleanCmd(g *globalFlags) *cobra.Command {
	var opts repo.CleanOptions

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove generated files and build outputs",
		Long: `Remove the generated pyproject.toml of every project, the build outputs
(dist, build, caches, egg-info) found in project directories and the
dist directory of the repository.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := loadWorkspace(cmd, g, nil)
			if err != nil {
				return err
			}

			removed, err := ws.repo.Clean(opts)
			out := cmd.OutOrStdout()
			for _, path := range removed {
				fmt.Fprintln(out, path)
			}
			if err != nil {
				return err
			}
			if opts.DryRun {
				ws.logger.Info("Would remove", "paths", len(removed))
			} else {
				ws.logger.Info("Removed", "paths", len(removed))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Venv, "venv", false, "Also remove the virtual environment")
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "List the paths without removing them")
	return cmd
}
