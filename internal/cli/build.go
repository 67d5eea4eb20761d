package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/charbonnierg/kapla-v2/internal/executor"
	"github.com/charbonnierg/kapla-v2/internal/repo"
)

type buildOptions struct {
	runFlags
	clean bool
}

func newBuildCmd(g *globalFlags) *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build project distributions",
		Long: `Build wheels and source archives of the selected projects with poetry
and collect them in the dist/ directory of the repository.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, g, opts)
		},
	}

	opts.runFlags.bind(cmd.Flags())
	cmd.Flags().BoolVar(&opts.clean, "clean", false, "Remove generated pyproject files after the build")
	return cmd
}

func runBuild(cmd *cobra.Command, g *globalFlags, opts *buildOptions) error {
	ws, err := loadWorkspace(cmd, g, opts.overrides(cmd, "build_concurrency"))
	if err != nil {
		return err
	}

	build := repo.BuildOptions{Quiet: ws.cfg.Quiet, Clean: opts.clean}
	return ws.runStaged(cmd, opts.selection, ws.cfg.BuildConcurrency, "build",
		func(ctx context.Context, project string, log io.Writer) (*executor.Result, error) {
			opts := build
			opts.Log = log
			return ws.repo.Build(ctx, project, opts)
		})
}
