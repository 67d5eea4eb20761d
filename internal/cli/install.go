package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/charbonnierg/kapla-v2/internal/executor"
	"github.com/charbonnierg/kapla-v2/internal/repo"
)

type installOptions struct {
	runFlags
	extras []string
	force  bool
}

func newInstallCmd(g *globalFlags) *cobra.Command {
	opts := &installOptions{}

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install projects in editable mode",
		Long: `Install the selected projects in the repository virtual environment,
in dependency order. Projects of the same stage are installed in parallel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInstall(cmd, g, opts)
		},
	}

	opts.runFlags.bind(cmd.Flags())
	cmd.Flags().StringSliceVarP(&opts.extras, "extras", "E", nil, "Extras groups to install (default: all)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Reinstall projects already installed")
	return cmd
}

func runInstall(cmd *cobra.Command, g *globalFlags, opts *installOptions) error {
	ws, err := loadWorkspace(cmd, g, opts.overrides(cmd, "concurrency"))
	if err != nil {
		return err
	}

	if _, err := ws.repo.EnsureVenv(cmd.Context(), repo.VenvOptions{Quiet: ws.cfg.Quiet}); err != nil {
		return err
	}

	install := repo.InstallOptions{
		Quiet:            ws.cfg.Quiet,
		NoBuildIsolation: !ws.cfg.BuildIsolation,
		Force:            opts.force,
	}
	if cmd.Flags().Changed("extras") {
		install.Extras = opts.extras
	}

	return ws.runStaged(cmd, opts.selection, ws.cfg.Concurrency, "install",
		func(ctx context.Context, project string, log io.Writer) (*executor.Result, error) {
			opts := install
			opts.Log = log
			return ws.repo.Install(ctx, project, opts)
		})
}
