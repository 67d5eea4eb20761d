package cli

import (
	"github.com/spf13/cobra"

	"github.com/charbonnierg/kapla-v2/internal/repo"
)

type venvOptions struct {
	python string
	quiet  bool
}

func newVenvCmd(g *globalFlags) *cobra.Command {
	opts := &venvOptions{}

	cmd := &cobra.Command{
		Use:   "venv",
		Short: "Manage the repository virtual environment",
		Long: `Create or update the virtual environment shared by every project.

Commands:
  ensure  - Create the environment when missing
  update  - Create the environment when missing and upgrade pip, setuptools and wheel`,
	}

	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create the virtual environment when missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVenv(cmd, g, opts, false)
		},
	}

	update := &cobra.Command{
		Use:   "update",
		Short: "Upgrade the base toolkit of the virtual environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVenv(cmd, g, opts, true)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.python, "python", "", "Interpreter creating the environment (default: python3)")
	cmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not stream command output")
	cmd.AddCommand(ensure, update)
	return cmd
}

func runVenv(cmd *cobra.Command, g *globalFlags, opts *venvOptions, update bool) error {
	ws, err := loadWorkspace(cmd, g, nil)
	if err != nil {
		return err
	}

	created, err := ws.repo.EnsureVenv(cmd.Context(), repo.VenvOptions{
		Interpreter: opts.python,
		Update:      update,
		Quiet:       opts.quiet || ws.cfg.Quiet,
	})
	if err != nil {
		return err
	}
	switch {
	case created:
		ws.logger.Info("Created virtual environment", "path", ws.repo.VenvPath())
	case update:
		ws.logger.Info("Updated virtual environment", "path", ws.repo.VenvPath())
	default:
		ws.logger.Info("Virtual environment ready", "path", ws.repo.VenvPath())
	}
	return nil
}
