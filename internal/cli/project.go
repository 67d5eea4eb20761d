package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/charbonnierg/kapla-v2/internal/repo"
)

type projectOptions struct {
	name  string
	group string
	quiet bool
}

type dependencyEdit func(r *repo.Repo, ctx context.Context, name string, packages []string, opts repo.DependencyOptions) error

func newProjectCmd(g *globalFlags) *cobra.Command {
	opts := &projectOptions{}

	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage the dependencies of a project",
		Long: `Add or remove dependencies of a project.

Packages are resolved by poetry in a dedicated group of the root
pyproject.toml, then the resolved constraints are written to the
project.yml file of the project.

Commands:
  add     - Add packages to a project
  remove  - Remove packages from a project`,
	}

	add := &cobra.Command{
		Use:   "add <package>...",
		Short: "Add packages to a project",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editProject(cmd, g, opts, args, (*repo.Repo).AddDependencies)
		},
	}

	remove := &cobra.Command{
		Use:     "remove <package>...",
		Aliases: []string{"rm"},
		Short:   "Remove packages from a project",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editProject(cmd, g, opts, args, (*repo.Repo).RemoveDependencies)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.name, "project", "p", "", "Project to edit (default: project of the --repo directory)")
	cmd.PersistentFlags().StringVarP(&opts.group, "group", "g", "", "Extras group to edit (default: main dependencies)")
	cmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not stream command output")
	cmd.AddCommand(add, remove)
	return cmd
}

func editProject(cmd *cobra.Command, g *globalFlags, opts *projectOptions, packages []string, edit dependencyEdit) error {
	ws, err := loadWorkspace(cmd, g, nil)
	if err != nil {
		return err
	}

	name, err := currentProject(ws.repo, opts.name, g.repo)
	if err != nil {
		return err
	}

	deps := repo.DependencyOptions{Group: opts.group, Quiet: opts.quiet || ws.cfg.Quiet}
	if err := edit(ws.repo, cmd.Context(), name, packages, deps); err != nil {
		return err
	}

	p, err := ws.repo.Project(name)
	if err != nil {
		return err
	}
	ws.logger.Info("Updated project", "project", name, "dependencies", len(p.Spec.Dependencies), "local", p.LocalDependencies)
	return nil
}
