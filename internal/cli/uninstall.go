package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUninstallCmd(g *globalFlags) *cobra.Command {
	var (
		sel   selection
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall projects",
		Long:  `Remove the selected projects from the repository virtual environment.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := loadWorkspace(cmd, g, nil)
			if err != nil {
				return err
			}

			projects, err := ws.repo.ListProjects(sel.filter())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				ws.logger.Warn("No project selected")
				return nil
			}

			names := make([]string, 0, len(projects))
			for _, p := range projects {
				names = append(names, p.Name)
			}

			prog := newProgress(ws.logger)
			if _, err := ws.repo.Uninstall(cmd.Context(), names, quiet || ws.cfg.Quiet); err != nil {
				return err
			}
			prog.done(fmt.Sprintf("Uninstalled %d projects", len(names)))
			return nil
		},
	}

	sel.bind(cmd.Flags())
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not stream command output")
	return cmd
}
