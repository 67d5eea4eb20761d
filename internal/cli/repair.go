package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/charbonnierg/kapla-v2/internal/repo"
)

type repairOptions struct {
	check   bool
	missing bool
	zombies bool
	quiet   bool
}

func newRepairCmd(g *globalFlags) *cobra.Command {
	opts := &repairOptions{}

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Sync the root pyproject groups with the project files",
		Long: `Compare the dependencies declared in every project file with the
poetry groups of the root pyproject.toml.

Dependencies declared by a project but missing from its group are added
with poetry add; group dependencies no project declares anymore are
removed with poetry remove. Project files are never modified.

Examples:
  kapla repair --check
  kapla repair --zombies=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRepair(cmd, g, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.check, "check", false, "Only report the drift, fail when there is any")
	cmd.Flags().BoolVar(&opts.missing, "missing", true, "Add missing dependencies")
	cmd.Flags().BoolVar(&opts.zombies, "zombies", true, "Remove undeclared dependencies")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not stream command output")
	return cmd
}

func runRepair(cmd *cobra.Command, g *globalFlags, opts *repairOptions) error {
	ws, err := loadWorkspace(cmd, g, nil)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if opts.check {
		drift := ws.repo.Drift()
		if len(drift) == 0 {
			fmt.Fprintln(out, "All groups are in sync.")
			return nil
		}
		if err := printDrift(out, drift); err != nil {
			return err
		}
		return fmt.Errorf("%d groups out of sync", len(drift))
	}

	prog := newProgress(ws.logger)
	drift, err := ws.repo.Repair(cmd.Context(), repo.RepairOptions{
		Missing: opts.missing,
		Zombies: opts.zombies,
		Quiet:   opts.quiet || ws.cfg.Quiet,
	})
	if len(drift) == 0 && err == nil {
		fmt.Fprintln(out, "All groups are in sync.")
		return nil
	}
	if printErr := printDrift(out, drift); printErr != nil {
		return printErr
	}
	if err != nil {
		return err
	}
	prog.done(fmt.Sprintf("Repaired %d groups", len(drift)))
	return nil
}

func printDrift(w io.Writer, drift []repo.GroupDrift) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tMISSING\tZOMBIES")
	fmt.Fprintln(tw, "-----\t-------\t-------")

	for _, d := range drift {
		missing := make([]string, 0, len(d.Missing))
		for _, dep := range d.Missing {
			missing = append(missing, dep.Name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.PoetryGroup, orDash(missing), orDash(d.Zombies))
	}
	return tw.Flush()
}

func orDash(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}
