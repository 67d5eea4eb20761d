package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	verbose bool
	config  string
	repo    string
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "kapla",
		Short: "Build and install the projects of a Python monorepo",
		Long: `kapla discovers the projects of a Python monorepo, orders them by
their local dependencies and drives poetry and pip for each of them.

Projects that do not depend on each other are processed in parallel;
a project never starts before all of its local dependencies are done.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.InfoLevel
			if g.verbose {
				level = log.DebugLevel
			}
			cmd.SetContext(withLogger(cmd.Context(), newLogger(os.Stderr, level)))
		},
	}

	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable verbose output")
	root.PersistentFlags().StringVarP(&g.config, "config", "c", "", "Configuration file (default: kapla.yaml at the repository root)")
	root.PersistentFlags().StringVarP(&g.repo, "repo", "C", ".", "Directory inside the repository")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(g))
	root.AddCommand(newListCmd(g))
	root.AddCommand(newGraphCmd(g))
	root.AddCommand(newInstallCmd(g))
	root.AddCommand(newBuildCmd(g))
	root.AddCommand(newUninstallCmd(g))
	root.AddCommand(newProjectCmd(g))
	root.AddCommand(newLogsCmd(g))
	root.AddCommand(newRepairCmd(g))
	root.AddCommand(newRunCmd(g))
	root.AddCommand(newVenvCmd(g))
	root.AddCommand(newCleanCmd(g))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kapla %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// Execute runs the root command. An interrupt cancels the running command,
// which stops its subprocesses before returning.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

// SetVersionInfo sets version information from build flags
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}
