package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/charbonnierg/kapla-v2/internal/config"
	"github.com/charbonnierg/kapla-v2/internal/repo"
	"github.com/charbonnierg/kapla-v2/internal/runlog"
)

type initOptions struct {
	force  bool
	global bool
}

func newInitCmd(g *globalFlags) *cobra.Command {
	opts := &initOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default kapla configuration",
		Long: `Write the default configuration to kapla.yaml at the repository root,
or to the global configuration file with --global.

Safe to run multiple times - will not overwrite existing config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, g, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite existing config")
	cmd.Flags().BoolVar(&opts.global, "global", false, "Write the global config instead")
	return cmd
}

func runInit(cmd *cobra.Command, g *globalFlags, opts *initOptions) error {
	out := cmd.OutOrStdout()

	var path, root string
	if opts.global {
		path = config.GlobalConfigPath()
		if path == "" {
			return errors.New("could not determine home directory")
		}
	} else {
		var err error
		root, err = repo.FindRoot(g.repo)
		if err != nil {
			return err
		}
		path = filepath.Join(root, config.FileName)
	}

	if config.Exists(path) && !opts.force {
		fmt.Fprintf(out, "Config %s already exists, skipping\n", path)
	} else {
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to create config: %w", err)
		}
		fmt.Fprintf(out, "Created %s\n", path)
	}

	if root == "" {
		return nil
	}

	updated, err := updateGitignore(root)
	if err != nil {
		fmt.Fprintf(out, "Warning: failed to update .gitignore: %v\n", err)
	} else if updated {
		fmt.Fprintln(out, "Updated .gitignore")
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  kapla list       # Show projects and their dependencies")
	fmt.Fprintln(out, "  kapla install    # Install every project in the virtual environment")
	return nil
}

// updateGitignore ignores the build outputs kapla writes.
func updateGitignore(root string) (bool, error) {
	gitignorePath := filepath.Join(root, ".gitignore")
	entries := []string{
		"# kapla",
		repo.DistDir + "/",
		"**/" + repo.DistDir + "/",
		runlog.DefaultDir + "/",
	}

	existing, _ := os.ReadFile(gitignorePath)
	content := string(existing)

	if strings.Contains(content, "# kapla") {
		return false, nil
	}

	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += "\n" + strings.Join(entries, "\n") + "\n"

	return true, os.WriteFile(gitignorePath, []byte(content), 0600)
}
