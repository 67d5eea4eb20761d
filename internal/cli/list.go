package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/charbonnierg/kapla-v2/internal/repo"
)

type listOptions struct {
	selection
	output string
	stages bool
}

func newListCmd(g *globalFlags) *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects",
		Long: `List the projects of the repository in dependency order.

With --stages, print the groups of projects that can be processed in
parallel instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, g, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&opts.stages, "stages", false, "Print parallel stages")
	opts.selection.bind(cmd.Flags())
	return cmd
}

// projectInfo is the listed view of a project.
type projectInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Workspace    string   `json:"workspace"`
	Path         string   `json:"path"`
	Dependencies []string `json:"dependencies"`
}

func runList(cmd *cobra.Command, g *globalFlags, opts *listOptions) error {
	ws, err := loadWorkspace(cmd, g, nil)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if opts.stages {
		stages, err := ws.repo.Stages(opts.filter())
		if err != nil {
			return err
		}
		if opts.output == "json" {
			return printJSON(out, stages)
		}
		for i, stage := range stages {
			fmt.Fprintf(out, "Stage %d: %s\n", i, strings.Join(stage, ", "))
		}
		return nil
	}

	projects, err := ws.repo.ListProjects(opts.filter())
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Fprintln(out, "No projects found.")
		fmt.Fprintln(out, "\nDeclare workspaces in pyproject.toml:")
		fmt.Fprintln(out, "  [tool.repo.workspaces]")
		fmt.Fprintln(out, "  libs = [\"libs/\"]")
		return nil
	}

	infos := make([]projectInfo, 0, len(projects))
	for _, p := range projects {
		path, err := filepath.Rel(ws.repo.Root(), p.Dir)
		if err != nil {
			path = p.Dir
		}
		deps := p.LocalDependencies
		if deps == nil {
			deps = []string{}
		}
		infos = append(infos, projectInfo{
			Name:         p.Name,
			Version:      ws.repo.ProjectVersion(p),
			Workspace:    p.Workspace,
			Path:         path,
			Dependencies: deps,
		})
	}

	switch opts.output {
	case "json":
		return printJSON(out, infos)
	default:
		return printTable(out, infos)
	}
}

func printTable(w io.Writer, infos []projectInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tWORKSPACE\tPATH\tDEPENDENCIES")
	fmt.Fprintln(tw, "----\t-------\t---------\t----\t------------")

	for _, p := range infos {
		deps := strings.Join(p.Dependencies, ", ")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Version, p.Workspace, p.Path, deps)
	}

	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// currentProject returns the project name given explicitly, or the project
// containing dir.
func currentProject(r *repo.Repo, name, dir string) (string, error) {
	if name != "" {
		p, err := r.Project(name)
		if err != nil {
			return "", err
		}
		return p.Name, nil
	}
	p, err := r.ProjectAt(dir)
	if err != nil {
		return "", fmt.Errorf("%w (use --project)", err)
	}
	return p.Name, nil
}
