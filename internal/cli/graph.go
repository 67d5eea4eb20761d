package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCmd(g *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the dependency graph",
		Long: `Print the local dependency graph of the repository, stage by stage
(text) or as a Mermaid flowchart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := loadWorkspace(cmd, g, nil)
			if err != nil {
				return err
			}

			graph := ws.repo.Graph()
			switch format {
			case "text":
				fmt.Fprint(cmd.OutOrStdout(), graph.Text())
			case "mermaid":
				fmt.Fprint(cmd.OutOrStdout(), graph.Mermaid())
			default:
				return fmt.Errorf("unknown format %q (valid: text, mermaid)", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, mermaid)")
	return cmd
}
