package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/poncho/poncho/pkg/engine"
)

func joinNames(names []string) string {
	return strings.Join(names, ", ")
}

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect workflows",
	}

	cmd.AddCommand(newWorkflowListCommand())
	cmd.AddCommand(newWorkflowShowCommand())

	return cmd
}

// workflowRegistry builds the registry the configured worker would run.
// Without a readable config it falls back to every built-in workflow.
func workflowRegistry() (*engine.Registry, error) {
	var enabled []string
	if configPath != "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		enabled = cfg.Worker.Workflows
	}
	return engine.DefaultRegistry(enabled)
}

func newWorkflowListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := workflowRegistry()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				type item struct {
					Name        string `json:"name"`
					Description string `json:"description"`
				}
				items := make([]item, 0)
				for _, wf := range registry.List() {
					items = append(items, item{wf.Name(), wf.Description()})
				}
				return printJSON(out, items)
			}

			t := newTable("NAME", "DESCRIPTION")
			for _, wf := range registry.List() {
				t.Row(wf.Name(), wf.Description())
			}
			_, err = fmt.Fprintln(out, t)
			return err
		},
	}
}

func newWorkflowShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a workflow's states and transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := workflowRegistry()
			if err != nil {
				return err
			}
			wf, err := registry.Resolve(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]interface{}{
					"name":            wf.Name(),
					"description":     wf.Description(),
					"states":          wf.States(),
					"terminal_states": wf.TerminalStates(),
					"transitions":     wf.Transitions(),
				})
			}

			fmt.Fprintf(out, "%s\n\n%s\n\n", wf.Name(), wf.Description())
			fmt.Fprintf(out, "States:   %s\n", joinNames(wf.States()))
			fmt.Fprintf(out, "Terminal: %s\n\n", joinNames(wf.TerminalStates()))
			_, err = fmt.Fprintln(out, engine.Diagram(wf))
			return err
		},
	}
}
