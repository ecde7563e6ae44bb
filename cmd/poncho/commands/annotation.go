package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/poncho/poncho/pkg/annotations"
	"github.com/poncho/poncho/pkg/config"
)

func newAnnotationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "annotation",
		Short: "Explain and check instance annotations",
		Long: `Instance annotations are metadata keys owners set to control how their
instances are treated during maintenance: when they may be rebooted or
terminated, which HA group they belong to and where notices go.`,
	}

	cmd.AddCommand(newAnnotationKeysCommand())
	cmd.AddCommand(newAnnotationExplainCommand())
	cmd.AddCommand(newAnnotationValidateCommand())

	return cmd
}

func newAnnotationKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List annotation keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, annotations.ListKeys())
			}
			for _, key := range annotations.ListKeys() {
				fmt.Fprintln(out, key)
			}
			return nil
		},
	}
}

func newAnnotationExplainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <key>...",
		Short: "Describe the syntax an annotation accepts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, key := range args {
				desc, err := annotations.Explain(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s\n", key, desc)
			}
			return nil
		},
	}
}

// parseAnnotationArgs splits key=value arguments.
func parseAnnotationArgs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid annotation %q, expected key=value", arg)
		}
		out[key] = value
	}
	return out, nil
}

func newAnnotationValidateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate [key=value...]",
		Short: "Validate annotations",
		Example: `  poncho annotation validate reboot_when="TimeOfDay(22:00, 06:00, -05:00)" ha_group_min=2

  # Values from a CUE file checked against the annotation schema
  poncho annotation validate -f instance.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAnnotationArgs(args)
			if err != nil {
				return err
			}
			if file != "" {
				fromFile, err := config.NewCUEParser().ParseAnnotations(file)
				if err != nil {
					return err
				}
				for k, v := range fromFile {
					if _, ok := values[k]; !ok {
						values[k] = v
					}
				}
			}
			if len(values) == 0 {
				return errors.New("nothing to validate")
			}

			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			out := cmd.OutOrStdout()
			failed := 0
			for _, k := range keys {
				if err := annotations.Validate(k, values[k]); err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s\n", err)
					continue
				}
				fmt.Fprintf(out, "ok   %s=%s\n", k, values[k])
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d annotations are invalid", failed, len(keys))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "CUE file with annotation values")

	return cmd
}
