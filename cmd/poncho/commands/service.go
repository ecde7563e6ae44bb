package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/poncho/poncho/pkg/config"
	"github.com/poncho/poncho/pkg/engine"
	"github.com/poncho/poncho/pkg/manager"
)

func newServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "service",
		Aliases: []string{"event"},
		Short:   "Manage service events",
		Long: `Create, inspect and finish service events.

A service event moves its hosts through a workflow. The worker advances it;
operators create it and may complete or cancel it at any point.`,
	}

	cmd.AddCommand(newServiceListCommand())
	cmd.AddCommand(newServiceShowCommand())
	cmd.AddCommand(newServiceCreateCommand())
	cmd.AddCommand(newServiceCompleteCommand())
	cmd.AddCommand(newServiceCancelCommand())
	cmd.AddCommand(newServiceUnstickCommand())

	return cmd
}

func parseEventID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid service event id %q", arg)
	}
	return id, nil
}

func newServiceListCommand() *cobra.Command {
	var completed bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List service events",
		Example: `  # Open events
  poncho service list

  # Include completed and canceled events
  poncho service list --completed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(_ *config.Config, m *manager.Manager) error {
				events, err := m.ListEvents(cmd.Context(), completed)
				if err != nil {
					return err
				}
				return printEvents(cmd.OutOrStdout(), events)
			})
		},
	}

	cmd.Flags().BoolVar(&completed, "completed", false, "include completed events")

	return cmd
}

func newServiceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a service event and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), func(_ *config.Config, m *manager.Manager) error {
				ev, err := m.GetEvent(cmd.Context(), id)
				if err != nil {
					return err
				}
				history, err := m.Transitions(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printEvent(cmd.OutOrStdout(), ev, history)
			})
		},
	}
}

// createOptions holds the create flags. Delay and notice are in minutes.
type createOptions struct {
	hosts       []string
	workflow    string
	description string
	notes       string
	delay       int
	notify      int
	dryRun      bool
	annotations map[string]string
}

func (o *createOptions) request(notifySet bool) manager.CreateRequest {
	req := manager.CreateRequest{
		Hosts:       o.hosts,
		Workflow:    o.workflow,
		Description: o.description,
		Notes:       o.notes,
		Delay:       time.Duration(o.delay) * time.Minute,
		DryRun:      o.dryRun,
		Annotations: o.annotations,
	}
	if notifySet {
		notify := time.Duration(o.notify) * time.Minute
		req.Notify = &notify
	}
	return req
}

func newServiceCreateCommand() *cobra.Command {
	opts := &createOptions{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a service event",
		Long: `Create a service event for one or more hosts.

The passive drain begins after --delay minutes. The active drain begins no
sooner than --notify minutes from now, which is the minimum notice owners
get before their instances are removed. Without --notify the configured
default notice applies.`,
		Example: `  # Remove instances from two hosts with two days of notice
  poncho service create -w delete-instances --hosts compute-1 compute-2 \
    --description "Replacing failed DIMMs"

  # Preview the schedule without creating anything
  poncho service create -w delete-instances --hosts compute-1 --delay 60 --notify 240 --dry`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// --hosts a b c: trailing positional words are more hosts.
			opts.hosts = append(opts.hosts, args...)
			req := opts.request(cmd.Flags().Changed("notify"))

			return withManager(cmd.Context(), func(_ *config.Config, m *manager.Manager) error {
				ev, err := m.CreateEvent(cmd.Context(), req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if req.DryRun && !jsonOutput {
					fmt.Fprintln(out, "Dry run, nothing was created.")
				}
				return printEvent(out, ev, nil)
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.hosts, "hosts", nil, "hosts to service")
	cmd.Flags().StringVarP(&opts.workflow, "workflow", "w", "", "workflow to run ("+joinNames(engine.BuiltinNames())+")")
	cmd.Flags().StringVar(&opts.description, "description", "", "reason for the event, sent to owners")
	cmd.Flags().StringVar(&opts.description, "desc", "", "alias for --description")
	cmd.Flags().StringVar(&opts.notes, "notes", "", "internal notes")
	cmd.Flags().IntVar(&opts.delay, "delay", 0, "minutes to wait before the passive drain")
	cmd.Flags().IntVar(&opts.notify, "notify", 60*48, "minimum minutes of notice before the active drain")
	cmd.Flags().BoolVar(&opts.dryRun, "dry", false, "show the event without creating it")
	cmd.Flags().StringToStringVarP(&opts.annotations, "annotation", "a", nil, "annotation to validate, key=value")
	_ = cmd.Flags().MarkHidden("desc")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("hosts")

	return cmd
}

func newServiceCompleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a service event complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), func(_ *config.Config, m *manager.Manager) error {
				ev, err := m.CompleteEvent(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printEvent(cmd.OutOrStdout(), ev, nil)
			})
		},
	}
}

func newServiceCancelCommand() *cobra.Command {
	var silent bool

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a service event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), func(_ *config.Config, m *manager.Manager) error {
				ev, err := m.CancelEvent(cmd.Context(), id, silent)
				if err != nil {
					return err
				}
				return printEvent(cmd.OutOrStdout(), ev, nil)
			})
		},
	}

	cmd.Flags().BoolVar(&silent, "silent", false, "do not log that owners were not told")

	return cmd
}

func newServiceUnstickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unstick <id>",
		Short: "Let the worker retry a stuck service event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), func(_ *config.Config, m *manager.Manager) error {
				if err := m.Unstick(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service event %d will be retried on the next pass.\n", id)
				return nil
			})
		},
	}
}
