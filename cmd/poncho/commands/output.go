package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/poncho/poncho/pkg/engine"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}

func eventFlags(ev *engine.ServiceEvent) string {
	var flags []string
	if ev.Completed {
		flags = append(flags, "completed")
	}
	if ev.Stuck {
		flags = append(flags, "stuck")
	}
	return strings.Join(flags, ",")
}

func printEvents(w io.Writer, events []*engine.ServiceEvent) error {
	if jsonOutput {
		if events == nil {
			events = []*engine.ServiceEvent{}
		}
		return printJSON(w, events)
	}
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "No service events.")
		return err
	}

	t := newTable("ID", "WORKFLOW", "STATE", "HOSTS", "PASSIVE DRAIN", "ACTIVE DRAIN", "FLAGS")
	for _, ev := range events {
		t.Row(
			fmt.Sprintf("%d", ev.ID),
			ev.Workflow,
			ev.State,
			strings.Join(ev.HostNames(), " "),
			formatTime(ev.BeginPassiveDrainAt),
			formatTime(ev.BeginActiveDrainAt),
			eventFlags(ev),
		)
	}
	_, err := fmt.Fprintln(w, t)
	return err
}

func printEvent(w io.Writer, ev *engine.ServiceEvent, history []engine.Transition) error {
	if jsonOutput {
		return printJSON(w, struct {
			*engine.ServiceEvent
			Transitions []engine.Transition `json:"transitions,omitempty"`
		}{ev, history})
	}

	fmt.Fprintf(w, "Service event %d\n", ev.ID)
	fmt.Fprintf(w, "  Workflow:       %s\n", ev.Workflow)
	fmt.Fprintf(w, "  State:          %s\n", ev.State)
	fmt.Fprintf(w, "  Hosts:          %s\n", strings.Join(ev.HostNames(), " "))
	fmt.Fprintf(w, "  Created:        %s\n", formatTime(ev.CreatedAt))
	fmt.Fprintf(w, "  Passive drain:  %s\n", formatTime(ev.BeginPassiveDrainAt))
	fmt.Fprintf(w, "  Active drain:   %s\n", formatTime(ev.BeginActiveDrainAt))
	if ev.Description != "" {
		fmt.Fprintf(w, "  Description:    %s\n", ev.Description)
	}
	if ev.Notes != "" {
		fmt.Fprintf(w, "  Notes:          %s\n", ev.Notes)
	}
	if ev.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed:      %s\n", formatTime(*ev.CompletedAt))
	}
	if ev.Stuck {
		fmt.Fprintf(w, "  Stuck:          %s\n", ev.LastError)
	} else if ev.LastError != "" {
		fmt.Fprintf(w, "  Last error:     %s\n", ev.LastError)
	}

	if len(history) == 0 {
		return nil
	}
	t := newTable("AT", "FROM", "TO", "ACTOR", "REASON")
	for _, tr := range history {
		from := tr.FromState
		if from == "" {
			from = "-"
		}
		t.Row(formatTime(tr.At), from, tr.ToState, tr.Actor, tr.Reason)
	}
	_, err := fmt.Fprintf(w, "\nHistory\n%s\n", t)
	return err
}
