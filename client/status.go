package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/nimbus/api"
	"github.com/gammadia/nimbus/client/ui"
	"github.com/rivo/uniseg"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show clouds, agents and outstanding workload",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		spinner := ui.NewSpinner("Loading status")
		status, err := client.Status(cmd.Context())
		if err != nil {
			spinner.Fail()
			return err
		}
		spinner.Stop()

		renderStatus(cmd.OutOrStdout(), status, time.Now())
		return nil
	},
}

func renderStatus(out io.Writer, status *api.Status, now time.Time) {
	fmt.Fprintf(out, "%-10s %s (%s), up %s\n", "Server:", status.Server.Version, shortCommit(status.Server.Commit),
		now.Sub(status.Server.StartedAt).Truncate(time.Second))

	fmt.Fprintln(out)
	fmt.Fprintln(out, color.HiWhiteString("Clouds"))
	for _, c := range status.Clouds {
		disabled := lo.CountBy(c.Templates, func(t api.Template) bool { return t.Disabled })
		line := fmt.Sprintf("  %-20s %d/%d agents, %d planned", color.HiCyanString(c.Name), c.Agents+c.Planned, c.MaxAgents, c.Planned)
		if c.Stopped > 0 {
			line += fmt.Sprintf(", %d stopped", c.Stopped)
		}
		if disabled > 0 {
			line += color.HiRedString(", %d template(s) disabled", disabled)
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, color.HiWhiteString("Workload"))
	if len(status.Workload) == 0 {
		fmt.Fprintln(out, "  none")
	}
	labels := lo.Keys(status.Workload)
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Fprintf(out, "  %-20s %d\n", lo.Ternary(label == "", "(any)", label), status.Workload[label])
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, color.HiWhiteString("Agents"))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, agent := range status.Agents {
		address := lo.Ternary(agent.Stopped, color.HiBlackString("stopped"), agent.Address)
		fmt.Fprintf(w, "  %s\t%s/%s\t%s\t%d slots\t%s\n", agent.Name, agent.Cloud, agent.TemplateID, address, agent.Slots,
			now.Sub(agent.CreatedAt).Truncate(time.Second))
	}
	for _, node := range status.Planned {
		fmt.Fprintf(w, "  %s\t%s/%s\t%s\t%d slots\t%s\n", node.Name, node.Cloud, node.Template,
			color.HiYellowString("provisioning"), node.Slots, lo.Ternary(node.Label == "", "(any)", node.Label))
	}
	_ = w.Flush()
	if len(status.Agents)+len(status.Planned) == 0 {
		fmt.Fprintln(out, "  none")
	}
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List templates and their state",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		clouds, err := client.Templates(cmd.Context())
		if err != nil {
			return err
		}
		renderTemplates(cmd.OutOrStdout(), clouds)
		return nil
	},
}

func renderTemplates(out io.Writer, clouds []api.Cloud) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLOUD\tTEMPLATE\tLABELS\tMODE\tSLOTS\tMAX\tSTATE")
	for _, c := range clouds {
		for _, t := range c.Templates {
			state := color.HiGreenString("enabled")
			if t.Disabled {
				state = color.HiRedString("disabled: %s", ellipsize(t.DisableCause, maxCauseWidth))
			} else if t.Failures > 0 {
				state = color.HiYellowString("%d failure(s)", t.Failures)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", c.Name, t.ID, strings.Join(t.Labels, ","), t.Mode, t.Slots,
				lo.Ternary(t.MaxAgents == 0, "-", fmt.Sprint(t.MaxAgents)), state)
		}
	}
	_ = w.Flush()
}

// Disable causes are raw provider errors and can be arbitrarily long
const maxCauseWidth = 60

// ellipsize shortens s to at most width terminal cells.
func ellipsize(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if uniseg.StringWidth(s) <= width {
		return s
	}

	var b strings.Builder
	used := 0
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		if used+g.Width() > width-1 {
			break
		}
		b.WriteString(g.Str())
		used += g.Width()
	}
	return b.String() + "…"
}
