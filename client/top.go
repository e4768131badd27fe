package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gammadia/nimbus/api"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show a live view of clouds, agents and workload",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		interval := lo.Must(cmd.Flags().GetDuration("interval"))
		if interval <= 0 {
			return fmt.Errorf("refresh interval must be positive")
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		app := tview.NewApplication()
		view := newTopView()
		app.SetRoot(view.layout, true)
		app.SetFocus(view.clouds)
		app.SetInputCapture(view.handleKey(app))

		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				status, err := client.Status(ctx)
				if ctx.Err() != nil {
					return
				}
				app.QueueUpdateDraw(func() { view.update(status, err, time.Now()) })

				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()

		go func() {
			<-ctx.Done()
			app.Stop()
		}()

		return app.Run()
	},
}

func init() {
	topCmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
}

type topView struct {
	header *tview.TextView
	clouds *tview.Table
	agents *tview.Table
	layout *tview.Flex

	focusables []tview.Primitive
	focusIndex int
}

func newTopView() *topView {
	v := &topView{}

	v.header = tview.NewTextView().
		SetDynamicColors(true).
		SetWordWrap(true).
		SetTextAlign(tview.AlignLeft)
	v.header.SetBorder(true).SetTitle(" Nimbus ")

	v.clouds = tview.NewTable().
		SetFixed(1, 0).
		SetSelectable(true, false)
	v.clouds.SetBorder(true).SetTitle(" Clouds ")

	v.agents = tview.NewTable().
		SetFixed(1, 0).
		SetSelectable(true, false)
	v.agents.SetBorder(true).SetTitle(" Agents ")

	v.layout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.header, 5, 0, false).
		AddItem(v.clouds, 0, 1, false).
		AddItem(v.agents, 0, 2, false)

	v.focusables = []tview.Primitive{v.clouds, v.agents}
	return v
}

// handleKey quits on 'q' and cycles the focus between tables on Tab.
func (v *topView) handleKey(app *tview.Application) func(event *tcell.EventKey) *tcell.EventKey {
	return func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyRune && event.Rune() == 'q':
			app.Stop()
			return nil
		case event.Key() == tcell.KeyTab:
			v.focusIndex = (v.focusIndex + 1) % len(v.focusables)
		case event.Key() == tcell.KeyBacktab:
			v.focusIndex = (v.focusIndex + len(v.focusables) - 1) % len(v.focusables)
		default:
			return event
		}
		app.SetFocus(v.focusables[v.focusIndex])
		return nil
	}
}

// update must run on the application's event loop.
func (v *topView) update(status *api.Status, err error, now time.Time) {
	v.header.Clear()
	if err != nil {
		fmt.Fprintf(v.header, " [red]%s[white]", tview.Escape(err.Error()))
		return
	}

	fmt.Fprintf(v.header, " [yellow]Nimbus[white] %s (%s)  |  Uptime: [green]%s[white]\n",
		status.Server.Version, shortCommit(status.Server.Commit), now.Sub(status.Server.StartedAt).Truncate(time.Second))
	fmt.Fprintf(v.header, " Workload: [yellow]%s[white]", tview.Escape(describeWorkload(status.Workload)))

	v.updateClouds(status)
	v.updateAgents(status, now)
}

func (v *topView) updateClouds(status *api.Status) {
	v.clouds.Clear()
	v.clouds.SetTitle(fmt.Sprintf(" Clouds (%d) ", len(status.Clouds)))
	setHeaderRow(v.clouds, "NAME", "AGENTS", "PLANNED", "MAX", "DISABLED")

	for i, c := range status.Clouds {
		disabled := lo.FilterMap(c.Templates, func(t api.Template, _ int) (string, bool) { return t.ID, t.Disabled })
		row := i + 1
		v.clouds.SetCell(row, 0, tview.NewTableCell(c.Name).SetTextColor(tcell.ColorWhite).SetExpansion(1))
		v.clouds.SetCell(row, 1, tview.NewTableCell(fmt.Sprint(c.Agents)).SetExpansion(1))
		v.clouds.SetCell(row, 2, tview.NewTableCell(fmt.Sprint(c.Planned)).SetTextColor(tcell.ColorYellow).SetExpansion(1))
		v.clouds.SetCell(row, 3, tview.NewTableCell(fmt.Sprint(c.MaxAgents)).SetExpansion(1))
		v.clouds.SetCell(row, 4, tview.NewTableCell(strings.Join(disabled, " ")).SetTextColor(tcell.ColorRed).SetExpansion(3))
	}
}

func (v *topView) updateAgents(status *api.Status, now time.Time) {
	v.agents.Clear()
	v.agents.SetTitle(fmt.Sprintf(" Agents: %d, provisioning: %d ", len(status.Agents), len(status.Planned)))
	setHeaderRow(v.agents, "NAME", "TEMPLATE", "ADDRESS", "SLOTS", "AGE")

	row := 1
	for _, node := range status.Planned {
		v.agents.SetCell(row, 0, tview.NewTableCell(node.Name).SetTextColor(tcell.ColorYellow).SetExpansion(1))
		v.agents.SetCell(row, 1, tview.NewTableCell(node.Cloud+"/"+node.Template).SetExpansion(1))
		v.agents.SetCell(row, 2, tview.NewTableCell("provisioning").SetTextColor(tcell.ColorYellow).SetExpansion(1))
		v.agents.SetCell(row, 3, tview.NewTableCell(fmt.Sprint(node.Slots)).SetExpansion(0))
		v.agents.SetCell(row, 4, tview.NewTableCell("").SetExpansion(1))
		row++
	}
	for _, agent := range status.Agents {
		v.agents.SetCell(row, 0, tview.NewTableCell(agent.Name).SetTextColor(tcell.ColorWhite).SetExpansion(1))
		v.agents.SetCell(row, 1, tview.NewTableCell(agent.Cloud+"/"+agent.TemplateID).SetExpansion(1))
		if agent.Stopped {
			v.agents.SetCell(row, 2, tview.NewTableCell("stopped").SetTextColor(tcell.ColorGray).SetExpansion(1))
		} else {
			v.agents.SetCell(row, 2, tview.NewTableCell(agent.Address).SetTextColor(tcell.ColorGreen).SetExpansion(1))
		}
		v.agents.SetCell(row, 3, tview.NewTableCell(fmt.Sprint(agent.Slots)).SetExpansion(0))
		v.agents.SetCell(row, 4, tview.NewTableCell(now.Sub(agent.CreatedAt).Truncate(time.Second).String()).SetExpansion(1))
		row++
	}
}

func setHeaderRow(table *tview.Table, titles ...string) {
	for col, title := range titles {
		table.SetCell(0, col, tview.NewTableCell(title).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetExpansion(1))
	}
}

func describeWorkload(workload map[string]int) string {
	if len(workload) == 0 {
		return "none"
	}
	labels := lo.Keys(workload)
	sort.Strings(labels)
	return strings.Join(lo.Map(labels, func(label string, _ int) string {
		return fmt.Sprintf("%s=%d", lo.Ternary(label == "", "(any)", label), workload[label])
	}), " ")
}
