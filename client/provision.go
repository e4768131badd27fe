package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/gammadia/nimbus/client/ui"
	"github.com/spf13/cobra"
)

var provisionCmd = &cobra.Command{
	Use:   "provision CLOUD TEMPLATE",
	Short: "Provision an agent right away, regardless of the capacity caps",
	Args:  cobra.ExactArgs(2),

	RunE: func(cmd *cobra.Command, args []string) error {
		spinner := ui.NewSpinner(fmt.Sprintf("Provisioning agent from template '%s' of cloud '%s'", args[1], args[0]))

		agent, err := client.Provision(cmd.Context(), args[0], args[1])
		if err != nil {
			spinner.Fail()
			return err
		}

		spinner.Success(fmt.Sprintf("Agent %s is online at %s", color.HiCyanString(agent.Name), agent.Address))
		if verbose {
			cmd.Printf("%-12s %s\n", "Resource:", agent.ResourceID)
			cmd.Printf("%-12s %d\n", "Slots:", agent.Slots)
			cmd.Printf("%-12s %s\n", "Reclaim:", agent.Reclaim)
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset CLOUD TEMPLATE",
	Short: "Re-enable a template disabled after repeated failures",
	Args:  cobra.ExactArgs(2),

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.ResetTemplate(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		cmd.PrintErrln(color.HiGreenString("Template '%s' of cloud '%s' is enabled", args[1], args[0]))
		return nil
	},
}

var demandCmd = &cobra.Command{
	Use:   "demand WORKLOAD",
	Short: "Report the workload waiting for agents",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		workload, err := strconv.Atoi(args[0])
		if err != nil || workload < 0 {
			return fmt.Errorf("invalid workload '%s', expected a non-negative number of slots", args[0])
		}
		label, _ := cmd.Flags().GetString("label")

		if err := client.Demand(cmd.Context(), label, workload); err != nil {
			return err
		}
		cmd.PrintErrln(color.HiGreenString("Reported a workload of %d slot(s) for %s", workload, describeLabel(label)))
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release AGENT",
	Short: "Tear an agent down and forget it",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		spinner := ui.NewSpinner(fmt.Sprintf("Releasing agent '%s'", args[0]))
		if err := client.Release(cmd.Context(), args[0]); err != nil {
			spinner.Fail()
			return err
		}
		spinner.Success(fmt.Sprintf("Released agent '%s'", args[0]))
		return nil
	},
}

func init() {
	demandCmd.Flags().String("label", "", "label expression the workload requires")
}

func describeLabel(label string) string {
	if label == "" {
		return "unlabeled work"
	}
	return fmt.Sprintf("label '%s'", label)
}
