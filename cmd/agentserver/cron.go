package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentserver/internal/cron"
)

func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron schedules",
	}
	cmd.AddCommand(newCronNextCmd())
	return cmd
}

func newCronNextCmd() *cobra.Command {
	var (
		count int
		from  string
	)
	cmd := &cobra.Command{
		Use:   "next <schedule>",
		Short: "Print the next fire times of a schedule (UTC)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
				start = t
			}
			times, err := cron.Upcoming(args[0], start, count)
			if err != nil {
				return err
			}
			for _, t := range times {
				fmt.Fprintln(cmd.OutOrStdout(), cron.Describe(t))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times to print")
	cmd.Flags().StringVar(&from, "from", "", "start instant (RFC 3339), default now")
	return cmd
}
