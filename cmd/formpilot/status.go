package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/formpilot/internal/httpclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts and scheduler settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		stats, err := httpclient.NewClient(apiBaseURL(), nil).Stats(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Pending:        %d\n", stats.Counts.Pending)
		fmt.Fprintf(out, "Processing:     %d\n", stats.Counts.Processing)
		fmt.Fprintf(out, "Completed:      %d\n", stats.Counts.Completed)
		fmt.Fprintf(out, "Failed:         %d\n", stats.Counts.Failed)
		fmt.Fprintf(out, "Paused:         %t\n", stats.Paused)
		fmt.Fprintf(out, "Max concurrent: %d\n", stats.MaxConcurrent)
		fmt.Fprintf(out, "In flight:      %d\n", stats.InFlight)
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop claiming new jobs; running jobs finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := httpclient.NewClient(apiBaseURL(), nil).Pause(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Queue paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume claiming jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := httpclient.NewClient(apiBaseURL(), nil).Resume(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Queue resumed")
		return nil
	},
}

var concurrencyCmd = &cobra.Command{
	Use:   "concurrency <1-5>",
	Short: "Set the maximum number of concurrent jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("concurrency must be a number: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		stored, err := httpclient.NewClient(apiBaseURL(), nil).SetConcurrency(ctx, n)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Max concurrent set to %d\n", stored)
		return nil
	},
}
