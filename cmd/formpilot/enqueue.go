package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/formpilot/internal/httpclient"
)

var batchFile string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a batch of jobs to a running server",
	Long:  `Reads job specs (targetUrl, companyLabel, externalLeadId, payload) from a JSON or YAML file and posts them to the intake API.`,
	RunE:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVarP(&batchFile, "file", "f", "", "Batch file (.json, .yaml or .yml)")
	_ = enqueueCmd.MarkFlagRequired("file")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	specs, err := readBatch(batchFile)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("batch file %s contains no jobs", batchFile)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	client := httpclient.NewClient(apiBaseURL(), nil)
	result, err := client.Enqueue(ctx, specs)

	var apiErr *httpclient.APIError
	if err != nil && !errors.As(err, &apiErr) {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Accepted %d of %d jobs\n", result.Accepted, len(specs))
	for _, rejection := range result.Rejected {
		fmt.Fprintf(out, "  rejected #%d: %s\n", rejection.Index, rejection.Error)
	}
	return err
}
