package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/pgsteward"
	"github.com/dmitrymomot/pgsteward/pkg/logger"
)

func auditCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Run one audit cycle and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			u := pgsteward.New(cfg.stewardConfig(),
				pgsteward.WithLogger(logger.NewNope()),
				pgsteward.WithDryRun(true),
			)
			if err := u.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = u.Stop(5 * time.Second) }()

			report, err := u.TriggerAudit(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			renderReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw report as JSON")
	return cmd
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running instance's status endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, "http://"+addr+"/status", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status endpoint returned %s", resp.Status)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8089", "host:port of a running pgsteward serve")
	return cmd
}
