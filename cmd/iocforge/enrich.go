package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/iocforge/internal/observability"
	"github.com/lvonguyen/iocforge/internal/service"
)

func newEnrichCmd(configPath *string) *cobra.Command {
	var noCache bool

	cmd := &cobra.Command{
		Use:   "enrich <indicator>",
		Short: "Enrich one indicator and print the results",
		Long:  "Runs every enabled analyzer against the indicator through the same cache the API uses and prints the JSON result array.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			var outcome *service.Outcome
			if noCache {
				outcome, err = a.service.Compute(cmd.Context(), args[0])
			} else {
				outcome, err = a.service.Get(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			a.logger.Debug("Enrichment complete",
				observability.IOC(outcome.Record.Indicator),
				zap.Bool("cached", outcome.Cached),
			)

			var out bytes.Buffer
			if err := json.Indent(&out, outcome.Record.Payload, "", "  "); err != nil {
				return fmt.Errorf("formatting results: %w", err)
			}
			out.WriteByte('\n')
			_, err = cmd.OutOrStdout().Write(out.Bytes())
			return err
		},
	}

	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the enrichment cache")
	return cmd
}
