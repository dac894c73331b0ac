package command

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func healthcheckCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "healthcheck URL",
		Short: "Probe a health endpoint, failing on errors and statuses of 400 and above",
		Long:  "Meant as a container health check, e.g. against http://localhost:9090/healthz.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("invalid url %s: %w", url, err)
			}
			r, err := (&http.Client{Timeout: timeout}).Do(req)
			if err != nil {
				return fmt.Errorf("requesting %s: %w", url, err)
			}
			defer r.Body.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "requesting %s -> %d\n", url, r.StatusCode) // nolint:errcheck
			if r.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("%s is unhealthy: %s", url, r.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
