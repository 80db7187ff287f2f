package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/igorls/comfygo/client"
)

func newQueueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "📋 Show the queue snapshot of each configured server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			type serverQueue struct {
				URL   string           `json:"url"`
				Queue client.QueueInfo `json:"queue,omitempty"`
				Error string           `json:"error,omitempty"`
			}
			results := make([]serverQueue, 0, len(cfg.Servers))
			for _, srv := range cfg.Servers {
				entry := serverQueue{URL: srv.URL}
				s, err := client.New(client.Options{BaseURL: srv.URL, Logger: opts.logger()})
				if err == nil {
					entry.Queue, err = s.QueueInfo(ctx)
				}
				if err != nil {
					entry.Error = err.Error()
				}
				results = append(results, entry)
			}

			if opts.jsonOut {
				return json.NewEncoder(os.Stdout).Encode(results)
			}

			headerColor := color.New(color.FgCyan, color.Bold)
			errorColor := color.New(color.FgRed).SprintFunc()
			for _, r := range results {
				headerColor.Println(r.URL)
				if r.Error != "" {
					fmt.Printf("  %s %s\n", errorColor("✗"), r.Error)
					continue
				}
				fmt.Printf("  running: %d, pending: %d\n", len(r.Queue.Running), len(r.Queue.Pending))
				for _, e := range r.Queue.Running {
					fmt.Printf("  ▶ %s\n", e.PromptID)
				}
				for _, e := range r.Queue.Pending {
					fmt.Printf("  · %s\n", e.PromptID)
				}
			}
			return nil
		},
	}
}
