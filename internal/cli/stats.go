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

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "📊 Show system stats for each configured server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			type serverStats struct {
				URL   string             `json:"url"`
				Stats client.SystemStats `json:"stats,omitempty"`
				Error string             `json:"error,omitempty"`
			}
			results := make([]serverStats, 0, len(cfg.Servers))
			for _, srv := range cfg.Servers {
				entry := serverStats{URL: srv.URL}
				s, err := client.New(client.Options{BaseURL: srv.URL, Logger: opts.logger()})
				if err == nil {
					entry.Stats, err = s.SystemStats(ctx)
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
				sys := r.Stats.System
				fmt.Printf("  ComfyUI %s (python %s, %s)\n", sys.ComfyUIVersion, sys.PythonVersion, sys.OS)
				fmt.Printf("  RAM: %s free of %s\n", formatBytes(sys.RAMFree), formatBytes(sys.RAMTotal))
				for _, d := range r.Stats.Devices {
					fmt.Printf("  %s (%s): %s VRAM free of %s\n",
						d.Name, d.Type, formatBytes(d.VRAMFree), formatBytes(d.VRAMTotal))
				}
			}
			return nil
		},
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
