package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/igorls/comfygo/internal/version"
)

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "📋 Show CLI version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]string{
					"version": version.Version,
					"full":    version.GetVersion(),
				})
			}
			fmt.Printf("comfyctl %s\n", version.GetVersion())
			return nil
		},
	}
}
