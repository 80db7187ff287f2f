package main

import (
	"fmt"
	"os"
	"time"

	"github.com/igorls/comfygo/internal/cli"
	"github.com/igorls/comfygo/internal/sentryx"
	"github.com/igorls/comfygo/internal/version"
)

func main() {
	if err := sentryx.Initialize(version.Version); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	defer sentryx.Flush(2 * time.Second)
	defer sentryx.Recover()

	if err := cli.Execute(); err != nil {
		sentryx.CaptureError(err, map[string]string{"component": "cli"})
		sentryx.Flush(2 * time.Second)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
