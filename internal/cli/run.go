package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/igorls/comfygo/pool"
	"github.com/igorls/comfygo/workflow"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var outputSpecs []string

	cmd := &cobra.Command{
		Use:   "run <workflow.json>",
		Short: "🚀 Submit a workflow and collect its outputs",
		Long: `Submits a workflow (API-format JSON) to the configured server pool,
streams execution progress, and writes the collected outputs to the
output directory.

Outputs are named with --output, as a node id or id=alias. Without the
flag every Save* node in the workflow is collected under its node id.`,
		Example: `  # Run and collect the SaveImage node under the alias "image"
  comfyctl run workflow.json --server http://gpu1:8188 --output 9=image

  # High priority job with a bigger attempt budget
  comfyctl run workflow.json -p 10 --max-attempts 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, opts, args[0], outputSpecs)
		},
	}

	cmd.Flags().StringArrayVar(&outputSpecs, "output", nil, "output node to collect, as ID or ID=alias (repeatable)")
	return cmd
}

// parseOutputSpec splits "9=image" into node id and alias; a bare id
// aliases to itself.
func parseOutputSpec(spec string) (nodeID, alias string, err error) {
	nodeID, alias, found := strings.Cut(spec, "=")
	if nodeID == "" || (found && alias == "") {
		return "", "", fmt.Errorf("invalid output spec %q, want ID or ID=alias", spec)
	}
	if !found {
		alias = nodeID
	}
	return nodeID, alias, nil
}

// defaultOutputNodes picks every Save* node when no --output was given.
func defaultOutputNodes(g workflow.Graph) []string {
	var out []string
	for id, node := range g {
		if strings.HasPrefix(node.ClassType, "Save") {
			out = append(out, id)
		}
	}
	return out
}

func runWorkflow(cmd *cobra.Command, opts *rootOptions, path string, outputSpecs []string) error {
	cfg, err := opts.resolve()
	if err != nil {
		return err
	}
	timeout, err := cfg.ParsedTimeout()
	if err != nil {
		return err
	}

	data, err := afero.ReadFile(opts.fs, path)
	if err != nil {
		return fmt.Errorf("failed to read workflow: %w", err)
	}
	g, err := workflow.Parse(data)
	if err != nil {
		return err
	}

	b := workflow.NewBuilder(g)
	if len(outputSpecs) > 0 {
		for _, spec := range outputSpecs {
			nodeID, alias, err := parseOutputSpec(spec)
			if err != nil {
				return err
			}
			b.Output(nodeID, alias)
		}
	} else {
		nodes := defaultOutputNodes(g)
		if len(nodes) == 0 {
			return fmt.Errorf("workflow has no Save* nodes; name outputs with --output")
		}
		for _, id := range nodes {
			b.Output(id, id)
		}
	}

	interactive := isatty.IsTerminal(os.Stderr.Fd()) && !opts.jsonOut
	successColor := color.New(color.FgGreen).SprintFunc()
	errorColor := color.New(color.FgRed).SprintFunc()
	infoColor := color.New(color.FgCyan).SprintFunc()

	var spin *spinner.Spinner
	status := func(msg string) {
		if spin != nil {
			spin.Suffix = " " + msg
			return
		}
		fmt.Fprintf(os.Stderr, "⏳ %s\n", msg)
	}
	if interactive {
		spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		spin.Writer = os.Stderr
		spin.Color("cyan", "bold")
		spin.Start()
		defer spin.Stop()
	}
	status(fmt.Sprintf("connecting to %d server(s)", len(cfg.Servers)))

	p, err := pool.New(opts.clientConfigs(cfg), pool.Options{
		Logger:               opts.logger(),
		NodeExecutionTimeout: timeout,
	})
	if err != nil {
		return err
	}
	defer p.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	done := make(chan pool.JobSnapshot, 1)
	ev := p.Events()
	ev.JobAccepted.On(func(info pool.JobInfo) {
		status(fmt.Sprintf("running on %s (prompt %s)", info.Job.ClientID, info.Job.PromptID))
	})
	ev.JobProgress.On(func(info pool.ProgressInfo) {
		status(fmt.Sprintf("node %s: %d/%d", info.Node, info.Value, info.Max))
	})
	ev.JobRetrying.On(func(info pool.JobRetryInfo) {
		status(fmt.Sprintf("attempt %d failed, retrying in %s", info.Job.Attempts, info.Delay))
	})
	ev.JobCompleted.On(func(info pool.JobInfo) { done <- info.Job })
	ev.JobFailed.On(func(info pool.JobFailureInfo) {
		if !info.WillRetry {
			done <- info.Job
		}
	})
	ev.JobCancelled.On(func(info pool.JobInfo) { done <- info.Job })

	if err := p.Start(ctx); err != nil {
		return err
	}

	jobID, err := p.Enqueue(ctx, b, pool.JobOptions{
		Priority:    opts.priority,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return err
	}
	status("waiting for a free server")

	var snap pool.JobSnapshot
	select {
	case snap = <-done:
	case <-ctx.Done():
		p.Cancel(context.Background(), jobID)
		select {
		case snap = <-done:
		case <-time.After(5 * time.Second):
			return fmt.Errorf("interrupted")
		}
	}
	if spin != nil {
		spin.Stop()
	}

	switch snap.Status {
	case pool.StatusCancelled:
		return fmt.Errorf("job cancelled")
	case pool.StatusFailed:
		fmt.Fprintf(os.Stderr, "%s job failed after %d attempt(s)\n", errorColor("✗"), snap.Attempts)
		return snap.LastError
	}

	if err := opts.fs.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	written := make(map[string]string, len(snap.Result.Outputs))
	for key, raw := range snap.Result.Outputs {
		file := filepath.Join(cfg.OutputDir, fmt.Sprintf("%s.json", key))
		if err := afero.WriteFile(opts.fs, file, raw, 0644); err != nil {
			return fmt.Errorf("failed to write output %s: %w", key, err)
		}
		written[key] = file
	}

	if opts.jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"job_id":     jobID,
			"prompt_id":  snap.Result.PromptID,
			"client_id":  snap.ClientID,
			"attempts":   snap.Attempts,
			"outputs":    written,
			"auto_seeds": snap.Result.AutoSeeds,
		})
	}

	fmt.Fprintf(os.Stderr, "%s completed on %s in %d attempt(s)\n",
		successColor("✓"), infoColor(snap.ClientID), snap.Attempts)
	for key, file := range written {
		fmt.Fprintf(os.Stderr, "  %s → %s\n", key, file)
	}
	for node, seed := range snap.Result.AutoSeeds {
		fmt.Fprintf(os.Stderr, "  node %s seed: %d\n", node, seed)
	}
	return nil
}
