package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"scanflow/api/services/workflow"
)

var (
	runFile   string
	runInput  string
	runOwner  string
	runStore  string
	runDSN    string
	checkFile string
)

var runCmd = &cobra.Command{
	Use:   "run -f WORKFLOW_FILE",
	Short: "Execute a workflow definition and print the run",
	Long: `Execute a workflow definition file (YAML or JSON) in this process and print
the finished run with its node executions as JSON.

Interrupting the command cancels the run and any scan job it started.

Examples:
  scanflow run -f pipeline.yaml
  scanflow run -f pipeline.yaml --input '{"default": {"filePath": "targets.txt"}}'
  scanflow run -f pipeline.yaml --store sqlite --dsn ./scanflow.db`,
	RunE: runWorkflow,
}

var validateCmd = &cobra.Command{
	Use:   "validate -f WORKFLOW_FILE",
	Short: "Validate a workflow definition and print its execution order",
	RunE:  runValidate,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "workflow definition file")
	runCmd.Flags().StringVar(&runInput, "input", "", "workflow input as a JSON object")
	runCmd.Flags().StringVar(&runOwner, "owner", "local", "owner id the run executes as")
	runCmd.Flags().StringVar(&runStore, "store", "memory", "state store driver (memory, sqlite, postgres)")
	runCmd.Flags().StringVar(&runDSN, "dsn", "", "state store DSN")
	_ = runCmd.MarkFlagRequired("file")

	validateCmd.Flags().StringVarP(&checkFile, "file", "f", "", "workflow definition file")
	_ = validateCmd.MarkFlagRequired("file")
}

func runWorkflow(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{"store.driver": runStore}
	if runDSN != "" {
		overrides["store.dsn"] = runDSN
	}
	cfg, err := setup(os.Stderr, overrides)
	if err != nil {
		return err
	}

	def, err := loadDefinition(runFile)
	if err != nil {
		return err
	}
	if err := workflow.Validate(def); err != nil {
		return err
	}
	input := map[string]any{}
	if runInput != "" {
		if err := json.Unmarshal([]byte(runInput), &input); err != nil {
			return fmt.Errorf("parse --input: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer be.close()

	engine, err := newEngine(cfg, be.store)
	if err != nil {
		return err
	}

	runID, err := engine.Start(ctx, def, input, runOwner, workflow.StartOptions{Name: runFile})
	if err != nil {
		return err
	}
	if err := engine.Await(ctx, runID); err != nil {
		// Interrupted: cancel the run and wait for its controller to stop.
		stopCtx := context.WithoutCancel(ctx)
		if cerr := engine.Cancel(stopCtx, runID); cerr != nil {
			return cerr
		}
		if err := engine.Await(stopCtx, runID); err != nil {
			return err
		}
	}

	details, err := engine.Details(context.WithoutCancel(ctx), runID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(details); err != nil {
		return err
	}
	if details.Status == workflow.RunFailed {
		return fmt.Errorf("run %s failed: %s", runID, details.ErrorMessage)
	}
	return nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	def, err := loadDefinition(checkFile)
	if err != nil {
		return err
	}
	if err := workflow.Validate(def); err != nil {
		return err
	}
	graph, err := workflow.BuildGraph(def)
	if err != nil {
		return err
	}
	order, err := workflow.Schedule(graph)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid, %d nodes\n", checkFile, graph.Len())
	for i, id := range order {
		node, _ := graph.Node(id)
		fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s (%s)\n", i+1, id, node.Type)
	}
	return nil
}

// loadDefinition reads a definition file. JSON files parse as YAML.
func loadDefinition(path string) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	var def workflow.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow file: %w", err)
	}
	return &def, nil
}
