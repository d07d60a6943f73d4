package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/nexus/pkg/config"
	"github.com/Mindburn-Labs/nexus/pkg/kernel"
	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// runExecCmd implements `nexus exec`: one task through the kernel, recorded
// in the durable ledger when one is configured.
//
// Exit codes:
//
//	0 = task succeeded
//	1 = task blocked or failed verification
//	2 = runtime error
func runExecCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("exec", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		taskPath   string
		jsonOutput bool
	)
	cmd.StringVar(&taskPath, "task", "", "Path to a task JSON object, or - for stdin (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the outcome as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if taskPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --task is required")
		return 2
	}

	t, err := readTask(taskPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	rt, err := buildInstance(ctx, cfg, setupLogging(cfg, stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close(ctx)

	out, err := rt.kernel.Execute(ctx, t)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		switch out.Status {
		case kernel.StatusSuccess:
			_, _ = fmt.Fprintf(stdout, "%s✔ %v%s\n", ColorGreen, out.Result.Output(), ColorReset)
			_, _ = fmt.Fprintf(stdout, "   Sequence:  %d\n", out.Entry.Sequence)
			_, _ = fmt.Fprintf(stdout, "   Signature: %s\n", out.Entry.Signature)
		default:
			_, _ = fmt.Fprintf(stdout, "%s✘ %s: %s%s\n", ColorRed, out.Status, out.Reason, ColorReset)
		}
	}

	if !out.OK() {
		return 1
	}
	return 0
}

func readTask(path string) (task.Task, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		//nolint:gosec // G304: path is a CLI argument
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read task: %w", err)
	}

	var t task.Task
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	if t == nil {
		return nil, errors.New("parse task: task must be a JSON object")
	}
	return t, nil
}
