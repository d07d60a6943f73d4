package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/nexus/pkg/ledger"
	"github.com/Mindburn-Labs/nexus/pkg/store"
)

// runVerifyCmd implements `nexus verify`: checks a bundle's version, hash and
// every entry signature.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		ref        string
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to a bundle JSON file")
	cmd.StringVar(&ref, "ref", "", "Archive reference (sha256:…) of a bundle")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (bundlePath == "") == (ref == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --bundle or --ref is required")
		return 2
	}

	b, err := loadBundle(context.Background(), bundlePath, ref)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	source := bundlePath
	if source == "" {
		source = ref
	}

	verr := ledger.VerifyBundle(b)
	if jsonOutput {
		report := map[string]any{
			"bundle": source,
			"valid":  verr == nil,
		}
		if verr != nil {
			report["error"] = verr.Error()
		} else {
			report["bundle_id"] = b.BundleID
			report["entries"] = b.EntryCount
			report["chain_head"] = b.ChainHead
		}
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if verr != nil {
		_, _ = fmt.Fprintf(stderr, "%s✘ Verification failed: %v%s\n", ColorRed, verr, ColorReset)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s✔ Bundle verified: %s%s\n", ColorGreen, source, ColorReset)
		_, _ = fmt.Fprintf(stdout, "   Bundle:   %s\n", b.BundleID)
		_, _ = fmt.Fprintf(stdout, "   Version:  %s\n", b.Version)
		_, _ = fmt.Fprintf(stdout, "   Digest:   %s (chained: %t)\n", b.Algorithm, b.Chained)
		_, _ = fmt.Fprintf(stdout, "   Entries:  %d\n", b.EntryCount)
		_, _ = fmt.Fprintf(stdout, "   Head:     %s\n", b.ChainHead)
	}

	if verr != nil {
		return 1
	}
	return 0
}

func loadBundle(ctx context.Context, path, ref string) (*ledger.Bundle, error) {
	if ref != "" {
		a, err := store.NewArchiverFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		return a.Get(ctx, ref)
	}

	//nolint:gosec // G304: path is a CLI argument
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var b ledger.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	return &b, nil
}
