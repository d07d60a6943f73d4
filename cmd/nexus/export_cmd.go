package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/nexus/pkg/config"
	"github.com/Mindburn-Labs/nexus/pkg/ledger"
	"github.com/Mindburn-Labs/nexus/pkg/store"
)

// runExportCmd implements `nexus export`: the durable ledger as a verified
// bundle, written to --out and/or the configured archive.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		outPath string
		archive bool
	)
	cmd.StringVar(&outPath, "out", "", "Write the bundle to this path (default: stdout)")
	cmd.BoolVar(&archive, "archive", false, "Also store the bundle in the archive (NEXUS_ARCHIVE_TYPE)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	setupLogging(cfg, stderr)

	pf, err := loadPolicy(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	lopts, err := pf.LedgerOptions()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if s == nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", errNoStore)
		return 2
	}
	defer func() { _ = s.Close() }()

	l, err := store.Resume(ctx, s, lopts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	b, err := ledger.Export(l, cfg.Identity)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if outPath == "" {
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		if err := os.WriteFile(outPath, append(data, '\n'), 0600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Bundle written: %s (%d entries)\n", outPath, b.EntryCount)
	}

	if archive {
		a, err := store.NewArchiverFromEnv(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		ref, err := a.Put(ctx, b)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: archive: %v\n", err)
			return 2
		}
		// Without --out the bundle owns stdout.
		if outPath == "" {
			_, _ = fmt.Fprintf(stderr, "Archived: %s\n", ref)
		} else {
			_, _ = fmt.Fprintf(stdout, "Archived: %s\n", ref)
		}
	}
	return 0
}
