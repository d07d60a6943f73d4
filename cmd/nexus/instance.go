package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"

	"github.com/Mindburn-Labs/nexus/pkg/config"
	"github.com/Mindburn-Labs/nexus/pkg/kernel"
	"github.com/Mindburn-Labs/nexus/pkg/ledger"
	"github.com/Mindburn-Labs/nexus/pkg/observability"
	"github.com/Mindburn-Labs/nexus/pkg/store"
)

// errNoStore is returned by commands that need a durable ledger.
var errNoStore = errors.New("no durable ledger configured (set DATABASE_URL or NEXUS_LEDGER_FILE)")

// openStore picks the durable ledger mirror: DATABASE_URL first, then
// NEXUS_LEDGER_FILE. Neither set means an in-memory ledger (nil store).
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		return store.OpenSQL(ctx, cfg.DatabaseURL)
	case cfg.LedgerFile != "":
		s, err := store.NewFileStore(cfg.LedgerFile)
		if err != nil {
			return nil, err
		}
		log.Printf("[nexus] ledger file: %s", cfg.LedgerFile)
		return s, nil
	default:
		return nil, nil
	}
}

func loadPolicy(cfg *config.Config) (*config.PolicyFile, error) {
	if cfg.PolicyFile == "" {
		return &config.PolicyFile{}, nil
	}
	pf, err := config.LoadPolicyFile(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	log.Printf("[nexus] policy: %s", cfg.PolicyFile)
	return pf, nil
}

// instance is a kernel plus the resources it holds.
type instance struct {
	kernel    *kernel.Kernel
	store     store.Store
	telemetry *observability.Provider
	closers   []func(context.Context) error
}

func (rt *instance) Close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}
}

// buildInstance wires a kernel from configuration, resuming the durable
// ledger when one is configured.
func buildInstance(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*instance, error) {
	rt := &instance{}
	fail := func(err error) (*instance, error) {
		rt.Close(ctx)
		return nil, err
	}

	pf, err := loadPolicy(cfg)
	if err != nil {
		return fail(err)
	}
	lopts, err := pf.LedgerOptions()
	if err != nil {
		return fail(err)
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	var l *ledger.Ledger
	if s != nil {
		rt.store = s
		rt.closers = append(rt.closers, func(context.Context) error { return s.Close() })
		l, err = store.Resume(ctx, s, lopts...)
		if err != nil {
			return fail(err)
		}
		log.Printf("[nexus] ledger resumed: %d entries", l.Len())
	}

	kopts, closeProc, err := pf.KernelOptions(ctx, l)
	if err != nil {
		return fail(err)
	}
	rt.closers = append(rt.closers, closeProc)

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = Version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	tp, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	rt.telemetry = tp
	rt.closers = append(rt.closers, tp.Shutdown)

	kopts = append(kopts, kernel.WithLogger(logger), kernel.WithTelemetry(tp))
	k, err := kernel.New(cfg.Identity, kopts...)
	if err != nil {
		return fail(err)
	}
	rt.kernel = k
	return rt, nil
}
