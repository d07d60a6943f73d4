package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/api"
	"github.com/Mindburn-Labs/nexus/pkg/config"
	"github.com/Mindburn-Labs/nexus/pkg/limiter"
	"github.com/Mindburn-Labs/nexus/pkg/payment"
)

// runServeCmd implements `nexus serve`: the HTTP API until SIGINT/SIGTERM.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var addr string
	cmd.StringVar(&addr, "addr", ":"+cfg.Port, "Listen address")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(stdout, "%sNexus Kernel starting...%s\n", ColorBold+ColorBlue, ColorReset)
	logger := setupLogging(cfg, stderr)

	rt, err := buildInstance(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close(context.Background())

	opts := []api.Option{api.WithLogger(logger)}

	policy := limiter.Policy{RPS: cfg.RateRPS, Burst: cfg.RateBurst}
	if cfg.RedisAddr != "" {
		rs, client := limiter.NewRedisStoreFromAddr(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, policy)
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: redis ping failed: %v\n", err)
			return 2
		}
		log.Printf("[nexus] rate limiter: redis at %s", cfg.RedisAddr)
		opts = append(opts, api.WithRateLimit(rs))
	} else {
		ms := limiter.NewMemoryStore(policy)
		go ms.Run(ctx, time.Minute, 10*time.Minute)
		opts = append(opts, api.WithRateLimit(ms))
	}

	if cfg.JWTSecret != "" {
		opts = append(opts, api.WithJWTSecret([]byte(cfg.JWTSecret)))
		log.Println("[nexus] auth: bearer (HS256)")
	}
	if cfg.PriceMinor > 0 {
		// Only the placeholder gateway ships with the binary, and NewServer
		// refuses it for a priced gate.
		opts = append(opts, api.WithPayment(payment.PlaceholderNode{}, cfg.PriceMinor))
	}

	server, err := api.NewServer(rt.kernel, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (no settling payment gateway is configured; unset NEXUS_PRICE_MINOR)\n", err)
		return 2
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[nexus] ready: http://localhost%s (identity %s)", addr, rt.kernel.Label())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "Error: server: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		log.Println("[nexus] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: shutdown: %v\n", err)
			return 1
		}
	}
	return 0
}
