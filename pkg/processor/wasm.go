package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// WASMConfig configures the sandbox a module runs in.
type WASMConfig struct {
	MemoryLimitBytes int64
	Timeout          time.Duration
}

// WASM runs deterministic business logic compiled to WebAssembly (WASI).
//
// The module receives the task's canonical JSON on stdin and must write a
// JSON object to stdout. If the object has no "status" it is wrapped as
// {"status":"SUCCESS","output":<object>}.
//
// Deny-by-default: no filesystem, no network, no env vars. wazero's default
// clocks and random source are fixed fakes, so modules cannot observe wall
// time or entropy.
type WASM struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig
	limits   WASMConfig
	digest   string
	logger   *slog.Logger
}

// NewWASM compiles the module once; each Process call instantiates it fresh.
func NewWASM(ctx context.Context, module []byte, cfg WASMConfig) (*WASM, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in pages (64KB each)
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, module)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm: compilation failed: %w", err)
	}

	// Deny-by-default: we do NOT call WithFSConfig, WithSysWalltime,
	// WithSysNanotime or WithRandSource.
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start")

	return &WASM{
		runtime:  r,
		compiled: compiled,
		config:   modCfg,
		limits:   cfg,
		digest:   canonicalize.HashBytes(module),
		logger:   slog.Default().With("component", "processor"),
	}, nil
}

// ModuleDigest is the SHA-256 of the module bytes.
func (w *WASM) ModuleDigest() string { return w.digest }

// Process implements Processor.
func (w *WASM) Process(ctx context.Context, t task.Task) (task.Result, error) {
	if w.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.limits.Timeout)
		defer cancel()
	}

	input, err := canonicalize.JCS(t)
	if err != nil {
		return nil, fmt.Errorf("wasm: task serialization failed: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := w.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wasm: execution timed out after %v", w.limits.Timeout)
		}
		return nil, fmt.Errorf("wasm: instantiation failed: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		w.logger.DebugContext(ctx, "module wrote to stderr", "module", w.digest, "stderr", stderr.String())
	}

	return decodeResult(stdout.Bytes())
}

// Close shuts down the wazero runtime, freeing all resources.
func (w *WASM) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func decodeResult(out []byte) (task.Result, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, ErrEmptyOutput
	}

	var res task.Result
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("wasm: module output is not a JSON object: %w", err)
	}
	if _, ok := res[task.KeyStatus]; !ok {
		res = task.Result{
			task.KeyStatus: task.StatusSuccess,
			task.KeyOutput: map[string]any(res),
		}
	}
	return res, nil
}
