package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/nexus/pkg/kernel"
	"github.com/Mindburn-Labs/nexus/pkg/ledger"
	"github.com/Mindburn-Labs/nexus/pkg/processor"
	"github.com/Mindburn-Labs/nexus/pkg/screening"
	"github.com/Mindburn-Labs/nexus/pkg/verifier"
)

// PolicyFile is the YAML policy document read by LoadPolicyFile.
//
//	screening:
//	  patterns: [unsafe, unverified, hallucinate]
//	  rules:
//	    - name: small
//	      expr: size(task) < 16
//	verification:
//	  fields: [input, context]
//	  schema: task.schema.json
//	ledger:
//	  digest: sha256
//	  chained: true
//	processor:
//	  wasm_module: logic.wasm
//	  memory_limit_bytes: 16777216
//	  timeout_ms: 2000
type PolicyFile struct {
	Screening    ScreeningConfig    `yaml:"screening"`
	Verification VerificationConfig `yaml:"verification"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Processor    ProcessorConfig    `yaml:"processor"`

	// dir resolves relative paths in the document.
	dir string
}

type ScreeningConfig struct {
	Patterns []string         `yaml:"patterns"`
	Rules    []screening.Rule `yaml:"rules"`
}

type VerificationConfig struct {
	Fields []string `yaml:"fields"`
	// Schema is a path to a JSON Schema document tasks must satisfy.
	Schema string `yaml:"schema,omitempty"`
}

type LedgerConfig struct {
	Digest  string `yaml:"digest"`
	Chained bool   `yaml:"chained"`
}

type ProcessorConfig struct {
	WASMModule       string `yaml:"wasm_module,omitempty"`
	MemoryLimitBytes int64  `yaml:"memory_limit_bytes,omitempty"`
	TimeoutMs        int    `yaml:"timeout_ms,omitempty"`
}

// LoadPolicyFile reads and validates a policy document.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}

	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if _, err := canonicalize.ParseAlgorithm(pf.Ledger.Digest); err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	pf.dir = filepath.Dir(path)
	return &pf, nil
}

func (pf *PolicyFile) resolve(p string) string {
	if filepath.IsAbs(p) || pf.dir == "" {
		return p
	}
	return filepath.Join(pf.dir, p)
}

// Policy builds the screening chain: substring patterns first, then CEL rules.
func (pf *PolicyFile) Policy() (screening.Policy, error) {
	chain := screening.Chain{screening.NewSubstringPolicy(pf.Screening.Patterns...)}
	if len(pf.Screening.Rules) > 0 {
		cp, err := screening.NewCELPolicy(pf.Screening.Rules...)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cp)
	}
	return chain, nil
}

// Verifier builds the required-field check, plus the schema check if configured.
func (pf *PolicyFile) Verifier() (verifier.Verifier, error) {
	all := verifier.All{verifier.NewRequiredFields(pf.Verification.Fields...)}
	if pf.Verification.Schema != "" {
		path := pf.resolve(pf.Verification.Schema)
		schema, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		name := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".json"), ".schema")
		sv, err := verifier.NewSchemaVerifier(name, string(schema))
		if err != nil {
			return nil, err
		}
		all = append(all, sv)
	}
	return all, nil
}

// LedgerOptions returns the ledger configuration as options.
func (pf *PolicyFile) LedgerOptions() ([]ledger.Option, error) {
	alg, err := canonicalize.ParseAlgorithm(pf.Ledger.Digest)
	if err != nil {
		return nil, err
	}
	return []ledger.Option{ledger.WithAlgorithm(alg), ledger.WithChaining(pf.Ledger.Chained)}, nil
}

// NewProcessor returns the WASM processor if a module is configured, else the
// echo processor. The returned close func releases the WASM runtime.
func (pf *PolicyFile) NewProcessor(ctx context.Context) (processor.Processor, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if pf.Processor.WASMModule == "" {
		return processor.NewEcho(), noop, nil
	}
	module, err := os.ReadFile(pf.resolve(pf.Processor.WASMModule))
	if err != nil {
		return nil, noop, fmt.Errorf("read wasm module: %w", err)
	}
	w, err := processor.NewWASM(ctx, module, processor.WASMConfig{
		MemoryLimitBytes: pf.Processor.MemoryLimitBytes,
		Timeout:          time.Duration(pf.Processor.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, noop, err
	}
	return w, w.Close, nil
}

// KernelOptions assembles the kernel collaborators described by the document.
// A nil l gets a fresh ledger built from LedgerOptions; a resumed ledger is
// passed as-is.
func (pf *PolicyFile) KernelOptions(ctx context.Context, l *ledger.Ledger) ([]kernel.Option, func(context.Context) error, error) {
	policy, err := pf.Policy()
	if err != nil {
		return nil, nil, err
	}
	v, err := pf.Verifier()
	if err != nil {
		return nil, nil, err
	}
	if l == nil {
		lopts, err := pf.LedgerOptions()
		if err != nil {
			return nil, nil, err
		}
		l = ledger.New(lopts...)
	}
	proc, closeFn, err := pf.NewProcessor(ctx)
	if err != nil {
		return nil, nil, err
	}
	return []kernel.Option{
		kernel.WithPolicy(policy),
		kernel.WithVerifier(v),
		kernel.WithProcessor(proc),
		kernel.WithLedger(l),
	}, closeFn, nil
}
