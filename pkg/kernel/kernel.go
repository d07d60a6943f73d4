// Package kernel is the orchestrator of the gatekeeping pipeline:
// screen → verify → process → ledger append.
//
// Only successful executions reach the ledger. Blocked tasks and tasks that
// fail state verification are returned to the caller and never logged.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/nexus/pkg/ledger"
	"github.com/Mindburn-Labs/nexus/pkg/observability"
	"github.com/Mindburn-Labs/nexus/pkg/processor"
	"github.com/Mindburn-Labs/nexus/pkg/screening"
	"github.com/Mindburn-Labs/nexus/pkg/task"
	"github.com/Mindburn-Labs/nexus/pkg/verifier"
)

// ErrProcessing wraps failures of the pluggable processor.
var ErrProcessing = errors.New("kernel: processing failed")

// labelLength is how much of the identity seed Label shows.
const labelLength = 16

// Option configures a Kernel.
type Option func(*Kernel)

// WithPolicy replaces the default substring screening policy.
func WithPolicy(p screening.Policy) Option {
	return func(k *Kernel) { k.policy = p }
}

// WithVerifier replaces the default required-fields verifier.
func WithVerifier(v verifier.Verifier) Option {
	return func(k *Kernel) { k.verifier = v }
}

// WithProcessor replaces the default echo processor.
func WithProcessor(p processor.Processor) Option {
	return func(k *Kernel) { k.processor = p }
}

// WithLedger hands the kernel a pre-built (e.g. restored) ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(k *Kernel) { k.ledger = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

func WithTelemetry(p *observability.Provider) Option {
	return func(k *Kernel) { k.telemetry = p }
}

// Kernel owns one ledger and runs tasks through the pipeline.
// Execute is safe for concurrent use.
type Kernel struct {
	identity  string
	policy    screening.Policy
	verifier  verifier.Verifier
	processor processor.Processor
	ledger    *ledger.Ledger
	logger    *slog.Logger
	telemetry *observability.Provider
}

// New builds a kernel. identitySeed is used only for labeling.
func New(identitySeed string, opts ...Option) (*Kernel, error) {
	k := &Kernel{identity: identitySeed}
	for _, opt := range opts {
		opt(k)
	}

	if k.policy == nil {
		k.policy = screening.NewSubstringPolicy()
	}
	if k.verifier == nil {
		k.verifier = verifier.NewRequiredFields()
	}
	if k.processor == nil {
		k.processor = processor.NewEcho()
	}
	if k.ledger == nil {
		k.ledger = ledger.New()
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	k.logger = k.logger.With("component", "kernel", "identity", k.Label())
	if k.telemetry == nil {
		tp, err := observability.New(context.Background(), nil)
		if err != nil {
			return nil, fmt.Errorf("kernel: telemetry: %w", err)
		}
		k.telemetry = tp
	}

	k.logger.Info("kernel initialized",
		"digest", k.ledger.Algorithm(), "chained", k.ledger.Chained())
	return k, nil
}

// Identity returns the identity seed.
func (k *Kernel) Identity() string { return k.identity }

// Label is the identity shortened for display.
func (k *Kernel) Label() string {
	r := []rune(k.identity)
	if len(r) > labelLength {
		r = r[:labelLength]
	}
	return string(r) + "..."
}

// Ledger returns a read-only view of the kernel's ledger.
func (k *Kernel) Ledger() ledger.Reader { return k.ledger }

// Execute runs t through screen → verify → process → append.
//
// Blocked and verification-failed tasks come back as an Outcome with a nil
// error. A non-nil error means the call aborted: the task or result could not
// be serialized (errors.Is(err, ledger.ErrSerialization)), the processor
// failed, or the durable sink rejected the entry. Nothing is logged then.
func (k *Kernel) Execute(ctx context.Context, t task.Task) (out Outcome, err error) {
	ctx, finish := k.telemetry.TrackExecution(ctx, attribute.String("kernel", k.Label()))
	defer func() {
		finish(string(out.Status), err)
	}()

	// The pipeline never touches the caller's map.
	t = t.Clone()

	if !k.policy.Screen(t) {
		out = blocked(screening.Explain(k.policy, t))
		k.logger.WarnContext(ctx, "task blocked", "status", out.Status, "reason", out.Reason)
		return out, nil
	}
	k.telemetry.Event(ctx, "screened")

	if !k.verifier.Verify(t) {
		out = verificationFailed(verifier.Explain(k.verifier, t))
		k.logger.WarnContext(ctx, "task failed verification", "status", out.Status, "reason", out.Reason)
		return out, nil
	}
	k.telemetry.Event(ctx, "verified")

	result, err := k.processor.Process(ctx, t)
	if err != nil {
		k.logger.ErrorContext(ctx, "processing failed", "error", err)
		return Outcome{}, fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	k.telemetry.Event(ctx, "processed")

	entry, err := k.ledger.Append(ctx, t, result)
	if err != nil {
		k.logger.ErrorContext(ctx, "ledger append failed", "error", err)
		return Outcome{}, err
	}
	k.telemetry.RecordAppend(ctx)

	k.logger.InfoContext(ctx, "task executed",
		"status", StatusSuccess,
		"sequence", entry.Sequence,
		"signature", entry.Signature,
	)
	return success(entry.Result.Clone(), entry), nil
}
