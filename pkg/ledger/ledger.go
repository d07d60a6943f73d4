// Package ledger implements the append-only audit ledger of successful
// executions. Each entry carries a digest over the canonical form of its task
// and result, optionally chained to the previous entry's signature.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/nexus/pkg/task"
)

var (
	// ErrSerialization means a task or result has no canonical form. It is
	// fatal to the append: nothing is recorded.
	ErrSerialization     = errors.New("ledger: canonical serialization failed")
	ErrNotFound          = errors.New("ledger: entry not found")
	ErrChainBroken       = errors.New("ledger: hash chain is broken")
	ErrSignatureMismatch = errors.New("ledger: signature mismatch")
	ErrSequenceGap       = errors.New("ledger: sequence gap")
	ErrSinkFailed        = errors.New("ledger: durable sink rejected entry")
	ErrTimestampOrder    = errors.New("ledger: timestamp precedes previous entry")
)

// Sink mirrors committed entries to durable storage. Persist is called under
// the ledger lock, in sequence order; an error aborts the append.
type Sink interface {
	Persist(ctx context.Context, e Entry) error
}

// Reader is the read-only view of a ledger handed to external collaborators.
type Reader interface {
	All() iter.Seq[Entry]
	Entries() []Entry
	At(seq uint64) (Entry, error)
	Len() int
	Head() string
	Algorithm() canonicalize.Algorithm
	Chained() bool
	VerifyChain() error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithAlgorithm selects the digest algorithm. Default SHA-256.
func WithAlgorithm(a canonicalize.Algorithm) Option {
	return func(l *Ledger) { l.alg = a }
}

// WithChaining makes every signature also cover the previous entry's signature.
func WithChaining(enabled bool) Option {
	return func(l *Ledger) { l.chained = enabled }
}

// WithClock injects the timestamp source. Timestamps are always stored in UTC.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithSink mirrors every appended entry to s.
func WithSink(s Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// Ledger is an append-only, in-memory sequence of signed entries.
// It is safe for concurrent use; appends are mutually exclusive.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	alg     canonicalize.Algorithm
	chained bool
	clock   func() time.Time
	sink    Sink
	lastTS  time.Time
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make([]Entry, 0),
		alg:     canonicalize.DefaultAlgorithm,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore rebuilds a ledger from previously persisted entries. Every entry's
// sequence, timestamp order and signature is re-verified before the ledger is
// returned, so a tampered store cannot be resumed. The sink (if any) is not replayed.
func Restore(entries []Entry, opts ...Option) (*Ledger, error) {
	l := New(opts...)
	for i, e := range entries {
		if err := l.check(i, e, l.head()); err != nil {
			return nil, err
		}
		if err := checkOrder(i, e, l.lastTS); err != nil {
			return nil, err
		}
		e = e.clone()
		e.Timestamp = e.Timestamp.UTC()
		l.entries = append(l.entries, e)
		l.lastTS = e.Timestamp
	}
	return l, nil
}

// Append records a successful execution and returns the created entry.
func (l *Ledger) Append(ctx context.Context, t task.Task, r task.Result) (Entry, error) {
	// Snapshot outside the lock: serialization is the expensive part and
	// detaches the entry from the caller's maps.
	taskSnap, err := snapshot(t)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: task: %w", ErrSerialization, err)
	}
	resultSnap, err := snapshot(r)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: result: %w", ErrSerialization, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.head()
	sig, err := l.sign(taskSnap, resultSnap, prev)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	ts := l.clock().UTC().Round(0)
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}

	entry := Entry{
		Sequence:  uint64(len(l.entries)),
		Timestamp: ts,
		Task:      task.Task(taskSnap),
		Result:    task.Result(resultSnap),
		Signature: sig,
	}
	if l.chained {
		entry.PreviousSignature = prev
	}

	if l.sink != nil {
		if err := l.sink.Persist(ctx, entry.clone()); err != nil {
			return Entry{}, fmt.Errorf("%w: %w", ErrSinkFailed, err)
		}
	}

	l.entries = append(l.entries, entry)
	l.lastTS = ts
	return entry.clone(), nil
}

// All iterates over copies of the entries in sequence order. The iteration
// sees the ledger as of the call.
func (l *Ledger) All() iter.Seq[Entry] {
	l.mu.RLock()
	view := l.entries[:len(l.entries):len(l.entries)]
	l.mu.RUnlock()

	return func(yield func(Entry) bool) {
		for _, e := range view {
			if !yield(e.clone()) {
				return
			}
		}
	}
}

// Entries returns copies of all entries in sequence order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

// At returns a copy of the entry with the given sequence.
func (l *Ledger) At(seq uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.entries)) {
		return Entry{}, ErrNotFound
	}
	return l.entries[seq].clone(), nil
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the signature of the last entry, or GenesisSignature when empty.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head()
}

// Algorithm returns the configured digest algorithm.
func (l *Ledger) Algorithm() canonicalize.Algorithm { return l.alg }

// Chained reports whether signatures cover the previous entry.
func (l *Ledger) Chained() bool { return l.chained }

// VerifyChain recomputes every signature and checks sequence continuity.
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyEntries(l.entries, l.alg, l.chained)
}

// Signature recomputes the signature of a task/result pair the way the
// ledger would. prev is ignored unless the ledger is chained.
func (l *Ledger) Signature(t task.Task, r task.Result, prev string) (string, error) {
	ts, err := snapshot(t)
	if err != nil {
		return "", fmt.Errorf("%w: task: %w", ErrSerialization, err)
	}
	rs, err := snapshot(r)
	if err != nil {
		return "", fmt.Errorf("%w: result: %w", ErrSerialization, err)
	}
	return l.sign(ts, rs, prev)
}

func (l *Ledger) head() string {
	if len(l.entries) == 0 {
		return GenesisSignature
	}
	return l.entries[len(l.entries)-1].Signature
}

func (l *Ledger) sign(t, r map[string]any, prev string) (string, error) {
	return l.alg.Digest(signingPayload(t, r, l.chained, prev))
}

// check validates entry i against the expected previous signature.
func (l *Ledger) check(i int, e Entry, prev string) error {
	return checkEntry(i, e, prev, l.alg, l.chained)
}

func checkEntry(i int, e Entry, prev string, alg canonicalize.Algorithm, chained bool) error {
	if e.Sequence != uint64(i) {
		return fmt.Errorf("%w: entry %d has sequence %d", ErrSequenceGap, i, e.Sequence)
	}
	if chained && e.PreviousSignature != prev {
		return fmt.Errorf("%w: entry %d has previous_signature %s but expected %s",
			ErrChainBroken, i, e.PreviousSignature, prev)
	}
	t, err := snapshot(e.Task)
	if err != nil {
		return fmt.Errorf("%w: entry %d task: %w", storedErr(err), i, err)
	}
	r, err := snapshot(e.Result)
	if err != nil {
		return fmt.Errorf("%w: entry %d result: %w", storedErr(err), i, err)
	}
	computed, err := alg.Digest(signingPayload(t, r, chained, prev))
	if err != nil {
		return fmt.Errorf("%w: entry %d: %w", ErrSerialization, i, err)
	}
	if computed != e.Signature {
		return fmt.Errorf("%w: entry %d (computed %s, stored %s)",
			ErrSignatureMismatch, i, computed, e.Signature)
	}
	return nil
}

func checkOrder(i int, e Entry, prevTS time.Time) error {
	if i > 0 && e.Timestamp.Before(prevTS) {
		return fmt.Errorf("%w: entry %d at %s, previous at %s", ErrTimestampOrder, i,
			e.Timestamp.UTC().Format(time.RFC3339Nano), prevTS.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func verifyEntries(entries []Entry, alg canonicalize.Algorithm, chained bool) error {
	prev := GenesisSignature
	var prevTS time.Time
	for i, e := range entries {
		if err := checkEntry(i, e, prev, alg, chained); err != nil {
			return err
		}
		if err := checkOrder(i, e, prevTS); err != nil {
			return err
		}
		prev, prevTS = e.Signature, e.Timestamp
	}
	return nil
}

// storedErr classifies a persisted record with no canonical form. A number
// whose stored text differs in value from what the signature covers is
// tampering, not a serialization fault.
func storedErr(err error) error {
	if errors.Is(err, canonicalize.ErrInexactNumber) {
		return ErrSignatureMismatch
	}
	return ErrSerialization
}

// snapshot detaches a record from the caller and reduces it to the generic
// form decoded from its canonical bytes, so the stored record is exactly the
// signed one. Numbers that canonicalization would alter are rejected.
func snapshot(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	n, err := canonicalize.Canonical(v)
	if err != nil {
		return nil, err
	}
	m, ok := n.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("record is not an object")
	}
	return m, nil
}
