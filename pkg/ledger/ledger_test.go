package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/nexus/pkg/task"
)

func sampleTask(i int) task.Task {
	return task.Task{"input": fmt.Sprintf("job-%d", i), "context": "test"}
}

func sampleResult(i int) task.Result {
	return task.Result{"status": "SUCCESS", "output": fmt.Sprintf("Processed: job-%d", i), "verified": true}
}

func TestAppend_FirstEntry(t *testing.T) {
	l := New()
	tk := task.Task{"input": "Test deterministic execution", "context": "Genesis test"}
	res := task.Result{"status": "SUCCESS", "output": "Processed: Test deterministic execution", "verified": true}

	e, err := l.Append(context.Background(), tk, res)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), e.Sequence)
	assert.Equal(t, 1, l.Len())
	assert.Len(t, e.Signature, 64)
	assert.Empty(t, e.PreviousSignature)
	assert.Equal(t, time.UTC, e.Timestamp.Location())

	want, err := canonicalize.CanonicalHash(map[string]any{"task": tk, "result": res})
	require.NoError(t, err)
	assert.Equal(t, want, e.Signature)
}

func TestAppend_SequenceMatchesIndex(t *testing.T) {
	l := New()
	for i := 0; i < 10; i++ {
		e, err := l.Append(context.Background(), sampleTask(i), sampleResult(i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), e.Sequence)
	}
	for i, e := range l.Entries() {
		assert.Equal(t, uint64(i), e.Sequence)
	}
	require.NoError(t, l.VerifyChain())
}

func TestAppend_KeyOrderIndependent(t *testing.T) {
	l := New()
	a, err := l.Append(context.Background(),
		task.Task{"input": "x", "context": map[string]any{"a": 1, "b": 2}},
		task.Result{"status": "SUCCESS", "output": "y"})
	require.NoError(t, err)
	b, err := l.Append(context.Background(),
		task.Task{"context": map[string]any{"b": 2, "a": 1}, "input": "x"},
		task.Result{"output": "y", "status": "SUCCESS"})
	require.NoError(t, err)

	assert.Equal(t, a.Signature, b.Signature)
}

func TestAppend_Concurrent(t *testing.T) {
	l := New()
	const workers, perWorker = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n := w*perWorker + i
				_, err := l.Append(context.Background(), sampleTask(n), sampleResult(n))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	entries := l.Entries()
	require.Len(t, entries, workers*perWorker)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Sequence)
		if i > 0 {
			assert.False(t, e.Timestamp.Before(entries[i-1].Timestamp))
		}
	}
	require.NoError(t, l.VerifyChain())
}

func TestAppend_SerializationFailure(t *testing.T) {
	l := New()
	_, err := l.Append(context.Background(), sampleTask(0), task.Result{"output": make(chan int)})
	require.ErrorIs(t, err, ErrSerialization)
	assert.Equal(t, 0, l.Len())

	_, err = l.Append(context.Background(), task.Task{"input": func() {}}, sampleResult(0))
	require.ErrorIs(t, err, ErrSerialization)
	assert.Equal(t, 0, l.Len())
}

func TestAppend_ClockNeverGoesBackwards(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Hour), base.Add(time.Second)}
	i := 0
	l := New(WithClock(func() time.Time {
		ts := times[i]
		i++
		return ts
	}))

	for n := 0; n < len(times); n++ {
		_, err := l.Append(context.Background(), sampleTask(n), sampleResult(n))
		require.NoError(t, err)
	}

	entries := l.Entries()
	assert.Equal(t, base, entries[0].Timestamp)
	assert.Equal(t, base, entries[1].Timestamp)
	assert.Equal(t, base.Add(time.Second), entries[2].Timestamp)
}

func TestAppend_ClockConvertedToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	local := time.Date(2026, 3, 1, 17, 0, 0, 0, loc)
	l := New(WithClock(func() time.Time { return local }))

	e, err := l.Append(context.Background(), sampleTask(0), sampleResult(0))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.True(t, local.Equal(e.Timestamp))
}

func TestEntries_AreCopies(t *testing.T) {
	l := New()
	tk := task.Task{"input": "x", "context": map[string]any{"k": "v"}}
	e, err := l.Append(context.Background(), tk, sampleResult(0))
	require.NoError(t, err)

	// Mutating the caller's task, the returned entry and a read copy must
	// not reach the stored entry.
	tk["input"] = "mutated"
	e.Task["input"] = "mutated"
	got, err := l.At(0)
	require.NoError(t, err)
	got.Task["context"].(map[string]any)["k"] = "mutated"
	for e := range l.All() {
		e.Result["output"] = "mutated"
	}

	stored, err := l.At(0)
	require.NoError(t, err)
	assert.Equal(t, "x", stored.Task["input"])
	assert.Equal(t, "v", stored.Task["context"].(map[string]any)["k"])
	assert.Equal(t, "Processed: job-0", stored.Result["output"])
	require.NoError(t, l.VerifyChain())
}

func TestAt_NotFound(t *testing.T) {
	l := New()
	_, err := l.At(0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAll_StopsEarly(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		_, err := l.Append(context.Background(), sampleTask(i), sampleResult(i))
		require.NoError(t, err)
	}
	var seen []uint64
	for e := range l.All() {
		seen = append(seen, e.Sequence)
		if e.Sequence == 2 {
			break
		}
	}
	assert.Equal(t, []uint64{0, 1, 2}, seen)
}

func TestChaining(t *testing.T) {
	l := New(WithChaining(true))
	assert.Equal(t, GenesisSignature, l.Head())

	first, err := l.Append(context.Background(), sampleTask(0), sampleResult(0))
	require.NoError(t, err)
	assert.Equal(t, GenesisSignature, first.PreviousSignature)

	second, err := l.Append(context.Background(), sampleTask(0), sampleResult(0))
	require.NoError(t, err)
	assert.Equal(t, first.Signature, second.PreviousSignature)
	assert.NotEqual(t, first.Signature, second.Signature)
	assert.Equal(t, second.Signature, l.Head())

	require.NoError(t, l.VerifyChain())
}

func TestUnchained_IdenticalRecordsShareSignature(t *testing.T) {
	l := New()
	first, err := l.Append(context.Background(), sampleTask(0), sampleResult(0))
	require.NoError(t, err)
	second, err := l.Append(context.Background(), sampleTask(0), sampleResult(0))
	require.NoError(t, err)
	assert.Equal(t, first.Signature, second.Signature)
}

func TestAlgorithms(t *testing.T) {
	for _, alg := range []canonicalize.Algorithm{canonicalize.SHA256, canonicalize.SHA3_256, canonicalize.BLAKE3} {
		t.Run(string(alg), func(t *testing.T) {
			l := New(WithAlgorithm(alg))
			e, err := l.Append(context.Background(), sampleTask(1), sampleResult(1))
			require.NoError(t, err)

			want, err := alg.Digest(map[string]any{"task": sampleTask(1), "result": sampleResult(1)})
			require.NoError(t, err)
			assert.Equal(t, want, e.Signature)
			assert.Equal(t, alg, l.Algorithm())
		})
	}
}

func TestSignature_MatchesAppend(t *testing.T) {
	l := New(WithChaining(true))
	sig, err := l.Signature(sampleTask(3), sampleResult(3), GenesisSignature)
	require.NoError(t, err)

	e, err := l.Append(context.Background(), sampleTask(3), sampleResult(3))
	require.NoError(t, err)
	assert.Equal(t, sig, e.Signature)
}

func TestRestore(t *testing.T) {
	for _, chained := range []bool{false, true} {
		t.Run(fmt.Sprintf("chained=%v", chained), func(t *testing.T) {
			src := New(WithChaining(chained))
			for i := 0; i < 4; i++ {
				_, err := src.Append(context.Background(), sampleTask(i), sampleResult(i))
				require.NoError(t, err)
			}

			// Round-trip through JSON the way a durable store would.
			raw, err := json.Marshal(src.Entries())
			require.NoError(t, err)
			var decoded []Entry
			require.NoError(t, json.Unmarshal(raw, &decoded))

			restored, err := Restore(decoded, WithChaining(chained))
			require.NoError(t, err)
			assert.Equal(t, 4, restored.Len())
			assert.Equal(t, src.Head(), restored.Head())

			e, err := restored.Append(context.Background(), sampleTask(4), sampleResult(4))
			require.NoError(t, err)
			assert.Equal(t, uint64(4), e.Sequence)
			require.NoError(t, restored.VerifyChain())
		})
	}
}

func TestRestore_RejectsTampering(t *testing.T) {
	src := New(WithChaining(true))
	for i := 0; i < 3; i++ {
		_, err := src.Append(context.Background(), sampleTask(i), sampleResult(i))
		require.NoError(t, err)
	}

	t.Run("modified result", func(t *testing.T) {
		entries := src.Entries()
		entries[1].Result["output"] = "forged"
		_, err := Restore(entries, WithChaining(true))
		require.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("dropped entry", func(t *testing.T) {
		entries := src.Entries()
		entries = append(entries[:1], entries[2:]...)
		_, err := Restore(entries, WithChaining(true))
		require.ErrorIs(t, err, ErrSequenceGap)
	})

	t.Run("relinked entry", func(t *testing.T) {
		entries := src.Entries()
		entries[2].PreviousSignature = GenesisSignature
		_, err := Restore(entries, WithChaining(true))
		require.ErrorIs(t, err, ErrChainBroken)
	})
}

// resealed wraps edited entries in a bundle whose own hash is valid, so only
// the per-entry checks can catch the edit.
func resealed(t *testing.T, l *Ledger, entries []Entry) *Bundle {
	t.Helper()
	b := &Bundle{
		Version:    BundleVersion,
		Algorithm:  l.Algorithm(),
		Chained:    l.Chained(),
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].Signature,
	}
	h, err := bundleHash(b)
	require.NoError(t, err)
	b.BundleHash = h
	return b
}

func TestAppend_StoresSignedNumbers(t *testing.T) {
	l := New()
	e, err := l.Append(context.Background(),
		task.Task{"input": json.Number("1.50"), "context": json.Number("1e2")}, sampleResult(0))
	require.NoError(t, err)
	assert.Equal(t, json.Number("1.5"), e.Task["input"])
	assert.Equal(t, json.Number("100"), e.Task["context"])

	same, err := l.Signature(task.Task{"input": 1.5, "context": 100}, sampleResult(0), "")
	require.NoError(t, err)
	assert.Equal(t, e.Signature, same)
}

func TestAppend_RejectsUnsignableNumbers(t *testing.T) {
	l := New()
	_, err := l.Append(context.Background(), task.Task{"input": json.Number("9007199254740993")}, sampleResult(0))
	require.ErrorIs(t, err, ErrSerialization)
	require.ErrorIs(t, err, canonicalize.ErrInexactNumber)
	assert.Equal(t, 0, l.Len())

	exact, err := l.Append(context.Background(), task.Task{"input": json.Number("9007199254740992")}, sampleResult(0))
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740992"), exact.Task["input"])
}

func TestRestore_RejectsNumberRewrittenToSameSignature(t *testing.T) {
	src := New()
	_, err := src.Append(context.Background(), task.Task{"input": json.Number("9007199254740992")}, sampleResult(0))
	require.NoError(t, err)

	entries := src.Entries()
	entries[0].Task["input"] = json.Number("9007199254740993")
	_, err = Restore(entries)
	require.ErrorIs(t, err, ErrSignatureMismatch)

	require.ErrorIs(t, VerifyBundle(resealed(t, src, entries)), ErrSignatureMismatch)
}

func TestRestore_RejectsTimestampRegression(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	src := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	for i := 0; i < 3; i++ {
		_, err := src.Append(context.Background(), sampleTask(i), sampleResult(i))
		require.NoError(t, err)
	}

	entries := src.Entries()
	entries[2].Timestamp = entries[1].Timestamp
	_, err := Restore(entries)
	require.NoError(t, err, "equal timestamps are allowed")

	entries[2].Timestamp = entries[1].Timestamp.Add(-time.Nanosecond)
	_, err = Restore(entries)
	require.ErrorIs(t, err, ErrTimestampOrder)
	require.ErrorIs(t, VerifyBundle(resealed(t, src, entries)), ErrTimestampOrder)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
	fail    bool
}

func (s *recordingSink) Persist(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.entries = append(s.entries, e)
	return nil
}

func TestSink(t *testing.T) {
	sink := &recordingSink{}
	l := New(WithSink(sink))

	for i := 0; i < 3; i++ {
		_, err := l.Append(context.Background(), sampleTask(i), sampleResult(i))
		require.NoError(t, err)
	}
	require.Len(t, sink.entries, 3)
	assert.Equal(t, l.Entries(), sink.entries)

	sink.fail = true
	_, err := l.Append(context.Background(), sampleTask(3), sampleResult(3))
	require.ErrorIs(t, err, ErrSinkFailed)
	assert.Equal(t, 3, l.Len(), "failed sink must not commit the entry")

	sink.fail = false
	e, err := l.Append(context.Background(), sampleTask(3), sampleResult(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Sequence)
}

func TestEntry_JSON(t *testing.T) {
	l := New(WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC) }))
	e, err := l.Append(context.Background(), task.Task{"input": 1.5, "context": "c"}, sampleResult(0))
	require.NoError(t, err)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"timestamp":"2026-01-02T03:04:05.000000006Z"`)
	assert.NotContains(t, string(raw), "previous_signature")

	var back Entry
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, json.Number("1.5"), back.Task["input"])
	require.NoError(t, checkEntry(0, back, GenesisSignature, canonicalize.SHA256, false))
}
