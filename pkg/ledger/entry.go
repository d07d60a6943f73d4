package ledger

import (
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// GenesisSignature is the previous signature of the first entry in a chained ledger.
const GenesisSignature = "genesis"

// Entry is a single immutable record of a successful execution.
type Entry struct {
	Sequence          uint64      `json:"sequence"`
	Timestamp         time.Time   `json:"timestamp"`
	Task              task.Task   `json:"task"`
	Result            task.Result `json:"result"`
	PreviousSignature string      `json:"previous_signature,omitempty"`
	Signature         string      `json:"signature"`
}

// MarshalJSON renders the timestamp as UTC RFC 3339 with nanoseconds.
func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     alias(e),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON decodes numbers as json.Number so re-signing a decoded entry
// sees exactly the canonical form it was signed with.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type alias Entry
	var raw struct {
		alias
		Task   json.RawMessage `json:"task"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Entry(raw.alias)
	e.Timestamp = e.Timestamp.UTC()

	t, err := decodeObject(raw.Task)
	if err != nil {
		return err
	}
	r, err := decodeObject(raw.Result)
	if err != nil {
		return err
	}
	e.Task, e.Result = task.Task(t), task.Result(r)
	return nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	v, err := canonicalize.Normalize(raw)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

// clone returns a deep copy so callers can never reach the ledger's own maps.
func (e Entry) clone() Entry {
	e.Task = e.Task.Clone()
	e.Result = e.Result.Clone()
	return e
}

// signingPayload is the exact document the signature is computed over.
func signingPayload(t, r any, chained bool, prev string) map[string]any {
	p := map[string]any{
		"task":   t,
		"result": r,
	}
	if chained {
		p["previous_signature"] = prev
	}
	return p
}
