package kernel

import (
	"github.com/Mindburn-Labs/nexus/pkg/ledger"
	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// Status is the wire status of an Outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusBlocked Status = "BLOCKED"
	// StatusError marks a failed state verification.
	StatusError Status = "ERROR"
)

// Kind names the Outcome variant.
type Kind string

const (
	KindSuccess            Kind = "Success"
	KindBlocked            Kind = "Blocked"
	KindVerificationFailed Kind = "VerificationFailed"
)

// Reason prefixes for refused tasks.
const (
	ReasonBlocked            = "Axiom violation"
	ReasonVerificationFailed = "State verification failed"
)

// Outcome is the result of one Execute call. Exactly one variant is set:
// SUCCESS carries Result and Entry, BLOCKED and ERROR carry Reason.
type Outcome struct {
	Status Status        `json:"status"`
	Reason string        `json:"reason,omitempty"`
	Result task.Result   `json:"result,omitempty"`
	Entry  *ledger.Entry `json:"ledger_entry,omitempty"`
}

// Kind returns the variant name of o.
func (o Outcome) Kind() Kind {
	switch o.Status {
	case StatusSuccess:
		return KindSuccess
	case StatusBlocked:
		return KindBlocked
	default:
		return KindVerificationFailed
	}
}

// OK reports whether the task was processed and logged.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }

func blocked(detail string) Outcome {
	return Outcome{Status: StatusBlocked, Reason: withDetail(ReasonBlocked, detail)}
}

func verificationFailed(detail string) Outcome {
	return Outcome{Status: StatusError, Reason: withDetail(ReasonVerificationFailed, detail)}
}

func success(r task.Result, e ledger.Entry) Outcome {
	return Outcome{Status: StatusSuccess, Result: r, Entry: &e}
}

func withDetail(reason, detail string) string {
	if detail == "" {
		return reason
	}
	return reason + ": " + detail
}
