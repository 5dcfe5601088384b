package txn

import (
	"fmt"

	"pkt.systems/txcore/internal/record"
)

// ResultKind tags a FirstPhaseResult.
type ResultKind string

const (
	ResultSuccess                ResultKind = "success"
	ResultConcurrentModification ResultKind = "concurrent_modification"
	ResultUniqueKeyViolation     ResultKind = "unique_key_violation"
	ResultException              ResultKind = "exception"
)

// ConcurrentModification reports a version mismatch on one record.
type ConcurrentModification struct {
	Record   record.ID      `json:"record"`
	Expected record.Version `json:"expected"`
	Actual   record.Version `json:"actual"`
}

// UniqueKeyViolation reports a duplicate value in a unique index.
type UniqueKeyViolation struct {
	Index       string      `json:"index"`
	Key         string      `json:"key"`
	Conflicting []record.ID `json:"conflicting,omitempty"`
}

func (v *UniqueKeyViolation) bucket() string {
	return v.Index + "=" + v.Key
}

// FirstPhaseResult is one participant's vote. Result selects which payload
// field is meaningful.
type FirstPhaseResult struct {
	Result    ResultKind              `json:"result"`
	Allocated []record.ID             `json:"allocated,omitempty"`
	Conflict  *ConcurrentModification `json:"conflict,omitempty"`
	Violation *UniqueKeyViolation     `json:"violation,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

func (*FirstPhaseResult) Kind() string { return KindFirstPhaseResult }

// Success votes to commit with the ids allocated for created records.
func Success(allocated []record.ID) *FirstPhaseResult {
	return &FirstPhaseResult{Result: ResultSuccess, Allocated: allocated}
}

// Conflict votes against because rid changed under the transaction.
func Conflict(rid record.ID, expected, actual record.Version) *FirstPhaseResult {
	return &FirstPhaseResult{
		Result:   ResultConcurrentModification,
		Conflict: &ConcurrentModification{Record: rid, Expected: expected, Actual: actual},
	}
}

// Violation votes against because a unique index already holds key.
func Violation(index, key string, conflicting ...record.ID) *FirstPhaseResult {
	return &FirstPhaseResult{
		Result:    ResultUniqueKeyViolation,
		Violation: &UniqueKeyViolation{Index: index, Key: key, Conflicting: conflicting},
	}
}

// Exception votes against because the participant failed locally.
func Exception(err error) *FirstPhaseResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &FirstPhaseResult{Result: ResultException, Error: msg}
}

// normalize folds malformed results into exceptions so aggregation only sees
// well-formed variants.
func (r *FirstPhaseResult) normalize() *FirstPhaseResult {
	switch {
	case r == nil:
		return Exception(fmt.Errorf("txn: empty first phase result"))
	case r.Result == ResultSuccess:
		return r
	case r.Result == ResultConcurrentModification && r.Conflict != nil:
		return r
	case r.Result == ResultUniqueKeyViolation && r.Violation != nil:
		return r
	case r.Result == ResultException:
		return r
	default:
		return Exception(fmt.Errorf("txn: malformed first phase result %q", r.Result))
	}
}
