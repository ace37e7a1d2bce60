package model

import "fmt"

// Classified is implemented by every error kind the pipeline can act on
// (§7, §9). Classification is driven entirely by the concrete Go type of
// the error — never by matching substrings of Error() — per the §9
// redesign flag.
type Classified interface {
	error
	IsRetryable() bool
}

// DeserializationError marks a poison message: route to DLQ, commit offset.
type DeserializationError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize message at %s[%d]@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}
func (e *DeserializationError) Unwrap() error   { return e.Err }
func (e *DeserializationError) IsRetryable() bool { return false }

// TransientDependencyError wraps a timeout/network-class failure from a
// downstream dependency (broker, writer, cache): do not commit, retry.
type TransientDependencyError struct {
	Dependency string
	Err        error
}

func (e *TransientDependencyError) Error() string {
	return fmt.Sprintf("transient error from %s: %v", e.Dependency, e.Err)
}
func (e *TransientDependencyError) Unwrap() error   { return e.Err }
func (e *TransientDependencyError) IsRetryable() bool { return true }

// PermanentWriteRejection marks a format/auth failure the writer reports as
// non-retryable (e.g. a 4xx-class response): DLQ + commit.
type PermanentWriteRejection struct {
	Reason string
	Err    error
}

func (e *PermanentWriteRejection) Error() string {
	return fmt.Sprintf("permanent write rejection (%s): %v", e.Reason, e.Err)
}
func (e *PermanentWriteRejection) Unwrap() error   { return e.Err }
func (e *PermanentWriteRejection) IsRetryable() bool { return false }

// DuplicateBatchError indicates the idempotency store already holds this
// batch id: commit, no side effect.
type DuplicateBatchError struct {
	BatchID string
}

func (e *DuplicateBatchError) Error() string {
	return fmt.Sprintf("duplicate batch %s", e.BatchID)
}
func (e *DuplicateBatchError) IsRetryable() bool { return false }

// UnresolvedPointNameError marks a point that could not be registered; the
// caller drops the sample with a warning, the batch still succeeds.
type UnresolvedPointNameError struct {
	PointName string
	Err       error
}

func (e *UnresolvedPointNameError) Error() string {
	return fmt.Sprintf("unresolved point name %q: %v", e.PointName, e.Err)
}
func (e *UnresolvedPointNameError) Unwrap() error   { return e.Err }
func (e *UnresolvedPointNameError) IsRetryable() bool { return false }

// ChainValidationFailure is recorded when integrity-chain continuity is
// broken; it does not block ingestion.
type ChainValidationFailure struct {
	DataSourceID string
	Result       ValidationResult
}

func (e *ChainValidationFailure) Error() string {
	return fmt.Sprintf("chain validation failed for %s: expected seq %d, got %d",
		e.DataSourceID, e.Result.ExpectedSeq, e.Result.ActualSeq)
}
func (e *ChainValidationFailure) IsRetryable() bool { return false }

// ShadowWriteFailure marks an aborted producer-side publish: the caller
// must retry, nothing downstream was touched.
type ShadowWriteFailure struct {
	Err error
}

func (e *ShadowWriteFailure) Error() string { return fmt.Sprintf("shadow write failed: %v", e.Err) }
func (e *ShadowWriteFailure) Unwrap() error   { return e.Err }
func (e *ShadowWriteFailure) IsRetryable() bool { return true }

// IsRetryable classifies err using the §9 typed-error approach: any error
// that implements Classified reports its own retryability; anything else
// defaults to permanent (fail-closed, §7).
func IsRetryable(err error) bool {
	var c Classified
	if as(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// as walks err's single-error Unwrap chain and reports the first error that
// implements Classified, storing it in target. Errors joined with multiple
// wrapped errors (Unwrap() []error) are not searched.
func as(err error, target *Classified) bool {
	for err != nil {
		if c, ok := err.(Classified); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
