package errors

import (
	"context"
	"fmt"
)

// Class is the retry classification of a per-record failure.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Sentinel errors of the migration taxonomy.
var (
	// ErrReservationLost means the lineage reservation expired or was taken
	// over before commit.
	ErrReservationLost = NewStd("lineage reservation lost")
	// ErrVersionConflict means a target entity changed since it was written.
	ErrVersionConflict = NewStd("target version conflict")
	// ErrConflictEscalation routes a record to manual review. It is not a failure.
	ErrConflictEscalation = NewStd("conflict escalated to manual review")
)

// Default error codes used by Classify when an error carries none.
const (
	CodeUnknown        = "unknown"
	CodeTimeout        = "timeout"
	CodeCanceled       = "canceled"
	CodeVersion        = "version_conflict"
	CodeReservation    = "reservation_lost"
	CodeValidation     = "validation"
	CodeMissingID      = "missing_legacy_id"
	CodeUnmappable     = "unmappable_field"
	CodeSourceDown     = "source_unavailable"
	CodeLockContention = "lock_contention"
	CodeDedupeConflict = "dedupe_conflict"
	CodeTargetClaimed  = "target_claimed"
)

// TransientError is a retryable failure (source unavailable, lock contention, timeout).
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient: " + e.Code
	}
	return fmt.Sprintf("transient %s: %v", e.Code, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that will not change on retry (bad payload,
// unmappable field). It is retried up to a small cap and then abandoned.
type PermanentError struct {
	Code string
	Err  error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent: " + e.Code
	}
	return fmt.Sprintf("permanent %s: %v", e.Code, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewTransient wraps err as a TransientError with the given code.
func NewTransient(code string, err error) error {
	return &TransientError{Code: code, Err: err}
}

// NewPermanent wraps err as a PermanentError with the given code.
func NewPermanent(code string, err error) error {
	return &PermanentError{Code: code, Err: err}
}

// VersionConflictError reports that an entity's version no longer matches
// the version the caller expected.
type VersionConflictError struct {
	EntityType string
	ID         string
	Expected   int64
	Actual     int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %s: expected %d, found %d",
		e.EntityType, e.ID, e.Expected, e.Actual)
}

// Is makes VersionConflictError match ErrVersionConflict.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// Classify maps an error to its retry class and code. Errors without an
// explicit class are transient so that retries stay bounded by the cap.
func Classify(err error) (Class, string) {
	var te *TransientError
	var pe *PermanentError
	switch {
	case err == nil:
		return ClassTransient, CodeUnknown
	case As(err, &pe):
		return ClassPermanent, codeOr(pe.Code)
	case As(err, &te):
		return ClassTransient, codeOr(te.Code)
	case Is(err, ErrVersionConflict):
		return ClassTransient, CodeVersion
	case Is(err, ErrReservationLost):
		return ClassTransient, CodeReservation
	case Is(err, context.DeadlineExceeded):
		return ClassTransient, CodeTimeout
	case IsCategory(err, CategoryValidation):
		return ClassPermanent, CodeValidation
	default:
		return ClassTransient, CodeUnknown
	}
}

// IsOrchestration reports whether err cannot be recorded per record and must
// stop the run instead.
func IsOrchestration(err error) bool {
	return Is(err, context.Canceled) || IsCategory(err, CategoryCancellation)
}

func codeOr(code string) string {
	if code == "" {
		return CodeUnknown
	}
	return code
}
