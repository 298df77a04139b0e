package stage

import (
	"errors"
	"fmt"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
)

// Report feeds stage-local progress in [0,100] to the progress accountant.
// Workers must call it monotonically; the accountant clamps and maps.
type Report func(local float64)

// NopReport discards progress. Used where a stage is a no-op.
func NopReport(float64) {}

// ErrorKind drives the pipeline runner's fatal-vs-partial decision.
type ErrorKind int

const (
	// KindTransient: timeouts, 5xx, transient network. Retried by the executor.
	KindTransient ErrorKind = iota
	// KindPermanent: deterministic failures (4xx, unparseable input). Never retried.
	KindPermanent
	// KindStorage: blob store failure. Always fatal.
	KindStorage
)

// Error is the typed failure surfaced by stage workers.
type Error struct {
	Kind  ErrorKind
	Stage domain.StageID
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(stage domain.StageID, err error) *Error {
	return &Error{Kind: KindTransient, Stage: stage, Err: err}
}

func Permanent(stage domain.StageID, err error) *Error {
	return &Error{Kind: KindPermanent, Stage: stage, Err: err}
}

func Storage(stage domain.StageID, err error) *Error {
	return &Error{Kind: KindStorage, Stage: stage, Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a non-retryable
// stage error.
func IsPermanent(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindPermanent
	}
	return false
}

// Preprocessing failure sentinels.
var (
	ErrInputUnreadable = errors.New("input unreadable")
	ErrEmptyExtraction = errors.New("empty extraction")
)
