// Package engineerr defines the closed set of error kinds the execution
// engine reasons about and a classifier that maps arbitrary collaborator
// errors onto them, mirroring the sentinel-wrapping convention used
// throughout internal/agent.
package engineerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a closed enum of semantic error categories. It is never compared
// by type, only via errors.Is against the sentinel values below.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindToolFormat Kind = "tool_format"
	KindRefusal    Kind = "refusal"
	KindPermission Kind = "permission"
	KindPaused     Kind = "paused"
	KindDeadline   Kind = "deadline"
	KindBreaker    Kind = "breaker"
	KindUnknown    Kind = "unknown"
)

// Sentinel errors. Wrap with fmt.Errorf("%w: ...", engineerr.Transient) and
// inspect with errors.Is.
var (
	ErrTransient       = errors.New("engine: transient error")
	ErrToolFormat      = errors.New("engine: tool-call format error")
	ErrRefusal         = errors.New("engine: model refusal")
	ErrPermission      = errors.New("engine: permission or validation error")
	ErrPaused          = errors.New("engine: cost monitor paused")
	ErrDeadline        = errors.New("engine: deadline exceeded")
	ErrBreakerTripped  = errors.New("engine: circuit breaker tripped")
	ErrMaxStepsReached = errors.New("engine: max steps reached without resolution")
)

// Classify maps an arbitrary error onto a Kind, first checking sentinel
// wrapping via errors.Is, then falling back to substring heuristics for
// errors that originate outside this engine (provider/tool-host errors).
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errors.Is(err, ErrPaused):
		return KindPaused
	case errors.Is(err, ErrBreakerTripped):
		return KindBreaker
	case errors.Is(err, ErrDeadline):
		return KindDeadline
	case errors.Is(err, ErrToolFormat):
		return KindToolFormat
	case errors.Is(err, ErrRefusal):
		return KindRefusal
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrTransient):
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline") || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return KindDeadline
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "validation"):
		return KindPermission
	case strings.Contains(msg, "refused") || strings.Contains(msg, "refusal"):
		return KindRefusal
	case strings.Contains(msg, "unknown tool") || strings.Contains(msg, "invalid arguments") || strings.Contains(msg, "malformed"):
		return KindToolFormat
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "5xx") ||
		strings.Contains(msg, "server error") || strings.Contains(msg, "unavailable"):
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether a Kind should be retried by the resilience
// protocol without giving up the turn outright.
func (k Kind) IsRetryable() bool {
	switch k {
	case KindTransient, KindToolFormat, KindRefusal, KindDeadline:
		return true
	default:
		return false
	}
}

// Wrap attaches a Kind's sentinel to an underlying collaborator error so
// later callers can recover it with errors.Is/Classify.
func Wrap(kind Kind, cause error) error {
	sentinel := sentinelFor(kind)
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %v", sentinel, cause)
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindTransient:
		return ErrTransient
	case KindToolFormat:
		return ErrToolFormat
	case KindRefusal:
		return ErrRefusal
	case KindPermission:
		return ErrPermission
	case KindPaused:
		return ErrPaused
	case KindDeadline:
		return ErrDeadline
	case KindBreaker:
		return ErrBreakerTripped
	default:
		return errors.New("engine: " + string(kind))
	}
}
