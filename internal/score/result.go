package score

import (
	"context"
	"errors"
	"math"

	"github.com/inodb/genescore/internal/ld"
	"github.com/inodb/genescore/internal/wchisq"
)

// Status summarises how a gene (or pathway) result was obtained.
type Status int

const (
	StatusSuccess  Status = iota // analytic p-value
	StatusFallback               // Monte-Carlo was used
	StatusOmitted                // no p-value; see Reason
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFallback:
		return "fallback"
	default:
		return "omitted"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) Status {
	switch s {
	case "success":
		return StatusSuccess
	case "fallback":
		return StatusFallback
	}
	return StatusOmitted
}

// State is a stage of the per-gene scoring pipeline:
//
//	Init -> WindowResolved -> CorrelationBuilt -> Eigendecomposed -> Scored
//
// Any stage may move to Failed; Result.FailedAt records the stage that
// could not be reached.
type State int

const (
	StateInit State = iota
	StateWindowResolved
	StateCorrelationBuilt
	StateEigendecomposed
	StateScored
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWindowResolved:
		return "window_resolved"
	case StateCorrelationBuilt:
		return "correlation_built"
	case StateEigendecomposed:
		return "eigendecomposed"
	case StateScored:
		return "scored"
	default:
		return "failed"
	}
}

// Result is the score of one gene or fused gene unit.
type Result struct {
	GeneID    string
	Symbol    string
	Chrom     string
	Statistic float64
	// P is NaN for omitted genes.
	P            float64
	NMarkers     int
	EffectiveDF  int
	Method       wchisq.Method
	Status       Status
	State        State
	FailedAt     State
	FallbackUsed bool
	Exhausted    bool
	Trials       int
	Reason       string
}

// Scored reports whether the result carries a p-value.
func (r Result) Scored() bool {
	return r.Status != StatusOmitted
}

// ReasonCancelled is the omission reason of genes not scored because the
// context was cancelled.
const ReasonCancelled = "cancelled"

// omit turns r into an omitted result for err.
func omit(r Result, at State, err error) Result {
	r.P = math.NaN()
	r.Status = StatusOmitted
	r.State = StateFailed
	r.FailedAt = at
	r.Method = wchisq.Failed
	r.Reason = reason(err)
	return r
}

func reason(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	case errors.Is(err, ld.ErrEmptyWindow):
		return "empty window"
	case errors.Is(err, ErrGeneNotFound):
		return "gene not found"
	}
	return err.Error()
}

// applyTail copies a tail evaluation into r and marks it scored.
func applyTail(r Result, t wchisq.Tail) Result {
	r.P = t.P
	r.Method = t.Method
	r.FallbackUsed = t.Fallback
	r.Exhausted = t.Exhausted
	r.Trials = t.Trials
	r.State = StateScored
	r.Status = StatusSuccess
	if t.Fallback {
		r.Status = StatusFallback
	}
	if t.Exhausted {
		r.Reason = "monte-carlo budget exhausted"
	}
	return r
}
