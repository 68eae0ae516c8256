// Package result carries the outcome of multi-step workflows: an ok flag, a
// value, and an ordered log of the steps that ran and how each ended.
package result

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Error kinds shared across the control plane. Package sentinels wrap these so
// callers can classify failures with errors.Is regardless of which collaborator
// raised them.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrAlreadyExists  = errors.New("already exists")
	ErrPartialFailure = errors.New("partial failure")
)

// Kind classifies an error.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindConflict
	KindAlreadyExists
	KindPartialFailure
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAlreadyExists:
		return "already_exists"
	case KindPartialFailure:
		return "partial_failure"
	default:
		return "fatal"
	}
}

// KindOf returns the kind of err. Anything unclassified is fatal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPartialFailure):
		return KindPartialFailure
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	default:
		return KindFatal
	}
}

// Step is one entry in a workflow log.
type Step struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Failed reports whether the step ended in error.
func (s Step) Failed() bool { return s.Err != nil }

func (s Step) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %v", s.Name, s.Err)
	}
	return s.Name + ": ok"
}

// Outcome is the type-erased view of a Result used when merging results that
// carry different value types.
type Outcome interface {
	Succeeded() bool
	StepLog() []Step
}

// Result is the outcome of a workflow. The zero value is not ok; use New.
type Result[T any] struct {
	OK    bool
	Value T
	Steps []Step
}

// New returns an ok result with an empty step log.
func New[T any]() *Result[T] {
	return &Result[T]{OK: true}
}

// Failed returns a result that is already failed with a single step.
func Failed[T any](step string, err error) *Result[T] {
	r := New[T]()
	r.Fail(step, err)
	return r
}

// Record appends a step. A non-nil err marks the result failed. The error is
// returned unchanged so callers can write `if err := r.Record(...); err != nil`.
func (r *Result[T]) Record(name string, err error) error {
	r.Steps = append(r.Steps, Step{Name: name, Err: err})
	if err != nil {
		r.OK = false
	}
	return err
}

// Run times fn and records it as a step.
func (r *Result[T]) Run(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.Steps = append(r.Steps, Step{Name: name, Err: err, Duration: time.Since(start)})
	if err != nil {
		r.OK = false
	}
	return err
}

// Fail records a failed step.
func (r *Result[T]) Fail(name string, err error) {
	if err == nil {
		err = errors.New("failed")
	}
	_ = r.Record(name, err)
}

// Merge appends the steps of other and ANDs the ok flags.
func (r *Result[T]) Merge(other Outcome) {
	if other == nil {
		return
	}
	r.Steps = append(r.Steps, other.StepLog()...)
	r.OK = r.OK && other.Succeeded()
}

// MergeAs is Merge with a prefix added to each merged step name.
func (r *Result[T]) MergeAs(prefix string, other Outcome) {
	if other == nil {
		return
	}
	for _, s := range other.StepLog() {
		s.Name = prefix + "." + s.Name
		r.Steps = append(r.Steps, s)
	}
	r.OK = r.OK && other.Succeeded()
}

// Succeeded implements Outcome.
func (r *Result[T]) Succeeded() bool { return r.OK }

// StepLog implements Outcome.
func (r *Result[T]) StepLog() []Step { return r.Steps }

// Errors returns the errors of the failed steps, in order.
func (r *Result[T]) Errors() []error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, s.Err))
		}
	}
	return errs
}

// Err collapses the step log into a single error. A single failed step is
// returned as is (wrapped with its step name); several failed steps are
// combined and marked as a partial failure. A failed result with no failed
// steps yields a generic error so that !OK always maps to a non-nil error.
func (r *Result[T]) Err() error {
	errs := r.Errors()
	switch len(errs) {
	case 0:
		if r.OK {
			return nil
		}
		return errors.New("workflow failed")
	case 1:
		return errs[0]
	default:
		return fmt.Errorf("%w: %w", ErrPartialFailure, multierr.Combine(errs...))
	}
}

// StepNames returns the names of all recorded steps.
func (r *Result[T]) StepNames() []string {
	names := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		names = append(names, s.Name)
	}
	return names
}
