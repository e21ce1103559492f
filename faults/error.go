package faults

import (
	"errors"
	"fmt"
	"time"
)

// Error is a classified failure carrying the context the router, breaker, and
// telemetry key on. It is created once at the provider boundary; context
// fields are merged in when absent and never silently overwritten.
type Error struct {
	Message    string
	Category   Category
	Cause      error
	Provider   string
	Model      string
	Stage      string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Flags returns the fixed flag triple for the error's category.
func (e *Error) Flags() Flags { return FlagsFor(e.Category) }

// Context supplies the call-site fields Wrap merges into an error.
type Context struct {
	Provider string
	Model    string
	Stage    string
}

// New builds a classified error from a normalized failure.
func New(failure Failure, callCtx Context) *Error {
	return &Error{
		Message:    failure.Message,
		Category:   Classify(failure),
		Cause:      failure.Cause,
		Provider:   callCtx.Provider,
		Model:      callCtx.Model,
		Stage:      callCtx.Stage,
		StatusCode: failure.StatusCode,
		Body:       failure.Body,
		RetryAfter: failure.RetryAfter,
	}
}

// Wrap normalizes any failure into a classified error. An already-classified
// error keeps its category and existing context; missing provider/model/stage
// fields are filled from callCtx on a copy so no information is discarded.
func Wrap(err error, callCtx Context) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		out := *classified
		if out.Provider == "" {
			out.Provider = callCtx.Provider
		}
		if out.Model == "" {
			out.Model = callCtx.Model
		}
		if out.Stage == "" {
			out.Stage = callCtx.Stage
		}
		return &out
	}
	return New(Failure{Message: err.Error(), Cause: err}, callCtx)
}

// CategoryOf extracts the category from any error, classifying unwrapped
// errors on the fly.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryRetryableTransient
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Category
	}
	return Classify(Failure{Message: err.Error(), Cause: err})
}

var _ error = (*Error)(nil)
