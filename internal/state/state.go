// Package state models the lifecycle of one asynchronous request as seen by
// a client screen: idle, loading, then success or error.
package state

import "context"

// Status tags a State.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// State is a tagged union over the request lifecycle. Value is set only when
// Status is StatusSuccess and Err only when Status is StatusError.
type State[T any] struct {
	Status Status
	Value  T
	Err    error
}

func Idle[T any]() State[T] { return State[T]{Status: StatusIdle} }

func Loading[T any]() State[T] { return State[T]{Status: StatusLoading} }

func Success[T any](v T) State[T] { return State[T]{Status: StatusSuccess, Value: v} }

func Failure[T any](err error) State[T] { return State[T]{Status: StatusError, Err: err} }

// Message returns the error text for an error state and "" otherwise.
func (s State[T]) Message() string {
	if s.Status != StatusError || s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// Done reports whether the state is terminal.
func (s State[T]) Done() bool {
	return s.Status == StatusSuccess || s.Status == StatusError
}

// Run calls fn and reports Loading followed by exactly one of Success or
// Error to observe. It returns the terminal state.
func Run[T any](ctx context.Context, fn func(context.Context) (T, error), observe func(State[T])) State[T] {
	if observe == nil {
		observe = func(State[T]) {}
	}
	observe(Loading[T]())
	v, err := fn(ctx)
	var final State[T]
	if err != nil {
		final = Failure[T](err)
	} else {
		final = Success(v)
	}
	observe(final)
	return final
}
