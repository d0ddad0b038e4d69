package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProviderFound matches every *NoProviderError.
	ErrNoProviderFound = errors.New("no suitable provider found")

	// ErrUnknownProvider is returned by Execute for an unregistered id.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrExecution matches every *ExecutionError.
	ErrExecution = errors.New("provider execution failed")
)

// NoProviderError reports that every provider was absent or rate-limited.
type NoProviderError struct {
	Requirements []string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no suitable provider found for requirements [%s]", strings.Join(e.Requirements, ", "))
}

// Is lets errors.Is(err, ErrNoProviderFound) match.
func (e *NoProviderError) Is(target error) bool { return target == ErrNoProviderFound }

// ExecutionError wraps a failure returned by a provider. It is never
// produced by Route.
type ExecutionError struct {
	ProviderID string
	Task       string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("provider %s failed task %q: %v", e.ProviderID, e.Task, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrExecution) match.
func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }
