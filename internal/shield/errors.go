package shield

import (
	"errors"
	"fmt"
)

var (
	// ErrKillSwitchActive is the rejection cause once the kill switch is set.
	ErrKillSwitchActive = errors.New("shield kill switch active")

	// ErrDomainNotAllowed is the rejection cause for hosts outside the allow-list.
	ErrDomainNotAllowed = errors.New("domain not in allow-list")

	// ErrExportOutsideWorkspace is the rejection cause for export paths that
	// leave the workspace.
	ErrExportOutsideWorkspace = errors.New("export path outside workspace")

	// ErrInvalidPattern is returned by New when a redaction pattern does not compile.
	ErrInvalidPattern = errors.New("invalid redaction pattern")

	// ErrScannerNotFound is returned when a scanner binary is not installed.
	ErrScannerNotFound = errors.New("scanner not found in PATH")
)

// RejectionKind distinguishes why the shield refused an operation.
type RejectionKind string

const (
	KillSwitch             RejectionKind = "kill_switch"
	DomainNotAllowed       RejectionKind = "domain_not_allowed"
	ExportOutsideWorkspace RejectionKind = "export_outside_workspace"
)

// RejectionError is returned by the Validate methods. Callers branch on
// Kind, or on the sentinel it unwraps to.
type RejectionError struct {
	Kind   RejectionKind
	Target string // domain or path
}

func (e *RejectionError) Error() string {
	switch e.Kind {
	case KillSwitch:
		return "shield kill switch active: request to " + e.Target + " blocked"
	case DomainNotAllowed:
		return fmt.Sprintf("security violation: domain %s is not in the allow-list", e.Target)
	case ExportOutsideWorkspace:
		return fmt.Sprintf("security violation: file export to %s is outside the workspace", e.Target)
	}
	return fmt.Sprintf("shield rejected %s", e.Target)
}

// Unwrap returns the sentinel for Kind.
func (e *RejectionError) Unwrap() error {
	switch e.Kind {
	case KillSwitch:
		return ErrKillSwitchActive
	case DomainNotAllowed:
		return ErrDomainNotAllowed
	case ExportOutsideWorkspace:
		return ErrExportOutsideWorkspace
	}
	return nil
}
