package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks retryable network or provider failures. Ledger
	// callers log these and treat the call as a soft no-op.
	ErrTransient = errors.New("transient failure")
	// ErrStage marks an error that aborts the current job but not the batch.
	ErrStage = errors.New("stage failure")
	// ErrTimeout marks an exceeded wall-clock or readiness ceiling.
	ErrTimeout = errors.New("timeout")
	// ErrConfiguration marks missing credentials or identifiers; the
	// operation aborts before any job side effect.
	ErrConfiguration = errors.New("configuration error")
	// ErrExternalTool marks a non-zero exit from an external process.
	ErrExternalTool = errors.New("external tool error")
	// ErrNotFound marks a missing remote resource.
	ErrNotFound = errors.New("not found")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Truncate trims diagnostic text to a bounded length for persistence in the
// job ledger's error_message column.
func Truncate(message string, limit int) string {
	message = strings.TrimSpace(message)
	if limit <= 0 || len(message) <= limit {
		return message
	}
	return message[:limit]
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
