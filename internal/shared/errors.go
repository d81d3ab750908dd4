// Package shared carries the error taxonomy and small helpers used across the
// helix core.
package shared

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Sentinel errors for the core error kinds. Wrap or compare with errors.Is.
var (
	// ErrNotFound indicates the record does not exist or is not visible.
	ErrNotFound = errors.New("resource not found")
	// ErrForbidden indicates the caller lacks a required permission and has
	// no ownership bypass.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated indicates no user identity was present where one is
	// required.
	ErrUnauthenticated = errors.New("invalid authorization")
	// ErrValidation indicates a change-set or input could not be reconciled.
	ErrValidation = errors.New("validation failed")
	// ErrConfiguration indicates a programmer error in record type setup,
	// such as a missing cache key template.
	ErrConfiguration = errors.New("invalid record configuration")
)

// Error is a typed, user-facing error with a stable status code. The outermost
// request boundary converts these into its response envelope.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the kind sentinel for errors.Is checks.
func (e *Error) Unwrap() error { return e.Kind }

// StatusCode maps the error kind onto an HTTP-shaped status code.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrForbidden:
		return http.StatusForbidden
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// NotFound builds a not-found error for the named resource.
func NotFound(resource string) error {
	if resource == "" {
		resource = "Resource"
	}
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("%s does not exist.", resource)}
}

// Forbidden builds a forbidden error. With masquerade the failure is presented
// as not-found so the response does not confirm the resource exists.
func Forbidden(masquerade bool) error {
	if masquerade {
		return NotFound("")
	}
	return &Error{Kind: ErrForbidden, Message: "You do not have permission to access this resource."}
}

// Unauthenticated builds an unauthenticated error.
func Unauthenticated() error {
	return &Error{Kind: ErrUnauthenticated, Message: "Invalid authorization."}
}

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// Configurationf builds a configuration error from a format string.
func Configurationf(format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Message: fmt.Sprintf(format, args...)}
}

// ValidationGroups builds a validation error whose message lists offending
// names grouped by failure category, in a deterministic order.
func ValidationGroups(groups map[string][]string) error {
	cats := make([]string, 0, len(groups))
	for cat := range groups {
		if len(groups[cat]) > 0 {
			cats = append(cats, cat)
		}
	}
	sort.Strings(cats)
	parts := make([]string, 0, len(cats))
	for _, cat := range cats {
		names := append([]string(nil), groups[cat]...)
		sort.Strings(names)
		parts = append(parts, fmt.Sprintf("The following permissions could not be %s: %s.", cat, strings.Join(names, ", ")))
	}
	return &Error{Kind: ErrValidation, Message: strings.Join(parts, " ")}
}
