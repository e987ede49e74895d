// Package apierr centralizes translation of low-level errors (database,
// adapter, validation) into the typed, uniformly-shaped errors the HTTP/WS
// gateway reports to clients.
package apierr

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Code is the taxonomy the engine and gateway agree on.
type Code string

const (
	CodeNotFound      Code = "not_found"
	CodeValidation    Code = "validation"
	CodeConflict      Code = "conflict"
	CodeUnavailable   Code = "unavailable"
	CodeUpstream      Code = "upstream_failure"
	CodeForbidden     Code = "forbidden"
	CodeUnauthorized  Code = "unauthorized"
	CodeInternal      Code = "internal"
)

// statusByCode maps each Code to its HTTP status, per spec §7.
var statusByCode = map[Code]int{
	CodeNotFound:     http.StatusNotFound,
	CodeValidation:   http.StatusBadRequest,
	CodeConflict:     http.StatusConflict,
	CodeUnavailable:  http.StatusServiceUnavailable,
	CodeUpstream:     http.StatusBadGateway,
	CodeForbidden:    http.StatusForbidden,
	CodeUnauthorized: http.StatusUnauthorized,
	CodeInternal:     http.StatusInternalServerError,
}

// ApiError is the typed error the engine returns; the gateway renders it as
// the uniform JSON envelope {error, code, details?}.
type ApiError struct {
	Code    Code
	Message string
	Details string
	cause   error
}

func (e *ApiError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *ApiError) Unwrap() error { return e.cause }

// HTTPStatus returns the status code the gateway should respond with.
func (e *ApiError) HTTPStatus() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs an ApiError directly, for call sites that already know
// the right taxonomy bucket (e.g. "session not found").
func New(code Code, message string) *ApiError {
	return &ApiError{Code: code, Message: message}
}

// Wrap constructs an ApiError that also carries a lower-level cause for
// logging, without leaking the cause's text to API clients unless Details
// is explicitly copied by the caller.
func Wrap(code Code, message string, cause error) *ApiError {
	return &ApiError{Code: code, Message: message, cause: cause}
}

// substring→Code rules, checked in order; this is deliberately
// conservative — anything unmatched falls through to Internal. Patterns
// are lowercase; Categorize lowercases the input before matching.
var substringRules = []struct {
	substr string
	code   Code
}{
	{"not found", CodeNotFound},
	{"no rows", CodeNotFound},
	{"already taken", CodeConflict},
	{"unique constraint", CodeConflict},
	{"unique_violation", CodeConflict},
	{"duplicate", CodeConflict},
	{"active sessions at limit", CodeUnavailable},
	{"unavailable", CodeUnavailable},
	{"outside allowed roots", CodeValidation},
	{"does not exist", CodeValidation},
	{"invalid", CodeValidation},
	{"must be", CodeValidation},
	{"forbidden", CodeForbidden},
	{"permission", CodeForbidden},
	{"unauthorized", CodeUnauthorized},
}

// Categorize rewrites an arbitrary low-level error into an *ApiError by
// walking its cause chain for a recognized unique-constraint indicator,
// then falling back to substring matching on the error text. Anything it
// cannot classify becomes Internal so the handler layer never panics on
// an unrecognized error shape.
func Categorize(err error) *ApiError {
	if err == nil {
		return nil
	}

	var existing *ApiError
	if errors.As(err, &existing) {
		return existing
	}

	if IsUniqueViolation(err) {
		return Wrap(CodeConflict, "resource already exists", err)
	}

	text := strings.ToLower(err.Error())
	for _, rule := range substringRules {
		if strings.Contains(text, rule.substr) {
			return Wrap(rule.code, err.Error(), err)
		}
	}

	return Wrap(CodeInternal, "internal error", err)
}

// IsUniqueViolation walks err's cause chain for a driver-specific unique
// constraint indicator — pgx's SQLSTATE 23505, sqlite3's
// ErrConstraintUnique/ErrConstraintPrimaryKey — falling back to substring
// matches for errors that didn't come through either driver directly.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return true
	}

	text := strings.ToLower(err.Error())
	return strings.Contains(text, "unique constraint") ||
		strings.Contains(text, "unique_violation") ||
		strings.Contains(text, "duplicate key") ||
		strings.Contains(text, "duplicate entry")
}
