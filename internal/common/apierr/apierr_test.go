package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndHTTPStatus(t *testing.T) {
	cases := []struct {
		code   Code
		status int
	}{
		{CodeNotFound, http.StatusNotFound},
		{CodeValidation, http.StatusBadRequest},
		{CodeConflict, http.StatusConflict},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeUpstream, http.StatusBadGateway},
		{CodeForbidden, http.StatusForbidden},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		err := New(c.code, "boom")
		assert.Equal(t, c.status, err.HTTPStatus())
		assert.Equal(t, "boom", err.Error())
	}
}

func TestWrapCarriesCauseInMessageNotExposed(t *testing.T) {
	cause := errors.New("sqlite busy")
	err := Wrap(CodeInternal, "could not save session", cause)

	assert.Equal(t, "could not save session: sqlite busy", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestCategorizePassesThroughExistingApiError(t *testing.T) {
	original := New(CodeForbidden, "nope")
	got := Categorize(original)
	assert.Same(t, original, got)
}

func TestCategorizeSubstringRules(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code Code
	}{
		{"not found", errors.New("session not found"), CodeNotFound},
		{"sql no rows", errors.New("sql: no rows in result set"), CodeNotFound},
		{"duplicate", errors.New("duplicate workspace path"), CodeConflict},
		{"at limit", errors.New("active sessions at limit for user"), CodeUnavailable},
		{"outside roots", errors.New("workspace path \"../etc\" is outside allowed roots"), CodeValidation},
		{"forbidden", errors.New("forbidden: session belongs to another user"), CodeForbidden},
		{"unauthorized", errors.New("unauthorized request"), CodeUnauthorized},
		{"unmatched falls back to internal", errors.New("something exploded"), CodeInternal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Categorize(c.err)
			require.NotNil(t, got)
			assert.Equal(t, c.code, got.Code)
		})
	}
}

func TestCategorizeNil(t *testing.T) {
	assert.Nil(t, Categorize(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: sessions.id")))
	assert.True(t, IsUniqueViolation(errors.New("duplicate key value violates unique constraint")))
	assert.False(t, IsUniqueViolation(errors.New("connection refused")))
	assert.False(t, IsUniqueViolation(nil))

	sqliteErr := sqlite3.Error{ExtendedCode: sqlite3.ErrConstraintUnique}
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert failed: %w", sqliteErr)))
}
