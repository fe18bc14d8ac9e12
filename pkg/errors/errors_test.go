// Package errors_test provides unit tests for the AppError type, factory
// functions, and error-chain helpers defined in pkg/errors/errors.go.
package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/pkg/errors"
)

func TestNew_FieldsAreSetCorrectly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		code    errors.ErrorCode
		message string
	}{
		{"internal error", errors.CodeInternal, "unexpected failure"},
		{"molecule not found", errors.ErrCodeMoleculeNotFound, "molecule BSYNRYMUTXBXSQ-UHFFFAOYSA-N not found"},
		{"invalid param", errors.CodeInvalidParam, "SMILES must not be empty"},
		{"transient", errors.ErrCodeTransientTimeout, "predictor timed out"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ae := errors.New(tc.code, tc.message)

			require.NotNil(t, ae)
			assert.Equal(t, tc.code, ae.Code)
			assert.Equal(t, tc.message, ae.Message)
			assert.Empty(t, ae.Detail, "Detail should be empty for bare New()")
			assert.Nil(t, ae.Cause, "Cause should be nil for bare New()")
		})
	}
}

func TestError_Format(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found")
	assert.Equal(t, "[MOL_001] molecule not found", ae.Error())

	withDetail := ae.WithDetail("hash=BSYNRYMUTXBXSQ-UHFFFAOYSA-N")
	assert.Equal(t, "[MOL_001] molecule not found: hash=BSYNRYMUTXBXSQ-UHFFFAOYSA-N", withDetail.Error())
}

func TestWrap_NilErrReturnsNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, errors.Wrap(nil, errors.CodeInternal, "should not matter"))
}

func TestWrap_CauseChainIsPreserved(t *testing.T) {
	t.Parallel()

	root := stderrors.New("connection refused")
	mid := errors.Wrap(root, errors.ErrCodeDatabaseError, "query failed")
	top := errors.Wrap(mid, errors.ErrCodeTransientStorage, "upsert failed")

	assert.True(t, stderrors.Is(top, root))
	assert.Equal(t, errors.ErrCodeTransientStorage, top.Code)

	var ae *errors.AppError
	require.True(t, stderrors.As(top, &ae))
	assert.Equal(t, errors.ErrCodeTransientStorage, ae.Code)
}

func TestWrap_UnknownCodePreservesOriginal(t *testing.T) {
	t.Parallel()

	inner := errors.New(errors.ErrCodeIdentityVersionConflict, "cas lost")
	wrapped := errors.Wrap(inner, errors.CodeUnknown, "adding context")
	assert.Equal(t, errors.ErrCodeIdentityVersionConflict, wrapped.Code)
}

func TestWithDetailAndCause_AreNonMutating(t *testing.T) {
	t.Parallel()

	base := errors.New(errors.CodeConflict, "conflict")
	withDetail := base.WithDetail("row=42")
	withCause := base.WithCause(stderrors.New("boom"))

	assert.Empty(t, base.Detail)
	assert.Nil(t, base.Cause)
	assert.Equal(t, "row=42", withDetail.Detail)
	assert.NotNil(t, withCause.Cause)

	var nilErr *errors.AppError
	assert.Nil(t, nilErr.WithDetail("x"))
	assert.Nil(t, nilErr.WithCause(stderrors.New("y")))
}

func TestIsCode(t *testing.T) {
	t.Parallel()

	inner := errors.New(errors.ErrCodeValidationRange, "out of range")
	wrapped := fmt.Errorf("row 7: %w", inner)

	assert.True(t, errors.IsCode(wrapped, errors.ErrCodeValidationRange))
	assert.False(t, errors.IsCode(wrapped, errors.ErrCodeValidationSyntax))
	assert.False(t, errors.IsCode(nil, errors.ErrCodeValidationRange))
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"generic not found", errors.NotFound("gone"), true},
		{"molecule not found", errors.New(errors.ErrCodeMoleculeNotFound, "gone"), true},
		{"library not found", errors.New(errors.ErrCodeLibraryNotFound, "gone"), true},
		{"job not found", errors.New(errors.ErrCodeJobNotFound, "gone"), true},
		{"wrapped not found", fmt.Errorf("ctx: %w", errors.NotFound("gone")), true},
		{"internal", errors.Internal("boom"), false},
		{"plain error", stderrors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, errors.IsNotFound(tc.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.IsTransient(errors.New(errors.ErrCodeTransientTimeout, "slow")))
	assert.True(t, errors.IsTransient(errors.Transient(stderrors.New("502"), "upstream down")))
	assert.False(t, errors.IsTransient(errors.New(errors.ErrCodePermanentInputRejected, "no")))
	assert.False(t, errors.IsTransient(stderrors.New("plain")))
	assert.False(t, errors.IsTransient(nil))
}

func TestIsCancelled(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.IsCancelled(errors.Cancelled("caller gave up")))
	assert.True(t, errors.IsCancelled(context.Canceled))
	assert.True(t, errors.IsCancelled(fmt.Errorf("op: %w", context.DeadlineExceeded)))
	assert.False(t, errors.IsCancelled(errors.Internal("boom")))
	assert.False(t, errors.IsCancelled(nil))
}

func TestGetCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, errors.CodeOK, errors.GetCode(nil))
	assert.Equal(t, errors.CodeUnknown, errors.GetCode(stderrors.New("plain")))
	assert.Equal(t, errors.ErrCodeCursorInvalid, errors.GetCode(errors.New(errors.ErrCodeCursorInvalid, "bad cursor")))
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	assert.Equal(t, errors.CategoryValidation, errors.GetCategory(errors.New(errors.ErrCodeValidationSyntax, "bad")))
	assert.Equal(t, errors.CategoryCancelled, errors.GetCategory(context.Canceled))
	assert.Equal(t, errors.CategoryInternal, errors.GetCategory(stderrors.New("plain")))
	assert.Equal(t, errors.CategoryTransient, errors.GetCategory(errors.Transient(nil, "down")))
}

func TestConvenienceFactories(t *testing.T) {
	t.Parallel()

	assert.Equal(t, errors.CodeNotFound, errors.NotFound("x").Code)
	assert.Equal(t, errors.CodeInvalidParam, errors.InvalidParam("x").Code)
	assert.Equal(t, errors.CodeConflict, errors.InvalidState("x").Code)
	assert.Equal(t, errors.CodeUnauthorized, errors.Unauthorized("x").Code)
	assert.Equal(t, errors.CodeForbidden, errors.Forbidden("x").Code)
	assert.Equal(t, errors.CodeInternal, errors.Internal("x").Code)
	assert.Equal(t, errors.CodeConflict, errors.Conflict("x").Code)
	assert.Equal(t, errors.CodeCancelled, errors.Cancelled("x").Code)
}

func TestNewf(t *testing.T) {
	t.Parallel()

	ae := errors.Newf(errors.ErrCodeValidationRange, "value %v outside [%v, %v]", 12.5, 0.0, 10.0)
	assert.Equal(t, "value 12.5 outside [0, 10]", ae.Message)
}
