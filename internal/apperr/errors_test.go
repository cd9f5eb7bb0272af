package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfMapsTaxonomy(t *testing.T) {
	cases := map[Code]Kind{
		CodeInvalidAmount:          KindValidation,
		CodeUnsupportedCurrency:    KindValidation,
		CodeSessionNotFound:        KindNotFound,
		CodeSessionAlreadyTerminal: KindInvalidTransition,
		CodeReviewAlreadyResolved:  KindInvalidTransition,
		CodeTransientProvider:      KindTransientProvider,
		CodeSignatureInvalid:       KindSignature,
		CodeDuplicateEvent:         KindDuplicate,
	}
	for code, kind := range cases {
		assert.Equal(t, kind, KindOf(New(code, "x")), "code %s", code)
	}
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("charge: %w", Wrap(CodeTransientProvider, cause, "provider call failed"))

	typed := As(err)
	require.NotNil(t, typed)
	assert.Equal(t, CodeTransientProvider, typed.Code())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, New(CodeTransientProvider, "")))
	assert.False(t, errors.Is(err, New(CodeInternal, "")))
}

func TestMetadataForUnknownCodeFallsBackToInternal(t *testing.T) {
	meta := MetadataFor(Code("NOPE"))
	assert.Equal(t, http.StatusInternalServerError, meta.HTTPStatus)
	assert.Equal(t, KindInternal, meta.Kind)
}

func TestWithDetails(t *testing.T) {
	err := New(CodeValidation, "bad input").WithDetails(map[string]string{"currency": "required"})
	assert.Equal(t, map[string]string{"currency": "required"}, err.Details())
	assert.Equal(t, "VALIDATION_ERROR: bad input", err.Error())
}
