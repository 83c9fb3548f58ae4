package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberkv/ember/internal/errors"
)

func TestValidateKey(t *testing.T) {
	v := NewValidator()

	require.NoError(t, v.ValidateKey("a"))
	require.NoError(t, v.ValidateKey(strings.Repeat("k", MaxKeySize)))

	err := v.ValidateKey("")
	assert.Equal(t, errors.CodeEinval, errors.GetCode(err))
	err = v.ValidateKey(strings.Repeat("k", MaxKeySize+1))
	assert.Equal(t, errors.CodeEinval, errors.GetCode(err))
}

func TestValidateValue(t *testing.T) {
	v := NewValidator()

	require.NoError(t, v.ValidateValue(nil))
	require.NoError(t, v.ValidateValue(make([]byte, MaxValueSize)))

	err := v.ValidateValue(make([]byte, MaxValueSize+1))
	assert.Equal(t, errors.CodeEinval, errors.GetCode(err))
}

func TestValidateMutation(t *testing.T) {
	v := NewValidator()

	require.NoError(t, v.ValidateMutation("key", []byte("value")))
	assert.Error(t, v.ValidateMutation("", []byte("value")))
	assert.Error(t, v.ValidateMutation("key", make([]byte, MaxValueSize+1)))
}
