package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllNamesAreValid(t *testing.T) {
	for _, name := range All {
		assert.True(t, Valid(name), string(name))
	}
	assert.False(t, Valid(Name("describe")))
}

func TestValidateArgsAcceptsRecognizedKeys(t *testing.T) {
	err := ValidateArgs(Caption, map[string]any{
		"image_url": "data:abc",
		"length":    "short",
		"_headers":  map[string]string{},
		"_method":   "POST",
	})
	require.NoError(t, err)
}

func TestValidateArgsRejectsObjAlias(t *testing.T) {
	err := ValidateArgs(Detect, map[string]any{"image_url": "data:abc", "obj": "cat"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"obj"`)
}

func TestValidateArgsRequiresMandatoryKeys(t *testing.T) {
	err := ValidateArgs(Query, map[string]any{"image_url": "data:abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"question"`)
}

func TestValidateArgsUnknownFunction(t *testing.T) {
	err := ValidateArgs(Name("describe"), map[string]any{})
	require.Error(t, err)
}

func TestSliceSequenceYieldsInOrderThenStops(t *testing.T) {
	seq := NewSliceSequence([]string{"a", "b"})
	defer seq.Close()

	chunk, ok, err := seq.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", chunk)

	chunk, ok, err = seq.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", chunk)

	_, ok, err = seq.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSliceSequenceHonorsContextCancellation(t *testing.T) {
	seq := NewSliceSequence([]string{"a"})
	defer seq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := seq.Next(ctx)
	require.Error(t, err)
}
