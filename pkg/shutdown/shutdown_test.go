package shutdown

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRunsAndSucceeds(t *testing.T) {
	fn := Command("true")
	require.NoError(t, fn(context.Background()))
}

func TestCommandSurfacesFailure(t *testing.T) {
	fn := Command("false")
	require.Error(t, fn(context.Background()))
}

func TestCommandRejectsEmptyLine(t *testing.T) {
	fn := Command("   ")
	require.Error(t, fn(context.Background()))
}

func TestDefaultPrefersConfiguredCommand(t *testing.T) {
	fn := Default("true", "", "")
	require.NoError(t, fn(context.Background()))
}

func TestNoOpDoesNothing(t *testing.T) {
	assert.NoError(t, NoOp()(context.Background()))
}
