package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequirementsStripsCommentsAndBlankLines(t *testing.T) {
	content := "# a comment\n\npillow==9.0.0\nnumpy>=1.20\n\nrequests\n"
	lines, err := parseRequirements(content)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, "pillow", lines[0].packageName)
	require.Equal(t, "numpy", lines[1].packageName)
	require.Equal(t, "requests", lines[2].packageName)
}

func TestParseRequirementsStripsEnvironmentMarkers(t *testing.T) {
	lines, err := parseRequirements(`dataclasses; python_version < "3.7"`)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, "dataclasses", lines[0].packageName)
	require.Equal(t, `dataclasses; python_version < "3.7"`, lines[0].raw)
}

func TestSplitEnvironmentMarkerTokenizesQuotedValue(t *testing.T) {
	tokens, err := splitEnvironmentMarker(`dataclasses; python_version < "3.7"`)
	require.NoError(t, err)
	require.Equal(t, []string{"python_version", "<", "3.7"}, tokens)
}

func TestPipToImportNameMapping(t *testing.T) {
	cases := map[string]string{
		"pillow":                 "PIL",
		"pyyaml":                 "yaml",
		"opencv-python-headless": "cv2",
		"protobuf":               "google.protobuf",
	}
	for pip, want := range cases {
		got, ok := pipToImportName[pip]
		require.True(t, ok, pip)
		require.Equal(t, want, got)
	}
}
