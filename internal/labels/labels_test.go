package labels

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	in := "\"HeadFront\"\nHeadLeft\n\n  HeadRight  \n\"WaistLFront\"\n"
	got, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"HeadFront", "HeadLeft", "HeadRight", "WaistLFront"}, got)
}

func TestReadEmpty(t *testing.T) {
	_, err := Read(strings.NewReader("\n\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestRename(t *testing.T) {
	current := []string{"M000", "M001", "M002"}

	got, err := Rename(current, []string{"HeadFront", "HeadLeft", "HeadRight"})
	require.NoError(t, err)
	assert.Equal(t, []string{"HeadFront", "HeadLeft", "HeadRight"}, got)

	_, err = Rename(current, []string{"HeadFront"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must match")
}
