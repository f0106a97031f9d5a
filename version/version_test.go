package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withVersion(t *testing.T, v string, fn func()) {
	t.Helper()
	orig := version
	defer func() { version = orig }()
	version = v
	fn()
}

func TestVersionNonEmpty(t *testing.T) {
	assert.NotEmpty(t, Version())
}

func TestVersionLdflagsOverride(t *testing.T) {
	withVersion(t, "1.2.3", func() {
		assert.Equal(t, "1.2.3", Version())
	})
}

func TestCompatibleSameMajor(t *testing.T) {
	require.NoError(t, Compatible("1.0.0", "1.9.4"))
	require.NoError(t, Compatible("v2.0.0", "2.3.1"))
}

func TestCompatibleMajorMismatch(t *testing.T) {
	err := Compatible("1.4.0", "2.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incompatible runtime versions")
}

func TestCompatibleDevBuildsExempt(t *testing.T) {
	require.NoError(t, Compatible("dev", "2.0.0"))
	require.NoError(t, Compatible("1.0.0", ""))
	require.NoError(t, Compatible("dev", "dev"))
	require.NoError(t, Compatible("(devel)", "3.0.0"))
}
