package context

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionInfoString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		v    VersionInfo
		exp  string
	}{
		{
			name: "ok/release",
			v: VersionInfo{
				Semantic: "v1.2.0", Commit: "1a2b3c4d5e6f7a8b9c0d",
				Go: "go1.24.2", Platform: "linux/amd64",
			},
			exp: "v1.2.0 (commit 1a2b3c4d5e6f, go1.24.2, linux/amd64)",
		},
		{
			name: "ok/dirty",
			v: VersionInfo{
				Semantic: "dev", Commit: "abc", Dirty: true,
				Go: "go1.24.2", Platform: "darwin/arm64",
			},
			exp: "dev (commit abc-dirty, go1.24.2, darwin/arm64)",
		},
		{
			name: "ok/no_commit",
			v:    VersionInfo{Semantic: "dev", Go: "go1.24.2", Platform: "linux/amd64"},
			exp:  "dev (go1.24.2, linux/amd64)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.exp, tt.v.String())
		})
	}
}

func TestGetVersion(t *testing.T) {
	t.Parallel()

	v, err := GetVersion()
	require.NoError(t, err)
	assert.NotEmpty(t, v.Semantic)
	assert.NotEmpty(t, v.Go)
	assert.Contains(t, v.Platform, "/")
}
