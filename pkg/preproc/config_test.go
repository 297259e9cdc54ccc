package preproc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cpp.yaml", `
defines: [DEBUG, "LEVEL=2"]
undefines: [NDEBUG]
skip_expand: [assert]
max_expansion_depth: 64
keep_lines: true
jobs: 3
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEBUG", "LEVEL=2"}, cfg.Defines)
	assert.Equal(t, 64, cfg.MaxExpansionDepth)
	require.NotNil(t, cfg.KeepLines)
	assert.True(t, *cfg.KeepLines)
	assert.Nil(t, cfg.KeepComments)

	opts := &Options{Defines: []string{"LEVEL=3"}, KeepComments: true, Jobs: 1}
	cfg.Apply(opts)
	assert.Equal(t, []string{"DEBUG", "LEVEL=2", "LEVEL=3"}, opts.Defines)
	assert.Equal(t, []string{"NDEBUG"}, opts.Undefines)
	assert.Equal(t, []string{"assert"}, opts.SkipExpand)
	assert.Equal(t, 64, opts.MaxExpansionDepth)
	assert.True(t, opts.KeepComments)
	assert.True(t, opts.KeepLines)
	assert.False(t, opts.LineMarkers)
	assert.Equal(t, 3, opts.Jobs)
}

func TestLoadConfigEmpty(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, t.TempDir(), "empty.yaml", ""))
	require.NoError(t, err)

	opts := &Options{Jobs: 2}
	cfg.Apply(opts)
	assert.Equal(t, 2, opts.Jobs)
	assert.Empty(t, opts.Defines)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		msg     string
	}{
		{"unknown key", "definez: [X]\n", "field definez not found"},
		{"wrong type", "jobs: many\n", "cannot unmarshal"},
		{"negative depth", "max_expansion_depth: -1\n", "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, dir, tt.name+".yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
			assert.Contains(t, err.Error(), "loading config")
		})
	}

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
