package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `yaml:"name"`
	Limit int    `yaml:"limit"`
}

func (s *sample) Validate() error {
	if s.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "docs")
	path := writeFile(t, "name: ${SAMPLE_NAME}\nlimit: 3\n")

	var got sample
	require.NoError(t, Load(path, &got))
	assert.Equal(t, sample{Name: "docs", Limit: 3}, got)
}

func TestLoad_RunsValidator(t *testing.T) {
	path := writeFile(t, "limit: -1\n")

	var got sample
	err := Load(path, &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestLoad_MissingFile(t *testing.T) {
	var got sample
	assert.Error(t, Load(filepath.Join(t.TempDir(), "nope.yaml"), &got))
}

func TestLoadOptional_MissingKeepsDefaults(t *testing.T) {
	got := sample{Name: "default", Limit: 5}
	require.NoError(t, LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), &got))
	assert.Equal(t, sample{Name: "default", Limit: 5}, got)

	got.Limit = -2
	assert.Error(t, LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), &got))
}

func TestLoadWithDefaults_FallsBack(t *testing.T) {
	fallback := writeFile(t, "name: fallback\n")

	var got sample
	require.NoError(t, LoadWithDefaults(filepath.Join(t.TempDir(), "nope.yaml"), fallback, &got))
	assert.Equal(t, "fallback", got.Name)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SAMPLE_SET", "value")
	t.Setenv("SAMPLE_EMPTY", "")

	assert.Equal(t, "value", ExpandEnv("${SAMPLE_SET}"))
	assert.Equal(t, "value", ExpandEnv("${SAMPLE_SET:-other}"))
	assert.Equal(t, "other", ExpandEnv("${SAMPLE_EMPTY:-other}"))
	assert.Equal(t, "./data", ExpandEnv("${SAMPLE_UNSET_XYZ:-./data}"))
	assert.Equal(t, "", ExpandEnv("${SAMPLE_UNSET_XYZ}"))
	assert.Equal(t, "a-value-b", ExpandEnv("a-$SAMPLE_SET-b"))
}

func TestLoad_FallbackInFile(t *testing.T) {
	path := writeFile(t, "name: ${SAMPLE_UNSET_XYZ:-fallback}\n")

	var got sample
	require.NoError(t, Load(path, &got))
	assert.Equal(t, "fallback", got.Name)
}
