package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--backend", "mock", "--work-dir", t.TempDir()}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVoicesListsMockVoices(t *testing.T) {
	out, _, err := execute(t, "voices")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "Mock Alice")
	assert.Contains(t, out, "mock-bruno")
}

func TestCulturesListsDistinctCultures(t *testing.T) {
	out, _, err := execute(t, "cultures")
	require.NoError(t, err)
	lines := strings.Fields(out)
	assert.ElementsMatch(t, []string{"en-US", "de-DE", "fr-FR"}, lines)
}

func TestGenerateWritesFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "hello.wav")
	out, _, err := execute(t, "generate", "--out", target, "hello", "world")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+target)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[:4]))
}

func TestGenerateRequiresOut(t *testing.T) {
	_, _, err := execute(t, "generate", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--out")
}

func TestSayPrintsEvents(t *testing.T) {
	_, stderr, err := execute(t, "--events", "say", "--voice", "mock-alice", "hi")
	require.NoError(t, err)
	assert.Contains(t, stderr, "audio.generation.start")
	assert.Contains(t, stderr, "speak.complete")
}

func TestNativeRejectsEmptyText(t *testing.T) {
	_, _, err := execute(t, "native")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no text")
}
