package commands

import (
	"testing"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobConfigYAML(t *testing.T) {
	doc := `
server: echo
transport:
  kind: stdio
  command: ./echo-server --verbose
suite: cases
timeoutSeconds: 60
cases:
  - name: says hello
    tool: echo
    arguments:
      text: hello
    expectContains: hello
    weight: 2
`
	cfg, err := parseJobConfig([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "echo", cfg.Server)
	assert.Equal(t, models.TransportStdio, cfg.Transport.Kind)
	assert.Equal(t, "./echo-server --verbose", cfg.Transport.Command)
	assert.Equal(t, 60, cfg.TimeoutSeconds)
	require.Len(t, cfg.Cases, 1)
	assert.Equal(t, "echo", cfg.Cases[0].Tool)
	assert.Equal(t, 2.0, cfg.Cases[0].Weight)
	assert.JSONEq(t, `{"text":"hello"}`, string(cfg.Cases[0].Arguments))
}

func TestParseJobConfigJSON(t *testing.T) {
	cfg, err := parseJobConfig([]byte(`{"server":"remote","transport":{"kind":"http","url":"https://mcp.example.com/mcp"}}`))
	require.NoError(t, err)
	assert.Equal(t, models.TransportHTTP, cfg.Transport.Kind)
	assert.Equal(t, "https://mcp.example.com/mcp", cfg.Transport.URL)
}

func TestParseJobConfigRejectsInvalid(t *testing.T) {
	_, err := parseJobConfig([]byte(""))
	assert.Error(t, err)

	_, err = parseJobConfig([]byte("server: [unclosed"))
	assert.Error(t, err)

	_, err = parseJobConfig([]byte("server: x\ntransport:\n  kind: carrier-pigeon\n"))
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestOrDash(t *testing.T) {
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "-", orDash("  "))
	assert.Equal(t, "w-1", orDash("w-1"))
}
