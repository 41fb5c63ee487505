package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bnpl-copilot/pkg/registry"
)

func TestHelp(t *testing.T) {
	var buf bytes.Buffer
	help(&buf)

	out := buf.String()
	assert.Contains(t, out, "Usage: registry-validator <command> [flags]")
	assert.True(t, strings.HasSuffix(out, "a command.\n"), "usage should end with a single newline")
}

func TestListKPIs(t *testing.T) {
	reg, err := registry.Load("", "")
	require.NoError(t, err)

	var buf bytes.Buffer
	listKPIs(&buf, reg)
	assert.Contains(t, buf.String(), "gmv")
}
