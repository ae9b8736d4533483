package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunUnknownCommandReturnsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"authorityd", "bogus"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "unknown command")
}

func TestRunHelpPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"authorityd", "help"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "authority-core")
}

func TestReplayCmdRequiresPartitionAndTo(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runReplayCmd(nil, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "Usage: authorityd replay")
}

func TestVerifyChainCmdRequiresPartitionAndTo(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runVerifyChainCmd(nil, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "Usage: authorityd verify-chain")
}
