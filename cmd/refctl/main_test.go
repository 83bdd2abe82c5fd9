package main

import (
	"bytes"
	"strings"
	"testing"

	"refbot/internal/migrations"
	"refbot/internal/referral"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(zap.NewNop())
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCodeCommand(t *testing.T) {
	out, err := execute(t, "code", "42", "1000")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "42\t"+referral.GenerateCode(42), lines[0])
	assert.Equal(t, "1000\t"+referral.GenerateCode(1000), lines[1])
}

func TestCodeCommand_InvalidSeed(t *testing.T) {
	_, err := execute(t, "code", "abc")
	assert.ErrorContains(t, err, "некорректный seed")

	_, err = execute(t, "code")
	assert.Error(t, err)
}

func TestStatsCommand_InvalidID(t *testing.T) {
	_, err := execute(t, "stats", "not-a-number")
	assert.ErrorContains(t, err, "некорректный telegram id")
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printStatus(&out, []migrations.StepStatus{
		{Version: 1, Table: "profiles", Applied: true},
		{Version: 2, Table: "referrals"},
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "profiles")
	assert.Contains(t, lines[1], "applied")
	assert.Contains(t, lines[2], "pending")
}
