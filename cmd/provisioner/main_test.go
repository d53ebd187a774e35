package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	perrors "github.com/vibehost/provisioner/internal/errors"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/service"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", errors.New("boom"), 1},
		{"validation", perrors.Validation("name", "a", "too short"), 2},
		{"name in use", perrors.NameInUse("alpha", "active"), 2},
		{"quota", perrors.QuotaExceeded("stacks", 1, 1, "limit reached"), 2},
		{"backend unavailable", perrors.BackendUnavailable(perrors.StageDeploy, "connection refused", errors.New("refused")), 3},
		{"internal", perrors.InternalError("broken", nil), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRender(t *testing.T) {
	stack := &model.TenantStack{
		Name:      "alpha",
		OwnerID:   "owner-1",
		Status:    model.StatusActive,
		Backend:   model.BackendLocal,
		Domain:    "alpha.example.com",
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	view := newStackView(stack)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, render(&buf, "json", view))

		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "alpha", got["name"])
		assert.Equal(t, "active", got["status"])
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, render(&buf, "yaml", view))

		var got map[string]interface{}
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "alpha", got["name"])
		assert.Equal(t, "owner-1", got["owner_id"])
	})

	t.Run("unknown format", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Error(t, render(&buf, "xml", view))
	})
}

func TestNewEnforcementView(t *testing.T) {
	v := newEnforcementView(&service.EnforcementResult{
		OwnerID:   "owner-1",
		Suspended: "beta",
		Usage:     &service.StorageUsage{UsedGB: 12.5, LimitGB: 10, Exceeded: true},
	})
	assert.Equal(t, "beta", v.Suspended)
	assert.True(t, v.Exceeded)
	assert.Equal(t, 12.5, v.UsedGB)

	empty := newEnforcementView(&service.EnforcementResult{OwnerID: "owner-2"})
	assert.False(t, empty.Exceeded)
	assert.Zero(t, empty.LimitGB)
}

func TestInitLogger(t *testing.T) {
	logger, level, err := initLogger("debug", "json")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	_, level, err = initLogger("", "console")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level.Level())

	_, _, err = initLogger("loud", "json")
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{
		"serve", "deploy", "status", "stats", "remove", "list", "quota", "enforce", "migrate",
	}, names)

	for _, flag := range []string{"config", "log-level", "output"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestStatusCommand_RequiresName(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"status"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	assert.Error(t, root.Execute())
}
