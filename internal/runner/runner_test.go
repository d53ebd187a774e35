package runner

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunner_CapturesOutput(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(time.Second*10, 0, zap.NewNop())

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2"}})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Truncated)
}

func TestExecRunner_Stdin(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(time.Second*10, 0, nil)

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "cat"}, Stdin: []byte("services: {}")})
	require.NoError(t, err)
	assert.Equal(t, "services: {}", res.Stdout)
}

func TestExecRunner_ExitError(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(time.Second*10, 0, nil)

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, "boom", exitErr.Stderr)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecRunner_Timeout(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(100*time.Millisecond, 0, nil)

	_, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "sleep 5"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecRunner_BoundsOutput(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(time.Second*10, 16, nil)

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "yes | head -n 1000"}})
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 16)
	assert.True(t, res.Truncated)
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := NewExecRunner(time.Second, 0, nil)

	_, err := r.Run(context.Background(), Command{Name: "definitely-not-a-binary-" + strings.Repeat("x", 8)})
	require.Error(t, err)

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
}

func TestLimitedBuffer(t *testing.T) {
	b := newLimitedBuffer(4)
	n, err := b.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Write([]byte("cdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcd", b.String())
	assert.True(t, b.truncated)
}
