package shell

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProcessRunner(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := NewProcessRunner()

	t.Run("captures output", func(t *testing.T) {
		out, err := r.Run(ctx, "sh", "-c", "echo hello")
		require.NoError(t, err)
		require.Equal(t, 0, out.ExitCode)
		require.Equal(t, "hello", out.String())
	})

	t.Run("non-zero exit", func(t *testing.T) {
		out, err := r.Run(ctx, "sh", "-c", "echo nope; exit 9")
		require.Error(t, err)
		require.Equal(t, 9, ExitCode(err))
		require.Equal(t, 9, out.ExitCode)

		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		require.Contains(t, exitErr.Error(), "nope")
	})
}

func TestExitCode(t *testing.T) {
	require.Equal(t, -1, ExitCode(errors.New("boom")))
	require.Equal(t, 6, ExitCode(fmt.Errorf("groupdel: %w", &ExitError{Command: "groupdel g_x", Code: 6})))
	require.Equal(t, "userdel exited with code 6", (&ExitError{Command: "userdel", Code: 6}).Error())
}
