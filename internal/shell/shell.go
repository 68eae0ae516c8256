// Package shell runs host commands for provisioning and proxy reloads.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	consolestream "github.com/wolfeidau/console-stream"
)

// ErrNoExit is returned when a process stream ends without reporting an exit code.
var ErrNoExit = errors.New("process ended without exit status")

// Output is the captured result of a command.
type Output struct {
	ExitCode int
	Data     []byte
	Duration time.Duration
}

// String returns the trimmed combined output.
func (o Output) String() string {
	return strings.TrimSpace(string(o.Data))
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.Code, e.Output)
}

// ExitCode returns the exit code carried by err, or -1 when err is not an *ExitError.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// Runner executes a command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// ProcessRunner runs commands through console-stream in pipe mode.
type ProcessRunner struct {
	env map[string]string
}

// NewProcessRunner returns a runner with a minimal, locale neutral environment.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{
		env: map[string]string{
			"PATH":   os.Getenv("PATH"),
			"LC_ALL": "C",
		},
	}
}

// Run executes name with args. A non-zero exit is reported as *ExitError
// alongside the captured output.
func (r *ProcessRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	command := strings.Join(append([]string{name}, args...), " ")

	process := consolestream.NewProcess(name, args,
		consolestream.WithPipeMode(),
		consolestream.WithFlushInterval(100*time.Millisecond),
		consolestream.WithEnvMap(r.env),
	)

	var (
		buf bytes.Buffer
		out = Output{ExitCode: -1}
	)

	for event, err := range process.ExecuteAndStream(ctx) {
		if err != nil {
			return out, fmt.Errorf("%s: %w", command, err)
		}

		switch e := event.Event.(type) {
		case *consolestream.ProcessStart:
			log.Debug().Str("command", command).Int("pid", e.PID).Msg("Process started")
		case *consolestream.OutputData:
			buf.Write(e.Data)
		case *consolestream.ProcessEnd:
			out.ExitCode = e.ExitCode
			out.Duration = e.Duration
			out.Data = buf.Bytes()

			log.Debug().
				Str("command", command).
				Int("exit_code", e.ExitCode).
				Dur("duration", e.Duration).
				Msg("Process finished")

			if e.ExitCode != 0 {
				return out, &ExitError{Command: command, Code: e.ExitCode, Output: out.String()}
			}
			return out, nil
		}
	}

	out.Data = buf.Bytes()
	if ctx.Err() != nil {
		return out, fmt.Errorf("%s: %w", command, ctx.Err())
	}
	return out, fmt.Errorf("%s: %w", command, ErrNoExit)
}
