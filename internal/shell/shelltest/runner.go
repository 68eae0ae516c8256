// Package shelltest provides a scripted shell.Runner for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"github.com/wolfeidau/storefleet/internal/shell"
)

// Response is the scripted result for a command.
type Response struct {
	Code   int
	Output string
	Err    error
}

// Runner records every command and answers from a table keyed by command
// prefix. Unmatched commands succeed with no output.
type Runner struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []string
}

// NewRunner returns an empty scripted runner.
func NewRunner() *Runner {
	return &Runner{responses: make(map[string]Response)}
}

// On scripts the response for any command line starting with prefix.
func (r *Runner) On(prefix string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = resp
	return r
}

// Run implements shell.Runner.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (shell.Output, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	r.calls = append(r.calls, line)
	resp, ok := r.match(line)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return shell.Output{ExitCode: -1}, err
	}
	if !ok {
		return shell.Output{}, nil
	}
	if resp.Err != nil {
		return shell.Output{ExitCode: -1}, resp.Err
	}

	out := shell.Output{ExitCode: resp.Code, Data: []byte(resp.Output)}
	if resp.Code != 0 {
		return out, &shell.ExitError{Command: line, Code: resp.Code, Output: resp.Output}
	}
	return out, nil
}

// longest matching prefix wins
func (r *Runner) match(line string) (Response, bool) {
	var (
		best    Response
		bestLen = -1
	)
	for prefix, resp := range r.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > bestLen {
			best, bestLen = resp, len(prefix)
		}
	}
	return best, bestLen >= 0
}

// Calls returns the command lines run so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many command lines started with prefix.
func (r *Runner) Count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
