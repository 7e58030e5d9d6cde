package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/wkaandemir/branch-nexus/internal/runtime"
)

// Call records one FakeRuntime.Execute invocation.
type Call struct {
	Args []string
	Dir  string
	Env  map[string]string
}

// Line returns the argv joined by spaces.
func (c Call) Line() string {
	return strings.Join(c.Args, " ")
}

// Response is a scripted outcome.
type Response struct {
	Result runtime.Result
	Err    error
}

// OK is a successful Response with stdout.
func OK(stdout string) Response {
	return Response{Result: runtime.Result{Stdout: stdout}}
}

// Exit is a Response with a non-zero exit code and stderr.
func Exit(code int, stderr string) Response {
	return Response{Result: runtime.Result{ExitCode: code, Stderr: stderr}}
}

type rule struct {
	prefix    string
	responses []Response
	served    int
}

// FakeRuntime is a runtime.Handle that records calls and answers from
// scripted rules matched by command-line prefix. The most recently added
// matching rule wins. Unmatched commands succeed with empty output.
type FakeRuntime struct {
	KindValue runtime.Kind

	mu    sync.Mutex
	rules []*rule
	calls []Call
}

// NewFakeRuntime creates a FakeRuntime of the given kind.
func NewFakeRuntime(kind runtime.Kind) *FakeRuntime {
	return &FakeRuntime{KindValue: kind}
}

// On scripts the responses for commands starting with prefix. Responses are
// served in order and the last one repeats.
func (f *FakeRuntime) On(prefix string, responses ...Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(responses) == 0 {
		responses = []Response{OK("")}
	}
	f.rules = append(f.rules, &rule{prefix: prefix, responses: responses})
}

// Kind implements runtime.Handle.
func (f *FakeRuntime) Kind() runtime.Kind {
	if f.KindValue == "" {
		return runtime.KindLocal
	}
	return f.KindValue
}

// String implements runtime.Handle.
func (f *FakeRuntime) String() string {
	return "fake:" + string(f.Kind())
}

// PaneEntry implements runtime.Handle.
func (f *FakeRuntime) PaneEntry(path string) string {
	if f.Kind() == runtime.KindLocal {
		return ""
	}
	return "cd " + runtime.ShellQuote(path) + " && exec sh"
}

// Execute implements runtime.Handle.
func (f *FakeRuntime) Execute(ctx context.Context, cmd runtime.Command, opts runtime.Options) (runtime.Result, error) {
	if err := ctx.Err(); err != nil {
		return runtime.Result{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c := Call{Args: append([]string(nil), cmd.Args...), Dir: opts.Dir, Env: opts.Env}
	f.calls = append(f.calls, c)

	line := c.Line()
	for i := len(f.rules) - 1; i >= 0; i-- {
		r := f.rules[i]
		if !strings.HasPrefix(line, r.prefix) {
			continue
		}
		idx := r.served
		if idx >= len(r.responses) {
			idx = len(r.responses) - 1
		}
		r.served++
		resp := r.responses[idx]
		return resp.Result, resp.Err
	}
	return runtime.Result{}, nil
}

// Calls returns every recorded call.
func (f *FakeRuntime) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsWithPrefix returns the recorded calls whose command line starts with prefix.
func (f *FakeRuntime) CallsWithPrefix(prefix string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if strings.HasPrefix(c.Line(), prefix) {
			out = append(out, c)
		}
	}
	return out
}
