package execx

import (
	"context"
	"io"
	"strings"
	"sync"
)

// Recorder is a Runner that records invocations instead of executing them.
// Responses are matched by the longest argv prefix registered with Respond
// or Fail. It backs dry runs and tests.
type Recorder struct {
	mu        sync.Mutex
	calls     [][]string
	outputs   map[string]string
	failures  map[string]error
	callbacks map[string]func(Command) error
	echo      io.Writer
}

// NewRecorder creates an empty Recorder. When echo is non-nil every recorded
// command is printed to it with a leading "+ ".
func NewRecorder(echo io.Writer) *Recorder {
	return &Recorder{
		outputs:   make(map[string]string),
		failures:  make(map[string]error),
		callbacks: make(map[string]func(Command) error),
		echo:      echo,
	}
}

// Respond registers stdout for commands whose argv starts with prefix.
func (r *Recorder) Respond(prefix, stdout string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[prefix] = stdout
}

// Fail registers an error for commands whose argv starts with prefix.
func (r *Recorder) Fail(prefix string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[prefix] = err
}

// OnRun registers fn to be called for matching commands; its error is returned.
func (r *Recorder) OnRun(prefix string, fn func(Command) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[prefix] = fn
}

// Calls returns every recorded argv joined by single spaces.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// Called reports whether any recorded command starts with prefix.
func (r *Recorder) Called(prefix string) bool {
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Run implements Runner.
func (r *Recorder) Run(_ context.Context, c Command) error {
	out, err := r.record(c)
	if err != nil {
		return err
	}
	if out != "" && c.Stdout != nil {
		_, _ = io.WriteString(c.Stdout, out)
	}
	return nil
}

// Output implements Runner.
func (r *Recorder) Output(_ context.Context, c Command) ([]byte, error) {
	out, err := r.record(c)
	return []byte(out), err
}

func (r *Recorder) record(c Command) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, c.Argv())
	line := c.String()
	if r.echo != nil {
		_, _ = io.WriteString(r.echo, "+ "+line+"\n")
	}
	out := longestMatch(r.outputs, line)
	fail := longestMatch(r.failures, line)
	cb := longestMatch(r.callbacks, line)
	r.mu.Unlock()

	if cb != nil {
		if err := cb(c); err != nil {
			return "", err
		}
	}
	if fail != nil {
		return "", fail
	}
	return out, nil
}

func longestMatch[T any](m map[string]T, line string) T {
	var best T
	bestLen := -1
	for prefix, v := range m {
		if strings.HasPrefix(line, prefix) && len(prefix) > bestLen {
			best = v
			bestLen = len(prefix)
		}
	}
	return best
}
