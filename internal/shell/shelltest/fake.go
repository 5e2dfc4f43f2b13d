// Package shelltest provides a scripted shell.Executor for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"
)

// Handler produces the output of a matched command.
type Handler func(cmd string) (string, error)

type rule struct {
	prefix  string
	handler Handler
}

// Fake records every command it receives and answers from rules registered
// with On. The most recently registered matching rule wins; unmatched
// commands return empty output.
type Fake struct {
	mu       sync.Mutex
	rules    []rule
	commands []string
	inputs   map[string][]byte
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{inputs: make(map[string][]byte)}
}

// On registers handler for commands starting with prefix.
func (f *Fake) On(prefix string, handler Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = append(f.rules, rule{prefix: prefix, handler: handler})
	return f
}

// Respond registers a fixed output for commands starting with prefix.
func (f *Fake) Respond(prefix, out string) *Fake {
	return f.On(prefix, func(string) (string, error) { return out, nil })
}

// Fail registers an error for commands starting with prefix.
func (f *Fake) Fail(prefix string, err error) *Fake {
	return f.On(prefix, func(string) (string, error) { return "", err })
}

// Sequence answers successive matching commands with outs in order,
// repeating the last one once exhausted.
func (f *Fake) Sequence(prefix string, outs ...string) *Fake {
	var mu sync.Mutex
	i := 0

	return f.On(prefix, func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		if len(outs) == 0 {
			return "", nil
		}
		out := outs[min(i, len(outs)-1)]
		i++

		return out, nil
	})
}

// Commands returns every command received so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.commands...)
}

// Count returns how many received commands start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, cmd := range f.Commands() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}

	return n
}

// Input returns the stdin passed with the last RunWithInput of cmd.
func (f *Fake) Input(cmd string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.inputs[cmd]
}

func (f *Fake) Run(_ context.Context, cmd string) (string, error) {
	return f.dispatch(cmd)
}

func (f *Fake) Check(_ context.Context, cmd string) (string, error) {
	return f.dispatch(cmd)
}

func (f *Fake) RunWithInput(_ context.Context, cmd string, stdin []byte) ([]byte, error) {
	f.mu.Lock()
	f.inputs[cmd] = append([]byte(nil), stdin...)
	f.mu.Unlock()

	out, err := f.dispatch(cmd)
	if err != nil {
		return nil, err
	}

	return []byte(out), nil
}

func (f *Fake) dispatch(cmd string) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	var h Handler
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(cmd, f.rules[i].prefix) {
			h = f.rules[i].handler
			break
		}
	}
	f.mu.Unlock()

	if h == nil {
		return "", nil
	}

	return h(cmd)
}
