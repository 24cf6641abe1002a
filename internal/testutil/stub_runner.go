// Package testutil holds fakes and fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// StubRunner answers tool invocations from canned responses. Calls are keyed
// by the tool name followed by its arguments, joined with spaces.
type StubRunner struct {
	mu       sync.Mutex
	stubs    map[string][]stubResponse
	defaults map[string]stubResponse
	missing  map[string]bool
	hooks    map[string]func(dir string) error
	calls    []string
}

type stubResponse struct {
	out string
	err error
}

func NewStubRunner() *StubRunner {
	return &StubRunner{
		stubs:    make(map[string][]stubResponse),
		defaults: make(map[string]stubResponse),
		missing:  make(map[string]bool),
		hooks:    make(map[string]func(string) error),
	}
}

// Stub queues a one-shot response for the call.
func (s *StubRunner) Stub(call string, out string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs[call] = append(s.stubs[call], stubResponse{out: out, err: err})
}

// StubDefault answers the call whenever no queued response is left.
func (s *StubRunner) StubDefault(call string, out string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[call] = stubResponse{out: out, err: err}
}

// OnCall runs fn before answering every call whose key has the given prefix.
func (s *StubRunner) OnCall(prefix string, fn func(dir string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[prefix] = fn
}

// Missing makes LookPath fail for tool.
func (s *StubRunner) Missing(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing[tool] = true
}

func (s *StubRunner) Exec(ctx context.Context, dir, name string, args ...string) (string, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	s.mu.Lock()
	s.calls = append(s.calls, key)
	var hook func(string) error
	for prefix, fn := range s.hooks {
		if strings.HasPrefix(key, prefix) {
			hook = fn
		}
	}
	queue := s.stubs[key]
	var (
		resp stubResponse
		ok   bool
	)
	if len(queue) > 0 {
		resp, ok = queue[0], true
		s.stubs[key] = queue[1:]
	} else {
		resp, ok = s.defaults[key]
	}
	s.mu.Unlock()

	if hook != nil {
		if err := hook(dir); err != nil {
			return "", err
		}
	}
	if !ok {
		return "", fmt.Errorf("unexpected call: %s", key)
	}
	return resp.out, resp.err
}

func (s *StubRunner) LookPath(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing[name] {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return name, nil
}

// CallsFor counts the calls made with exactly this key.
func (s *StubRunner) CallsFor(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, c := range s.calls {
		if c == call {
			count++
		}
	}
	return count
}

// Calls returns every call key in order.
func (s *StubRunner) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
