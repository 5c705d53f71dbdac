package runner

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryRunner keeps step results in a map. Used by tests and by the
// in-process engine when durability is disabled.
type MemoryRunner struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	// Calls counts how many times each step body actually ran.
	Calls map[string]int
}

// NewMemoryRunner returns an empty in-memory runner.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{
		results: make(map[string]json.RawMessage),
		Calls:   make(map[string]int),
	}
}

// Run implements StepRunner.
func (r *MemoryRunner) Run(ctx context.Context, name string, fn StepFunc) (json.RawMessage, error) {
	r.mu.Lock()
	if payload, ok := r.results[name]; ok {
		r.mu.Unlock()
		return payload, nil
	}
	r.mu.Unlock()

	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls[name]++
	if _, ok := r.results[name]; !ok {
		r.results[name] = out
	}
	return r.results[name], nil
}
