package retry

import (
	"context"
	"sort"
	"sync"
)

// OperationState tracks the attempts of one retried operation.
type OperationState struct {
	Key       string `json:"key" yaml:"key"`
	Attempts  int    `json:"attempts" yaml:"attempts"`
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Succeeded bool   `json:"succeeded" yaml:"succeeded"`
}

// Tracker records attempt counts per operation key across a run.
// It is thread-safe and can be used concurrently.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*OperationState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]*OperationState),
	}
}

func (t *Tracker) getOrCreate(key string) *OperationState {
	state, ok := t.states[key]
	if !ok {
		state = &OperationState{Key: key}
		t.states[key] = state
	}
	return state
}

// RecordAttempt records the outcome of one attempt for key.
func (t *Tracker) RecordAttempt(key string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.getOrCreate(key)
	state.Attempts++
	if err == nil {
		state.Succeeded = true
		state.LastError = ""
		return
	}
	state.Succeeded = false
	state.LastError = err.Error()
}

// Snapshot returns copies of all states sorted by key. A nil tracker has none.
func (t *Tracker) Snapshot() []OperationState {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]OperationState, 0, len(t.states))
	for _, state := range t.states {
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Do is the package-level Do with every attempt recorded under key.
// A nil tracker records nothing.
func (t *Tracker) Do(ctx context.Context, key string, p Policy, op Operation) error {
	return DoNotify(ctx, key, p, func(ctx context.Context, attempt int) error {
		err := op(ctx, attempt)
		if t != nil {
			t.RecordAttempt(key, err)
		}
		return err
	}, nil)
}
