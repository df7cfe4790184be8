//go:build debug

package pool

import (
	"runtime/debug"
	"sync"
)

type debugState struct {
	name   string
	mu     sync.Mutex
	stacks map[string]string
}

func newDebugState(name string) *debugState {
	return &debugState{
		name:   name,
		stacks: make(map[string]string),
	}
}

func (d *debugState) recordAcquire(id string) {
	if d == nil || id == "" {
		return
	}
	stack := string(debug.Stack())
	d.mu.Lock()
	d.stacks[id] = stack
	d.mu.Unlock()
}

func (d *debugState) recordRelease(id string) {
	if d == nil || id == "" {
		return
	}
	d.mu.Lock()
	delete(d.stacks, id)
	d.mu.Unlock()
}

func (d *debugState) activeStacks() map[string]string {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stacks) == 0 {
		return nil
	}
	out := make(map[string]string, len(d.stacks))
	for id, stack := range d.stacks {
		out[id] = stack
	}
	return out
}
