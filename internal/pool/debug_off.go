//go:build !debug

package pool

type debugState struct{}

func newDebugState(string) *debugState { return nil }

func (d *debugState) recordAcquire(string) {}

func (d *debugState) recordRelease(string) {}

func (d *debugState) activeStacks() map[string]string { return nil }
