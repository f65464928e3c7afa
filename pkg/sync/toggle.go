package sync

import "sync/atomic"

// Toggle gates automatic change-driven syncing. Manual syncs ignore it; the
// change handler checks it before acting. Safe for concurrent use.
type Toggle struct {
	enabled atomic.Bool
}

func NewToggle(enabled bool) *Toggle {
	t := &Toggle{}
	t.enabled.Store(enabled)
	return t
}

func (t *Toggle) Enable() {
	t.enabled.Store(true)
}

func (t *Toggle) Disable() {
	t.enabled.Store(false)
}

func (t *Toggle) Enabled() bool {
	return t.enabled.Load()
}
