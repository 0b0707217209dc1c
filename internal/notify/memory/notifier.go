// Package memory records job events in process for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

// Notifier stores published events for inspection.
type Notifier struct {
	mu     sync.RWMutex
	events []acquire.JobEvent
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Notify records the event.
func (n *Notifier) Notify(_ context.Context, event acquire.JobEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// Events returns the recorded events.
func (n *Notifier) Events() []acquire.JobEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]acquire.JobEvent, len(n.events))
	copy(out, n.events)
	return out
}
