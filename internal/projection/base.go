package projection

import "github.com/majorsoln/bos/pkg/kernel"

// Base provides the bookkeeping every concrete projection needs
// (cursor advancement, event-type allow-list) so implementations only
// write their own Apply/Truncate/Snapshot/LoadSnapshot logic.
type Base struct {
	name       string
	eventTypes []string
	cursor     kernel.Cursor
}

// NewBase constructs the common bookkeeping for a projection named
// name, subscribed to eventTypes.
func NewBase(name string, eventTypes []string) Base {
	return Base{name: name, eventTypes: eventTypes}
}

func (b *Base) Name() string            { return b.name }
func (b *Base) EventTypes() []string    { return b.eventTypes }
func (b *Base) Cursor() kernel.Cursor   { return b.cursor }
func (b *Base) Advance(event kernel.Event) {
	b.cursor = kernel.Cursor{ReceivedAt: event.ReceivedAt, EventID: event.EventID}
}
func (b *Base) ResetCursor() { b.cursor = kernel.Cursor{} }
