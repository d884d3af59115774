package sink

import "github.com/wyn/collab/internal/domain"

// Channel forwards events onto C. Emit blocks while C is full, so put a
// Queue in front of it.
type Channel struct {
	C chan domain.Event
}

// NewChannel creates a channel sink with the given buffer size.
func NewChannel(size int) *Channel {
	return &Channel{C: make(chan domain.Event, size)}
}

// Emit sends event on C.
func (c *Channel) Emit(event domain.Event) {
	c.C <- event
}
