package element

import (
	"time"

	"github.com/wegman-software/mapdb-go/internal/tags"
)

// Changeset groups edits to one map. It starts open with a null envelope;
// edits grow the envelope and the change count until it is closed.
type Changeset struct {
	ID         int64
	MapID      int64
	UserID     int64
	CreatedAt  time.Time
	ClosedAt   *time.Time
	Envelope   Envelope
	NumChanges int
	Tags       tags.Tags
}

// IsOpen reports whether more edits may reference the changeset
func (c *Changeset) IsOpen() bool {
	return c.ClosedAt == nil
}

// RecordNode notes an edit to a node at the given position
func (c *Changeset) RecordNode(lat, lon float64) {
	c.Envelope.ExpandPoint(lat, lon)
	c.NumChanges++
}

// RecordChange notes an edit that does not move the envelope
func (c *Changeset) RecordChange() {
	c.NumChanges++
}
