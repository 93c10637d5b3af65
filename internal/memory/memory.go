// Package memory persists user facts across sessions. The store is a flat
// key -> fact list with last-write-wins replacement; its rendered context
// string is embedded in the system instruction at session start.
package memory

import (
	"strings"
	"time"
)

// EmptyContext is returned by ContextString when no facts are stored.
const EmptyContext = "No long-term memories stored yet."

type Fact struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	// Load returns all facts in store order.
	Load() ([]Fact, error)
	// Save upserts a fact. Saving an existing key replaces its value in
	// place; there is never more than one fact per key.
	Save(key, value string) (Fact, error)
	// ContextString renders the facts as bullet lines for the system
	// instruction, or EmptyContext when the store is empty.
	ContextString() (string, error)
	Clear() error
}

// RenderContext is the shared bullet rendering used by every Store
// implementation.
func RenderContext(facts []Fact) string {
	if len(facts) == 0 {
		return EmptyContext
	}
	var b strings.Builder
	for i, f := range facts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}
