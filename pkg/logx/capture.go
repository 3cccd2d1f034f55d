package logx

import (
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Entry is one decoded log event captured by a Capture sink.
type Entry struct {
	Level     string
	Message   string
	Component string
	Fields    map[string]any
}

// Capture is an in-memory log sink for tests and the introspection UI.
// It retains the most recent maxSize entries.
type Capture struct {
	mu      sync.Mutex
	entries []Entry
	maxSize int
}

// NewCapture creates a capture sink retaining up to maxSize entries
// (0 means the default of 1000).
func NewCapture(maxSize int) *Capture {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Capture{maxSize: maxSize}
}

// Write implements io.Writer for zerolog's JSON line output.
func (c *Capture) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		// Not a JSON event; keep the raw line as the message.
		raw = map[string]any{"message": strings.TrimSpace(string(p))}
	}
	e := Entry{Fields: raw}
	if v, ok := raw["level"].(string); ok {
		e.Level = v
	}
	if v, ok := raw["message"].(string); ok {
		e.Message = v
	}
	if v, ok := raw["component"].(string); ok {
		e.Component = v
	}

	c.mu.Lock()
	c.entries = append(c.entries, e)
	if len(c.entries) > c.maxSize {
		c.entries = c.entries[len(c.entries)-c.maxSize:]
	}
	c.mu.Unlock()
	return len(p), nil
}

// Entries returns a copy of the captured entries.
func (c *Capture) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Contains reports whether any captured entry has the given message.
func (c *Capture) Contains(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].Message == msg {
			return true
		}
	}
	return false
}

// Find returns all entries with the given message.
func (c *Capture) Find(msg string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for i := range c.entries {
		if c.entries[i].Message == msg {
			out = append(out, c.entries[i])
		}
	}
	return out
}

// Reset discards all captured entries.
func (c *Capture) Reset() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}
