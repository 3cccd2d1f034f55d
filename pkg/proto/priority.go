// Package proto defines the shared domain types exchanged between the
// traffic controller and its component packages: priorities, request
// metadata, and the derived circuit/rate-limit keys.
package proto

import (
	"fmt"
	"strconv"
	"strings"
)

// Priority identifies a traffic class. Lower ordinal means more
// important: P0 is the most urgent class.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Ordinal returns the numeric rank of the priority (P0 -> 0). Unknown
// or malformed priorities sort last.
func (p Priority) Ordinal() int {
	s := string(p)
	if len(s) < 2 || (s[0] != 'P' && s[0] != 'p') {
		return int(^uint(0) >> 1)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 {
		return int(^uint(0) >> 1)
	}
	return n
}

// Valid reports whether the priority has the expected Pn form.
func (p Priority) Valid() bool {
	return p.Ordinal() != int(^uint(0)>>1)
}

// ParsePriority normalizes a priority string ("p1" -> "P1").
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q", s)
	}
	return p, nil
}
