package flow

import "fmt"

// ExecutionMode controls how aggressively intermediate results materialize.
type ExecutionMode string

const (
	// Development materializes every node so any output can be inspected.
	Development ExecutionMode = "development"
	// Performance materializes only terminal and explicitly cached nodes.
	Performance ExecutionMode = "performance"
)

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	return m == Development || m == Performance
}

// ParseExecutionMode parses a mode name.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	m := ExecutionMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
	return m, nil
}
