package rungraph

import (
	"context"
	"fmt"
	"time"
)

// State is the shared bag nodes read and write. Nodes mutate it in place and
// those writes survive a later failed attempt, so node bodies must be safe to
// run again. Attempts never overlap: a timed-out attempt is waited for, so a
// body must return once its context is cancelled.
type State map[string]any

// NodeContext is what a node body sees on each attempt.
type NodeContext struct {
	RunID   string
	Key     string
	Attempt int
	State   State
}

// Node is one step of a run graph.
type Node struct {
	Key         string
	Title       string
	MaxAttempts int
	Timeout     time.Duration
	Run         func(ctx context.Context, nc *NodeContext) (any, error)
}

const (
	defaultMaxAttempts = 1
	defaultTimeout     = 5 * time.Minute
)

// Validate checks that the graph is well-formed: non-empty, unique keys, and
// a body on every node.
func Validate(nodes []Node) error {
	if len(nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	seen := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if n.Key == "" {
			return fmt.Errorf("node %d has empty key", i)
		}
		if seen[n.Key] {
			return fmt.Errorf("duplicate node key: %s", n.Key)
		}
		seen[n.Key] = true
		if n.Run == nil {
			return fmt.Errorf("node %s has no body", n.Key)
		}
		if n.MaxAttempts < 0 {
			return fmt.Errorf("node %s: max attempts must not be negative", n.Key)
		}
	}
	return nil
}

// NodeError is returned when a node exhausts its attempts.
type NodeError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
