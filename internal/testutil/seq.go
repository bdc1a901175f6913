// Package testutil holds deterministic helpers shared by the harness and
// package tests.
package testutil

import (
	"fmt"
	"sync"
)

// StepCounter numbers scenario steps. The first call to Next returns 1.
//
// Thread-safety: all methods are safe for concurrent use.
type StepCounter struct {
	mu  sync.Mutex
	seq int64
}

// NewStepCounter creates a counter starting at 0.
func NewStepCounter() *StepCounter {
	return &StepCounter{}
}

// Next increments and returns the step number.
func (c *StepCounter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last number handed out, or 0.
func (c *StepCounter) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// SequentialIDs hands out saga ids "<prefix>-1", "<prefix>-2", ... so that
// scenarios which let the harness pick ids still produce stable traces.
//
// It satisfies saga.IDGenerator.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	prefix  string
	counter StepCounter
}

// NewSequentialIDs creates a generator. An empty prefix means "saga".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "saga"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.counter.Next())
}
