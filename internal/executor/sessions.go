// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"errors"
	"io"
	"sync"

	"github.com/edgefleet/edgefleet/internal/inventory"
)

// Factory builds the executor for one node.
type Factory func(node inventory.Node) (Executor, error)

// Sessions hands out one executor per node and never shares one across nodes.
type Sessions struct {
	factory Factory

	mu       sync.Mutex
	sessions map[string]Executor
}

func NewSessions(factory Factory) *Sessions {
	return &Sessions{factory: factory, sessions: make(map[string]Executor)}
}

// For returns the node's executor, creating it on first use.
func (s *Sessions) For(node inventory.Node) (Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.sessions[node.ID]; ok {
		return ex, nil
	}
	ex, err := s.factory(node)
	if err != nil {
		return nil, err
	}
	s.sessions[node.ID] = ex
	return ex, nil
}

// Close releases every session that holds resources.
func (s *Sessions) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, ex := range s.sessions {
		if c, ok := ex.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(s.sessions, id)
	}
	return errors.Join(errs...)
}
