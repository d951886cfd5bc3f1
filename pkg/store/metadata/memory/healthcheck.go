package memory

import (
	"context"
)

// Healthcheck verifies the store is operational.
//
// For the in-memory implementation there is nothing that can be unhealthy:
// it only fails once the store is closed or the context is done.
func (s *Store) Healthcheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx)
}
