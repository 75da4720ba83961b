package lock

import "time"

// SetClock replaces the store's clock in tests.
func (s *SQLStore) SetClock(now func() time.Time) { s.now = now }
