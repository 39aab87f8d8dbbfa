package stream

import (
	"sync"
	"time"
)

// uploadStats tracks block upload durations for debug reporting.
type uploadStats struct {
	sum            time.Duration
	finishedBlocks int64
	mu             sync.Mutex
}

// update records a successful block upload duration.
func (s *uploadStats) update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedBlocks++
}

// average returns the average upload duration for completed blocks.
func (s *uploadStats) average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedBlocks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedBlocks)
}

// finishedCount returns the number of completed block uploads.
func (s *uploadStats) finishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedBlocks
}
