package engine

import (
	"sync"

	"retell/pkg/model"
)

// SegmentStream is a finite, non-restartable sequence of recognized
// segments. The consumer ranges over Segments and checks Err once the
// channel is closed; segments are not cached for replay.
type SegmentStream struct {
	ch chan model.Segment

	mu  sync.Mutex
	err error
}

func newSegmentStream() *SegmentStream {
	return &SegmentStream{ch: make(chan model.Segment)}
}

// Segments returns the channel of segments in chronological order. There is
// no upper bound on inter-segment delay; inference is not real-time.
func (s *SegmentStream) Segments() <-chan model.Segment {
	return s.ch
}

// Err reports the terminal error, if any. Only meaningful after the
// Segments channel has been closed.
func (s *SegmentStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SegmentStream) emit(seg model.Segment) {
	s.ch <- seg
}

func (s *SegmentStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}
