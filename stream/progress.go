package stream

// progressSink accumulates transferred byte counts and reports the cumulative
// total through an optional callback. Reported once per successful block
// upload, so the values reflect bytes that left the local buffer, not bytes
// merely buffered.
type progressSink struct {
	total int64
	fn    func(int64)
}

func (s *progressSink) add(n int64) {
	s.total += n
	if s.fn != nil {
		s.fn(s.total)
	}
}
