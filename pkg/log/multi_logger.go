package log

// MultiLogger fans a single event out to several sinks — typically a
// SlogAdapter for live console output alongside a FileLogger recording the
// session to disk for later replay.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger builds a MultiLogger that forwards to every sink in
// order. A nil entry in sinks is skipped rather than causing a panic on
// the first event.
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	m := &MultiLogger{sinks: make([]Logger, 0, len(sinks))}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Log forwards event to every configured sink in order.
func (m *MultiLogger) Log(event Event) {
	for _, s := range m.sinks {
		s.Log(event)
	}
}

var _ Logger = (*MultiLogger)(nil)
