package log

import (
	"bufio"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger records SSDP events to a file as a stream of CBOR records,
// one per Log call, for later replay or offline inspection. Writes go
// through a buffered writer rather than straight to the file descriptor,
// since a chatty discovery session can produce events far faster than one
// syscall per event can keep up with; Close flushes the buffer before the
// file is closed.
type FileLogger struct {
	file   *os.File
	buf    *bufio.Writer
	enc    *cbor.Encoder
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating it with mode 0644 if it
// does not already exist, and returns a FileLogger writing CBOR records to
// it.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	return &FileLogger{
		file: f,
		buf:  buf,
		enc:  NewEncoder(buf),
	}, nil
}

// Log appends event to the file. Safe for concurrent use; calls after
// Close are silently dropped instead of erroring, so callers don't need
// to coordinate shutdown with every in-flight logger call.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	// Encoding errors are swallowed: a single bad event should not take
	// down whatever produced it.
	_ = l.enc.Encode(event)
}

// Close flushes buffered records and closes the underlying file. Safe to
// call more than once.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.buf.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

var _ Logger = (*FileLogger)(nil)
