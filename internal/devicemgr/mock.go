package devicemgr

import (
	"errors"
	"sync"
)

// MockTransport implements Transport with configurable behaviour for tests
// and for -dev mode. Reads block until data is added or the transport is
// closed, matching how a quiet serial device behaves.
type MockTransport struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  []byte
	writeBuf []byte

	writeErr  error // returned by every Write until cleared
	shortNext bool  // next Write reports one byte short

	closed     bool
	writeCalls int
}

// NewMockTransport creates an open MockTransport with no pending data.
func NewMockTransport() *MockTransport {
	t := &MockTransport{}
	t.readCond = sync.NewCond(&t.mu)
	return t
}

// Read blocks until data is available or the transport is closed.
func (t *MockTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.closed && len(t.readBuf) == 0 {
		t.readCond.Wait()
	}
	if t.closed && len(t.readBuf) == 0 {
		return 0, errors.New("transport closed")
	}

	n := copy(p, t.readBuf)
	t.readBuf = t.readBuf[n:]
	return n, nil
}

// Write records the payload, honouring any scripted failure.
func (t *MockTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.writeCalls++

	if t.closed {
		return 0, errors.New("transport closed")
	}
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	if t.shortNext {
		t.shortNext = false
		n := len(p) - 1
		if n < 0 {
			n = 0
		}
		t.writeBuf = append(t.writeBuf, p[:n]...)
		return n, nil
	}

	t.writeBuf = append(t.writeBuf, p...)
	return len(p), nil
}

// Close marks the transport closed and wakes any blocked reader.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (t *MockTransport) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuf = append(t.readBuf, data...)
	t.readCond.Broadcast()
}

// SetWriteError makes every subsequent Write fail with err until cleared
// with nil.
func (t *MockTransport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// ShortWriteNext makes the next Write report one byte fewer than requested.
func (t *MockTransport) ShortWriteNext() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shortNext = true
}

// WrittenData returns everything written so far.
func (t *MockTransport) WrittenData() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.writeBuf)
}

// WriteCalls returns the number of Write invocations.
func (t *MockTransport) WriteCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeCalls
}

// Closed reports whether Close was called.
func (t *MockTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// MockFactory implements Factory with scripted open outcomes. Each Open
// consumes one queued failure if any remain, otherwise it returns a fresh
// MockTransport.
type MockFactory struct {
	mu       sync.Mutex
	present  bool
	failures []error
	ports    []*MockTransport
	opens    int
}

// NewMockFactory creates a MockFactory whose device is present.
func NewMockFactory() *MockFactory {
	return &MockFactory{present: true}
}

// FailNext queues open failures, consumed in order by subsequent Open calls.
func (f *MockFactory) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// SetPresent controls what Exists reports.
func (f *MockFactory) SetPresent(present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present = present
}

// Open returns the next scripted failure, or a new MockTransport.
func (f *MockFactory) Open(path string, opts *PortOptions) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}

	port := NewMockTransport()
	f.ports = append(f.ports, port)
	return port, nil
}

// Exists reports the scripted presence flag.
func (f *MockFactory) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present
}

// OpenCalls returns the number of Open invocations.
func (f *MockFactory) OpenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Port returns the i-th transport handed out, or nil.
func (f *MockFactory) Port(i int) *MockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.ports) {
		return nil
	}
	return f.ports[i]
}

// LastPort returns the most recently handed out transport, or nil.
func (f *MockFactory) LastPort() *MockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ports) == 0 {
		return nil
	}
	return f.ports[len(f.ports)-1]
}
