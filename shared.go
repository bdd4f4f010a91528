package u3v

import (
	"sync"
	"time"
)

// SharedControl lets multiple goroutines share one physical device. It owns
// the inner ControlHandle exclusively; every operation holds the lock for a
// whole transaction, pending-ack retries included, so command/acknowledge
// pairs never interleave on the wire.
type SharedControl struct {
	mu     sync.Mutex
	handle *ControlHandle
}

// NewSharedControl takes ownership of handle. The handle must not be used
// directly afterwards.
func NewSharedControl(handle *ControlHandle) *SharedControl {
	return &SharedControl{handle: handle}
}

// WithTransaction runs fn with exclusive access to the inner handle. Use it
// when several register operations must be atomic against other sharers,
// e.g. a read-modify-write of a configuration bitfield.
func (s *SharedControl) WithTransaction(fn func(*ControlHandle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.handle)
}

func (s *SharedControl) DeviceInfo() *DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.DeviceInfo()
}

func (s *SharedControl) IsOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.IsOpened()
}

func (s *SharedControl) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Open()
}

func (s *SharedControl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Close()
}

func (s *SharedControl) Read(address uint64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Read(address, buf)
}

func (s *SharedControl) Write(address uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Write(address, data)
}

func (s *SharedControl) GenAPI() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.GenAPI()
}

func (s *SharedControl) EnableStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.EnableStreaming()
}

func (s *SharedControl) DisableStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.DisableStreaming()
}

func (s *SharedControl) TimeoutDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.TimeoutDuration()
}

func (s *SharedControl) SetTimeoutDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle.SetTimeoutDuration(d)
}

func (s *SharedControl) RetryCount() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.RetryCount()
}

func (s *SharedControl) SetRetryCount(count uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle.SetRetryCount(count)
}

func (s *SharedControl) BufferCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.BufferCapacity()
}

func (s *SharedControl) ResizeBuffer(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle.ResizeBuffer(size)
}
