// Package u3v implements host-side control of USB3 Vision devices: device
// enumeration, the GenCP command/acknowledge channel over the control bulk
// endpoints, and typed access to the bootstrap register maps (ABRM, SBRM,
// SIRM, manifest).
package u3v

import (
	"bytes"
	"crypto/sha1"
	"io"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
)

// Provisional connection parameters, used until the device's bootstrap
// registers have been read.
const (
	initialTimeoutDuration  = 500 * time.Millisecond
	initialMaximumCmdLength = 128
	initialMaximumAckLength = 128

	defaultRetryCount     = 3
	defaultBufferCapacity = 1024
)

// ConnectionConfig holds the mutable session parameters of one control
// channel.
type ConnectionConfig struct {
	// TimeoutDuration bounds each transfer. Replaced by the device's
	// maximum response time once the ABRM has been read.
	TimeoutDuration time.Duration
	// RetryCount bounds how many PENDING_ACK replies are tolerated per
	// transaction.
	RetryCount uint16
	// MaximumCmdLength and MaximumAckLength are the packet size limits
	// negotiated from the SBRM. No command or acknowledge exceeds them.
	MaximumCmdLength uint32
	MaximumAckLength uint32
}

func defaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		TimeoutDuration:  initialTimeoutDuration,
		RetryCount:       defaultRetryCount,
		MaximumCmdLength: initialMaximumCmdLength,
		MaximumAckLength: initialMaximumAckLength,
	}
}

// DeviceControl is the control surface shared by plain and shared handles.
// Stream engines and register map views are written against it so either
// variant plugs in.
type DeviceControl interface {
	DeviceInfo() *DeviceInfo
	IsOpened() bool
	Open() error
	Close() error

	// Read fills buf exactly from device memory starting at address.
	Read(address uint64, buf []byte) error
	// Write stores data in device memory starting at address.
	Write(address uint64, data []byte) error

	// GenAPI retrieves the GenICam XML through the manifest.
	GenAPI() (string, error)

	EnableStreaming() error
	DisableStreaming() error

	TimeoutDuration() time.Duration
	SetTimeoutDuration(d time.Duration)
	RetryCount() uint16
	SetRetryCount(count uint16)
	BufferCapacity() int
	ResizeBuffer(size int)
}

type handleState uint8

const (
	stateCreated handleState = iota
	stateOpened
	stateClosed
)

// ControlHandle is a per-device control session. It owns the claimed bulk
// endpoint pair and the pending-request state; at most one command is in
// flight at any moment. A ControlHandle is not safe for concurrent use;
// wrap it in a SharedControl to share one device between goroutines.
type ControlHandle struct {
	info   *DeviceInfo
	dial   func() (transport, error)
	config ConnectionConfig

	state handleState
	conn  transport
	abrm  *Abrm

	nextRequestID uint16
	rbuf          []byte
}

func newControlHandle(ctx *Context, info *DeviceInfo) *ControlHandle {
	return &ControlHandle{
		info:   info,
		dial:   func() (transport, error) { return ctx.dial(info) },
		config: defaultConnectionConfig(),
		rbuf:   make([]byte, defaultBufferCapacity),
	}
}

// newTestControlHandle wires a handle to an arbitrary transport factory.
func newTestControlHandle(info *DeviceInfo, dial func() (transport, error)) *ControlHandle {
	return &ControlHandle{
		info:   info,
		dial:   dial,
		config: defaultConnectionConfig(),
		rbuf:   make([]byte, defaultBufferCapacity),
	}
}

// DeviceInfo returns the identity of the device this handle controls.
func (h *ControlHandle) DeviceInfo() *DeviceInfo { return h.info }

// IsOpened reports whether the handle is in the OPENED state.
func (h *ControlHandle) IsOpened() bool { return h.state == stateOpened }

func (h *ControlHandle) TimeoutDuration() time.Duration { return h.config.TimeoutDuration }

func (h *ControlHandle) SetTimeoutDuration(d time.Duration) { h.config.TimeoutDuration = d }

func (h *ControlHandle) RetryCount() uint16 { return h.config.RetryCount }

func (h *ControlHandle) SetRetryCount(count uint16) { h.config.RetryCount = count }

// BufferCapacity returns the size of the acknowledge receive buffer.
func (h *ControlHandle) BufferCapacity() int { return len(h.rbuf) }

// ResizeBuffer resizes the acknowledge receive buffer. Shrinking it below
// the negotiated maximum acknowledge length makes transactions fail with
// ErrBufferTooSmall.
func (h *ControlHandle) ResizeBuffer(size int) { h.rbuf = make([]byte, size) }

// Config returns a copy of the current connection configuration.
func (h *ControlHandle) Config() ConnectionConfig { return h.config }

// Open claims the control interface and negotiates the session parameters
// from the device's bootstrap registers. Valid only on a handle that is not
// already opened.
func (h *ControlHandle) Open() error {
	if h.state == stateOpened {
		return controlErrorf(ErrIo, "handle already opened")
	}
	conn, err := h.dial()
	if err != nil {
		return err
	}
	h.conn = conn
	h.config = defaultConnectionConfig()
	h.abrm = nil
	h.state = stateOpened
	if int(h.config.MaximumAckLength) > len(h.rbuf) {
		h.rbuf = make([]byte, h.config.MaximumAckLength)
	}
	if err := h.negotiate(); err != nil {
		h.forceClose()
		return err
	}
	return nil
}

// negotiate reads the bootstrap parameters that govern framing limits, per
// the open sequence of the U3V standard: ABRM identity and capability with
// provisional limits, then the SBRM transfer lengths.
func (h *ControlHandle) negotiate() error {
	abrm, err := h.Abrm()
	if err != nil {
		return err
	}
	major, minor, err := abrm.GenCPVersion()
	if err != nil {
		return err
	}
	manufacturer, err := abrm.ManufacturerName()
	if err != nil {
		return err
	}
	model, err := abrm.ModelName()
	if err != nil {
		return err
	}
	serial, err := abrm.SerialNumber()
	if err != nil {
		return err
	}
	caps, err := abrm.DeviceCapability()
	if err != nil {
		return err
	}
	if caps.IsUserDefinedNameSupported() {
		name, err := abrm.UserDefinedName()
		if err != nil {
			return err
		}
		logrus.Debugf("u3v: %s user-defined name %q", h.info, name)
	}
	logrus.Debugf("u3v: opened %s: GenCP %d.%d, %s %s serial %q", h.info, major, minor, manufacturer, model, serial)

	responseTime, err := abrm.MaximumDeviceResponseTime()
	if err != nil {
		return err
	}
	if responseTime > 0 {
		h.config.TimeoutDuration = responseTime
	}

	sbrm, err := abrm.Sbrm()
	if err != nil {
		return err
	}
	maxCmd, err := sbrm.MaximumCommandTransferLength()
	if err != nil {
		return err
	}
	maxAck, err := sbrm.MaximumAcknowledgeTransferLength()
	if err != nil {
		return err
	}
	if maxCmd <= cmdHeaderSize+writeMemAddrSize || maxAck <= ackHeaderSize {
		return controlErrorf(ErrParse, "device advertises unusable transfer lengths: cmd %d, ack %d", maxCmd, maxAck)
	}
	h.config.MaximumCmdLength = maxCmd
	h.config.MaximumAckLength = maxAck
	if int(maxAck) > len(h.rbuf) {
		h.rbuf = make([]byte, maxAck)
	}
	logrus.Debugf("u3v: %s negotiated timeout %v, max cmd %d, max ack %d", h.info, h.config.TimeoutDuration, maxCmd, maxAck)
	return nil
}

// Close releases the endpoints and moves the handle to CLOSED. Valid only on
// an opened handle.
func (h *ControlHandle) Close() error {
	if h.state != stateOpened {
		return controlErrorf(ErrNotOpened, "handle is not opened")
	}
	err := h.conn.close()
	h.conn = nil
	h.abrm = nil
	h.state = stateClosed
	return err
}

// forceClose tears the session down after a fatal failure, ignoring release
// errors.
func (h *ControlHandle) forceClose() {
	if h.conn != nil {
		_ = h.conn.close()
		h.conn = nil
	}
	h.abrm = nil
	h.state = stateClosed
}

// Abrm returns the typed ABRM view of this handle. The view and its cached
// capability stay valid until the handle is closed.
func (h *ControlHandle) Abrm() (*Abrm, error) {
	if h.state != stateOpened {
		return nil, controlErrorf(ErrNotOpened, "handle is not opened")
	}
	if h.abrm == nil {
		h.abrm = NewAbrm(h)
	}
	return h.abrm, nil
}

// Sbrm resolves the SBRM view of this handle.
func (h *ControlHandle) Sbrm() (*Sbrm, error) {
	abrm, err := h.Abrm()
	if err != nil {
		return nil, err
	}
	return abrm.Sbrm()
}

// Sirm resolves the SIRM view of this handle. Fails with ErrNotSupported
// when the device has no streaming interface.
func (h *ControlHandle) Sirm() (*Sirm, error) {
	sbrm, err := h.Sbrm()
	if err != nil {
		return nil, err
	}
	return sbrm.Sirm()
}

// Read fills buf exactly from device memory starting at address. Requests
// larger than one acknowledge are split into contiguous sub-reads.
func (h *ControlHandle) Read(address uint64, buf []byte) error {
	if h.state != stateOpened {
		return controlErrorf(ErrNotOpened, "handle is not opened")
	}
	maxChunk := int(h.config.MaximumAckLength) - ackHeaderSize
	if maxChunk > 0xffff {
		maxChunk = 0xffff
	}
	for len(buf) > 0 {
		n := len(buf)
		if n > maxChunk {
			n = maxChunk
		}
		payload, err := h.readMem(address, uint16(n))
		if err != nil {
			return err
		}
		copy(buf, payload)
		address += uint64(n)
		buf = buf[n:]
	}
	return nil
}

// Write stores data in device memory starting at address, split into chunks
// that fit the negotiated maximum command length.
func (h *ControlHandle) Write(address uint64, data []byte) error {
	if h.state != stateOpened {
		return controlErrorf(ErrNotOpened, "handle is not opened")
	}
	maxChunk := int(h.config.MaximumCmdLength) - cmdHeaderSize - writeMemAddrSize
	if maxChunk > 0xffff-writeMemAddrSize {
		maxChunk = 0xffff - writeMemAddrSize
	}
	for len(data) > 0 {
		n := len(data)
		if n > maxChunk {
			n = maxChunk
		}
		if err := h.writeMem(address, data[:n]); err != nil {
			return err
		}
		address += uint64(n)
		data = data[n:]
	}
	return nil
}

// readMem runs one READMEM transaction and returns its payload. The payload
// aliases the receive buffer and is only valid until the next transaction.
func (h *ControlHandle) readMem(address uint64, length uint16) ([]byte, error) {
	requestID := h.nextRequestID
	h.nextRequestID++
	a, err := h.transact(encodeReadMemCmd(requestID, address, length), requestID, ackReadMem)
	if err != nil {
		return nil, err
	}
	if len(a.payload) != int(length) {
		return nil, controlErrorf(ErrInvalidPacket, "readmem ack carries %d bytes, requested %d", len(a.payload), length)
	}
	return a.payload, nil
}

// writeMem runs one WRITEMEM transaction for a chunk that already fits the
// command length limit.
func (h *ControlHandle) writeMem(address uint64, data []byte) error {
	requestID := h.nextRequestID
	h.nextRequestID++
	a, err := h.transact(encodeWriteMemCmd(requestID, address, data), requestID, ackWriteMem)
	if err != nil {
		return err
	}
	// Devices without the written-length capability reply with an empty
	// payload.
	if len(a.payload) == 0 {
		return nil
	}
	written, err := a.writtenLength()
	if err != nil {
		return err
	}
	if written != len(data) {
		return controlErrorf(ErrInvalidPacket, "device wrote %d of %d bytes", written, len(data))
	}
	return nil
}

// transact sends one command and reads its acknowledge, following the
// PENDING_ACK retry loop. At most one transaction is in flight per handle.
func (h *ControlHandle) transact(cmd []byte, requestID, wantCode uint16) (*ack, error) {
	if len(cmd) > int(h.config.MaximumCmdLength) {
		return nil, controlErrorf(ErrInvalidPacket, "command length %d exceeds negotiated maximum %d", len(cmd), h.config.MaximumCmdLength)
	}
	if int(h.config.MaximumAckLength) > len(h.rbuf) {
		return nil, controlErrorf(ErrBufferTooSmall, "buffer capacity %d below maximum ack length %d", len(h.rbuf), h.config.MaximumAckLength)
	}

	if _, err := h.conn.bulkWrite(cmd, h.config.TimeoutDuration); err != nil {
		return nil, h.fatal(err)
	}

	timeout := h.config.TimeoutDuration
	retries := 0
	for {
		n, err := h.conn.bulkRead(h.rbuf[:h.config.MaximumAckLength], timeout)
		if err != nil {
			return nil, h.fatal(err)
		}
		a, err := parseAck(h.rbuf[:n])
		if err != nil {
			return nil, err
		}
		if a.requestID != requestID {
			return nil, controlErrorf(ErrInvalidPacket, "ack request id %d, want %d", a.requestID, requestID)
		}
		if a.status == StatusPendingAck {
			if retries >= int(h.config.RetryCount) {
				return nil, controlErrorf(ErrPendingAckExceeded, "device still pending after %d retries", retries)
			}
			retries++
			timeout = a.pendingTimeout()
			if timeout <= 0 {
				timeout = h.config.TimeoutDuration
			}
			logrus.Debugf("u3v: %s pending ack, waiting %v (retry %d/%d)", h.info, timeout, retries, h.config.RetryCount)
			continue
		}
		if a.status != StatusSuccess {
			return nil, nakError(a.status)
		}
		if a.code != wantCode {
			return nil, controlErrorf(ErrInvalidPacket, "ack code 0x%04x, want 0x%04x", a.code, wantCode)
		}
		return a, nil
	}
}

// fatal force-closes the handle when the device has vanished; other failures
// leave the session state untouched.
func (h *ControlHandle) fatal(err error) error {
	if errorKind(err) == ErrInvalidDevice {
		logrus.Warnf("u3v: %s gone, closing handle: %v", h.info, err)
		h.forceClose()
	}
	return err
}

// GenAPI pulls the GenICam XML: first manifest entry, fetched from device
// memory and decompressed when the manifest names a zip file.
func (h *ControlHandle) GenAPI() (string, error) {
	abrm, err := h.Abrm()
	if err != nil {
		return "", err
	}
	manifest, err := abrm.ManifestTable()
	if err != nil {
		return "", err
	}
	entries, err := manifest.Entries()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", controlErrorf(ErrParse, "manifest table has no entries")
	}
	entry := entries[0]
	raw, err := entry.ReadFile()
	if err != nil {
		return "", err
	}
	if sum := sha1.Sum(raw); sum != entry.Sha1 {
		logrus.Warnf("u3v: %s manifest digest mismatch for %q", h.info, entry.FileName)
	}
	if entry.IsZipped() {
		raw, err = unzipGenICam(raw)
		if err != nil {
			return "", err
		}
	}
	return string(raw), nil
}

// unzipGenICam extracts the single XML from a zipped GenICam file.
func unzipGenICam(raw []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, wrapControlError(ErrParse, err, "genicam file is not a valid zip archive")
	}
	if len(zr.File) == 0 {
		return nil, controlErrorf(ErrParse, "genicam zip archive is empty")
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		return nil, wrapControlError(ErrParse, err, "open zipped genicam file")
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrapControlError(ErrParse, err, "decompress genicam file")
	}
	return data, nil
}

// EnableStreaming sets the stream enable bit of the SIRM. Fails with
// ErrNotSupported when the device has no streaming interface; the handle
// stays opened.
func (h *ControlHandle) EnableStreaming() error {
	sirm, err := h.Sirm()
	if err != nil {
		return err
	}
	return sirm.SetStreamEnable(true)
}

// DisableStreaming clears the stream enable bit of the SIRM.
func (h *ControlHandle) DisableStreaming() error {
	sirm, err := h.Sirm()
	if err != nil {
		return err
	}
	return sirm.SetStreamEnable(false)
}
