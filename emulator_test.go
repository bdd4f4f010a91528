package u3v

import (
	"crypto/sha1"
	"encoding/binary"
	"sync"
	"time"
)

// The tests run against an in-memory GenCP device: a transport whose far end
// is a flat memory image laid out like a real camera's bootstrap registers.

// Addresses of the emulated register maps inside the memory image.
const (
	emuSbrmAddress     = 0x10000
	emuScratchAddress  = 0x15000
	emuScratchSize     = 0x1000
	emuSirmAddress     = 0x20000
	emuManifestAddress = 0x28000
	emuGenICamAddress  = 0x2A000
	emuMemorySize      = 0x30000
)

type memRange struct{ start, end uint64 }

type cmdRecord struct {
	code    uint16
	address uint64
	length  int
}

// emulatedDevice implements transport against a device memory image. One
// acknowledge is queued per received command; PENDING_ACK replies can be
// injected ahead of it.
type emulatedDevice struct {
	mu sync.Mutex

	memory   []byte
	writable []memRange

	// pendingBeforeAck injects that many PENDING_ACK replies before each
	// real acknowledge.
	pendingBeforeAck int
	pendingTimeoutMs uint16
	// corruptRequestID makes the device echo a wrong request id.
	corruptRequestID bool

	ackQueue [][]byte
	cmdLog   []cmdRecord

	// interleaved counts commands that arrived while an acknowledge was
	// still undelivered. Stays zero when transactions are serialized.
	interleaved int
	closed      bool
}

func newEmulatedDevice(memory []byte) *emulatedDevice {
	return &emulatedDevice{
		memory: memory,
		writable: []memRange{
			{AbrmUserDefinedName.Address, AbrmUserDefinedName.Address + uint64(AbrmUserDefinedName.Len)},
			{AbrmDeviceConfiguration.Address, AbrmDeviceConfiguration.Address + 4},
			{AbrmTimestampLatch.Address, AbrmTimestampLatch.Address + 4},
			{emuSbrmAddress + SbrmU3VCPConfiguration.Address, emuSbrmAddress + SbrmU3VCPConfiguration.Address + 8},
			{emuSirmAddress + SirmControl.Address, emuSirmAddress + SirmMaximumTrailerSize.Address + 4},
			{emuScratchAddress, emuScratchAddress + emuScratchSize},
		},
	}
}

func (d *emulatedDevice) dial() (transport, error) { return d, nil }

func (d *emulatedDevice) bulkWrite(p []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, controlErrorf(ErrInvalidDevice, "emulated device closed")
	}
	if len(d.ackQueue) > 0 {
		d.interleaved++
	}
	if len(p) < cmdHeaderSize {
		return 0, controlErrorf(ErrIo, "runt command: %d bytes", len(p))
	}
	if binary.LittleEndian.Uint32(p[0:4]) != packetPrefix {
		return 0, controlErrorf(ErrIo, "bad command prefix")
	}
	code := binary.LittleEndian.Uint16(p[6:8])
	length := int(binary.LittleEndian.Uint16(p[8:10]))
	requestID := binary.LittleEndian.Uint16(p[10:12])
	payload := p[cmdHeaderSize : cmdHeaderSize+length]

	echoID := requestID
	if d.corruptRequestID {
		echoID = requestID + 1
	}
	for i := 0; i < d.pendingBeforeAck; i++ {
		pending := make([]byte, pendingAckPayloadSize)
		binary.LittleEndian.PutUint16(pending[2:4], d.pendingTimeoutMs)
		d.ackQueue = append(d.ackQueue, buildAck(StatusPendingAck, code+1, echoID, pending))
	}

	switch code {
	case cmdReadMem:
		address := binary.LittleEndian.Uint64(payload[0:8])
		n := int(binary.LittleEndian.Uint16(payload[8:10]))
		d.cmdLog = append(d.cmdLog, cmdRecord{code, address, n})
		if address+uint64(n) > uint64(len(d.memory)) {
			d.ackQueue = append(d.ackQueue, buildAck(StatusInvalidAddress, code+1, echoID, nil))
			break
		}
		d.ackQueue = append(d.ackQueue, buildAck(StatusSuccess, code+1, echoID, d.memory[address:address+uint64(n)]))
	case cmdWriteMem:
		address := binary.LittleEndian.Uint64(payload[0:8])
		data := payload[writeMemAddrSize:]
		d.cmdLog = append(d.cmdLog, cmdRecord{code, address, len(data)})
		if address+uint64(len(data)) > uint64(len(d.memory)) {
			d.ackQueue = append(d.ackQueue, buildAck(StatusInvalidAddress, code+1, echoID, nil))
			break
		}
		if !d.isWritable(address, len(data)) {
			d.ackQueue = append(d.ackQueue, buildAck(StatusWriteProtect, code+1, echoID, nil))
			break
		}
		copy(d.memory[address:], data)
		reply := make([]byte, writeMemAckPayloadSize)
		binary.LittleEndian.PutUint16(reply[2:4], uint16(len(data)))
		d.ackQueue = append(d.ackQueue, buildAck(StatusSuccess, code+1, echoID, reply))
	default:
		d.ackQueue = append(d.ackQueue, buildAck(StatusNotImplemented, code+1, echoID, nil))
	}
	return len(p), nil
}

func (d *emulatedDevice) bulkRead(p []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, controlErrorf(ErrInvalidDevice, "emulated device closed")
	}
	if len(d.ackQueue) == 0 {
		return 0, controlErrorf(ErrTimeout, "no acknowledge pending")
	}
	reply := d.ackQueue[0]
	d.ackQueue = d.ackQueue[1:]
	return copy(p, reply), nil
}

func (d *emulatedDevice) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.ackQueue = nil
	return nil
}

// reopen arms the emulator for another dial after a close.
func (d *emulatedDevice) reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
}

func (d *emulatedDevice) isWritable(address uint64, n int) bool {
	for _, r := range d.writable {
		if address >= r.start && address+uint64(n) <= r.end {
			return true
		}
	}
	return false
}

// readMemLog returns the logged READMEM commands touching addresses at or
// past from.
func (d *emulatedDevice) readMemLog(from uint64) []cmdRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []cmdRecord
	for _, rec := range d.cmdLog {
		if rec.code == cmdReadMem && rec.address >= from {
			out = append(out, rec)
		}
	}
	return out
}

func (d *emulatedDevice) writeMemLog(from uint64) []cmdRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []cmdRecord
	for _, rec := range d.cmdLog {
		if rec.code == cmdWriteMem && rec.address >= from {
			out = append(out, rec)
		}
	}
	return out
}

func buildAck(status Status, code, requestID uint16, payload []byte) []byte {
	buf := make([]byte, ackHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], packetPrefix)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(status))
	binary.LittleEndian.PutUint16(buf[6:8], code)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(payload)))
	binary.LittleEndian.PutUint16(buf[10:12], requestID)
	copy(buf[ackHeaderSize:], payload)
	return buf
}

// memoryImageConfig tweaks the default device memory image.
type memoryImageConfig struct {
	capability      DeviceCapability
	responseTimeMs  uint32
	maxCmdLength    uint32
	maxAckLength    uint32
	sirmAddress     uint64
	genicamName     string
	genicamFile     []byte
	serial          string
	userDefinedName string
}

func defaultImageConfig() memoryImageConfig {
	return memoryImageConfig{
		capability: DeviceCapability(1<<0 | 1<<3 | 1<<8 | 1<<12),
		// 800 ms response time so the negotiated timeout is observable.
		responseTimeMs: 800,
		maxCmdLength:   1024,
		maxAckLength:   1024,
		sirmAddress:    emuSirmAddress,
		genicamName:    "genicam.xml",
		genicamFile:    []byte(`<?xml version="1.0"?><RegisterDescription ModelName="EX-1000"/>`),
		serial:         "SN000123",
	}
}

func putString(mem []byte, reg Register, base uint64, s string) {
	slot := mem[base+reg.Address : base+reg.Address+uint64(reg.Len)]
	for i := range slot {
		slot[i] = 0
	}
	copy(slot, s)
}

// buildMemoryImage assembles a full device memory image: ABRM at 0, SBRM,
// SIRM, manifest table and the GenICam file.
func buildMemoryImage(cfg memoryImageConfig) []byte {
	mem := make([]byte, emuMemorySize)
	le := binary.LittleEndian

	// ABRM
	le.PutUint32(mem[AbrmGenCPVersion.Address:], 1<<16)
	putString(mem, AbrmManufacturerName, 0, "Example Industries")
	putString(mem, AbrmModelName, 0, "EX-1000")
	putString(mem, AbrmFamilyName, 0, "EX")
	putString(mem, AbrmDeviceVersion, 0, "1.2.3")
	putString(mem, AbrmManufacturerInfo, 0, "example.test")
	putString(mem, AbrmSerialNumber, 0, cfg.serial)
	putString(mem, AbrmUserDefinedName, 0, cfg.userDefinedName)
	le.PutUint64(mem[AbrmDeviceCapability.Address:], uint64(cfg.capability))
	le.PutUint32(mem[AbrmMaximumDeviceResponseTime.Address:], cfg.responseTimeMs)
	le.PutUint64(mem[AbrmManifestTableAddress.Address:], emuManifestAddress)
	le.PutUint64(mem[AbrmSbrmAddress.Address:], emuSbrmAddress)
	le.PutUint64(mem[AbrmTimestampIncrement.Address:], 8)

	// SBRM
	le.PutUint32(mem[emuSbrmAddress+SbrmU3VVersion.Address:], 1<<16)
	le.PutUint32(mem[emuSbrmAddress+SbrmMaximumCommandTransferLength.Address:], cfg.maxCmdLength)
	le.PutUint32(mem[emuSbrmAddress+SbrmMaximumAcknowledgeTransferLength.Address:], cfg.maxAckLength)
	le.PutUint32(mem[emuSbrmAddress+SbrmNumberOfStreamChannels.Address:], 1)
	le.PutUint64(mem[emuSbrmAddress+SbrmSirmAddress.Address:], cfg.sirmAddress)
	le.PutUint32(mem[emuSbrmAddress+SbrmSirmLength.Address:], 0x30)
	le.PutUint32(mem[emuSbrmAddress+SbrmCurrentSpeed.Address:], uint32(BusSpeedSuper))

	// SIRM: 4-byte payload alignment, everything else modest defaults.
	le.PutUint32(mem[emuSirmAddress+SirmInfo.Address:], 2<<24)
	le.PutUint64(mem[emuSirmAddress+SirmRequiredPayloadSize.Address:], 1<<20)
	le.PutUint32(mem[emuSirmAddress+SirmRequiredLeaderSize.Address:], 52)
	le.PutUint32(mem[emuSirmAddress+SirmRequiredTrailerSize.Address:], 32)
	le.PutUint32(mem[emuSirmAddress+SirmMaximumLeaderSize.Address:], 1<<10)
	le.PutUint32(mem[emuSirmAddress+SirmMaximumTrailerSize.Address:], 1<<10)

	// Manifest with a single entry for the GenICam file.
	le.PutUint64(mem[emuManifestAddress:], 1)
	entry := uint64(emuManifestAddress + manifestEntryOffset)
	le.PutUint32(mem[entry+manifestEntryFileVersion.Address:], 0x01020003)
	le.PutUint32(mem[entry+manifestEntrySchemaVersion.Address:], 0x01010000)
	putString(mem, manifestEntryFileName, entry, cfg.genicamName)
	le.PutUint64(mem[entry+manifestEntryFileAddress.Address:], emuGenICamAddress)
	le.PutUint64(mem[entry+manifestEntryFileSize.Address:], uint64(len(cfg.genicamFile)))
	sum := sha1.Sum(cfg.genicamFile)
	copy(mem[entry+manifestEntrySha1.Address:], sum[:])
	copy(mem[emuGenICamAddress:], cfg.genicamFile)

	// Scratch region with a recognizable pattern for bulk read tests.
	for i := 0; i < emuScratchSize; i++ {
		mem[emuScratchAddress+i] = byte(i * 7)
	}
	return mem
}

// newTestHandle wires a handle to a fresh emulated device.
func newTestHandle(cfg memoryImageConfig) (*ControlHandle, *emulatedDevice) {
	dev := newEmulatedDevice(buildMemoryImage(cfg))
	info := &DeviceInfo{
		VendorID:      0x2676,
		ProductID:     0xba02,
		BusNumber:     3,
		DeviceAddress: 7,
		VendorName:    "Example Industries",
		ModelName:     "EX-1000",
		SerialNumber:  cfg.serial,
		Speed:         BusSpeedSuper,
	}
	return newTestControlHandle(info, dev.dial), dev
}
