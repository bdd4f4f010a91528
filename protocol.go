package u3v

import (
	"encoding/binary"
	"fmt"
	"time"
)

// GenCP command/acknowledge framing, little-endian throughout.
//
// Command packet:
//
//	offset | bytes | field
//	-------+-------+---------------------------------
//	 0     | 4     | prefix, magic 0x43563355 ("U3VC")
//	 4     | 2     | flags, bit 0 = request_ack
//	 6     | 2     | command
//	 8     | 2     | payload length
//	10     | 2     | request_id
//	12     | n     | payload
//
// Acknowledge packet:
//
//	offset | bytes | field
//	-------+-------+---------------------------------
//	 0     | 4     | prefix, magic 0x43563355
//	 4     | 2     | status
//	 6     | 2     | acknowledge (command code + 1)
//	 8     | 2     | payload length
//	10     | 2     | request_id
//	12     | n     | payload
const (
	packetPrefix uint32 = 0x43563355

	cmdHeaderSize = 12
	ackHeaderSize = 12

	flagRequestAck uint16 = 1 << 0

	cmdReadMem  uint16 = 0x0800
	ackReadMem  uint16 = 0x0801
	cmdWriteMem uint16 = 0x0802
	ackWriteMem uint16 = 0x0803

	// READMEM payload is address (u64) + read length (u16).
	readMemCmdPayloadSize = 10
	// WRITEMEM payload is address (u64) + data.
	writeMemAddrSize = 8
	// WRITEMEM ack payload is reserved (u16) + bytes written (u16).
	writeMemAckPayloadSize = 4
	// PENDING_ACK payload is reserved (u16) + suggested timeout in ms (u16).
	pendingAckPayloadSize = 4
)

// Status is a device status code carried in an acknowledge packet.
type Status uint16

const (
	StatusSuccess          Status = 0x0000
	StatusPendingAck       Status = 0x8001
	StatusNotImplemented   Status = 0x8002
	StatusInvalidParameter Status = 0x8003
	StatusInvalidAddress   Status = 0x8004
	StatusWriteProtect     Status = 0x8005
	StatusBadAlignment     Status = 0x8006
	StatusAccessDenied     Status = 0x8007
	StatusBusy             Status = 0x8008
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusPendingAck:
		return "PendingAck"
	case StatusNotImplemented:
		return "NotImplemented"
	case StatusInvalidParameter:
		return "InvalidParameter"
	case StatusInvalidAddress:
		return "InvalidAddress"
	case StatusWriteProtect:
		return "WriteProtect"
	case StatusBadAlignment:
		return "BadAlignment"
	case StatusAccessDenied:
		return "AccessDenied"
	case StatusBusy:
		return "Busy"
	default:
		return fmt.Sprintf("DeviceError(0x%04x)", uint16(s))
	}
}

// encodeCommand assembles a command packet for the given code, request id and
// payload.
func encodeCommand(code, requestID uint16, payload []byte) []byte {
	buf := make([]byte, cmdHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], packetPrefix)
	binary.LittleEndian.PutUint16(buf[4:6], flagRequestAck)
	binary.LittleEndian.PutUint16(buf[6:8], code)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(payload)))
	binary.LittleEndian.PutUint16(buf[10:12], requestID)
	copy(buf[cmdHeaderSize:], payload)
	return buf
}

// encodeReadMemCmd builds a READMEM command requesting length bytes at
// address.
func encodeReadMemCmd(requestID uint16, address uint64, length uint16) []byte {
	payload := make([]byte, readMemCmdPayloadSize)
	binary.LittleEndian.PutUint64(payload[0:8], address)
	binary.LittleEndian.PutUint16(payload[8:10], length)
	return encodeCommand(cmdReadMem, requestID, payload)
}

// encodeWriteMemCmd builds a WRITEMEM command storing data at address.
func encodeWriteMemCmd(requestID uint16, address uint64, data []byte) []byte {
	payload := make([]byte, writeMemAddrSize+len(data))
	binary.LittleEndian.PutUint64(payload[0:8], address)
	copy(payload[writeMemAddrSize:], data)
	return encodeCommand(cmdWriteMem, requestID, payload)
}

// ack is a parsed acknowledge packet.
type ack struct {
	status    Status
	code      uint16
	requestID uint16
	payload   []byte
}

// parseAck validates the fixed header of an acknowledge packet and slices out
// its payload. The payload aliases buf.
func parseAck(buf []byte) (*ack, error) {
	if len(buf) < ackHeaderSize {
		return nil, controlErrorf(ErrInvalidPacket, "ack truncated: %d bytes", len(buf))
	}
	if prefix := binary.LittleEndian.Uint32(buf[0:4]); prefix != packetPrefix {
		return nil, controlErrorf(ErrInvalidPacket, "ack prefix 0x%08x, want 0x%08x", prefix, packetPrefix)
	}
	length := int(binary.LittleEndian.Uint16(buf[8:10]))
	if ackHeaderSize+length > len(buf) {
		return nil, controlErrorf(ErrInvalidPacket, "ack payload length %d overflows %d byte packet", length, len(buf))
	}
	return &ack{
		status:    Status(binary.LittleEndian.Uint16(buf[4:6])),
		code:      binary.LittleEndian.Uint16(buf[6:8]),
		requestID: binary.LittleEndian.Uint16(buf[10:12]),
		payload:   buf[ackHeaderSize : ackHeaderSize+length],
	}, nil
}

// pendingTimeout extracts the device-suggested wait from a PENDING_ACK
// payload. Zero when the device did not supply one.
func (a *ack) pendingTimeout() time.Duration {
	if len(a.payload) < pendingAckPayloadSize {
		return 0
	}
	ms := binary.LittleEndian.Uint16(a.payload[2:4])
	return time.Duration(ms) * time.Millisecond
}

// writtenLength extracts the byte count confirmed by a WRITEMEM ack.
func (a *ack) writtenLength() (int, error) {
	if len(a.payload) < writeMemAckPayloadSize {
		return 0, controlErrorf(ErrInvalidPacket, "writemem ack payload %d bytes, want %d", len(a.payload), writeMemAckPayloadSize)
	}
	return int(binary.LittleEndian.Uint16(a.payload[2:4])), nil
}
