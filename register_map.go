package u3v

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Access describes the access privilege of a bootstrap register.
type Access uint8

const (
	AccessRO Access = iota
	AccessWO
	AccessRW
)

// Register describes one field of a bootstrap register map: its address (for
// ABRM absolute, for SBRM/SIRM/manifest relative to the map's base), its
// width in bytes and its access privilege.
type Register struct {
	Address uint64
	Len     uint16
	Access  Access
}

// ABRM register layout. Addresses are absolute; the ABRM starts at 0.
var (
	AbrmGenCPVersion                   = Register{0x0000, 4, AccessRO}
	AbrmManufacturerName               = Register{0x0004, 64, AccessRO}
	AbrmModelName                      = Register{0x0044, 64, AccessRO}
	AbrmFamilyName                     = Register{0x0084, 64, AccessRO}
	AbrmDeviceVersion                  = Register{0x00C4, 64, AccessRO}
	AbrmManufacturerInfo               = Register{0x0104, 64, AccessRO}
	AbrmSerialNumber                   = Register{0x0144, 64, AccessRO}
	AbrmUserDefinedName                = Register{0x0184, 64, AccessRW}
	AbrmDeviceCapability               = Register{0x01C4, 8, AccessRO}
	AbrmMaximumDeviceResponseTime      = Register{0x01CC, 4, AccessRO}
	AbrmManifestTableAddress           = Register{0x01D0, 8, AccessRO}
	AbrmSbrmAddress                    = Register{0x01D8, 8, AccessRO}
	AbrmDeviceConfiguration            = Register{0x01E0, 4, AccessRW}
	AbrmTimestamp                      = Register{0x01E8, 8, AccessRO}
	AbrmTimestampLatch                 = Register{0x01F0, 4, AccessWO}
	AbrmTimestampIncrement             = Register{0x01F4, 8, AccessRO}
	AbrmAccessPrivilege                = Register{0x01FC, 4, AccessRW}
	AbrmProtocolEndianness             = Register{0x0200, 4, AccessRO}
	AbrmImplementationEndianness       = Register{0x0204, 4, AccessRO}
	AbrmDeviceSoftwareInterfaceVersion = Register{0x0208, 64, AccessRO}
)

// SBRM register layout, relative to the SBRM address read from the ABRM.
var (
	SbrmU3VVersion                       = Register{0x0000, 4, AccessRO}
	SbrmU3VCPCapability                  = Register{0x0004, 8, AccessRO}
	SbrmU3VCPConfiguration               = Register{0x000C, 8, AccessRW}
	SbrmMaximumCommandTransferLength     = Register{0x0014, 4, AccessRO}
	SbrmMaximumAcknowledgeTransferLength = Register{0x0018, 4, AccessRO}
	SbrmNumberOfStreamChannels           = Register{0x001C, 4, AccessRO}
	SbrmSirmAddress                      = Register{0x0020, 8, AccessRO}
	SbrmSirmLength                       = Register{0x0028, 4, AccessRO}
	SbrmEirmAddress                      = Register{0x002C, 8, AccessRO}
	SbrmEirmLength                       = Register{0x0034, 4, AccessRO}
	SbrmIIDC2Address                     = Register{0x0038, 8, AccessRO}
	SbrmCurrentSpeed                     = Register{0x0040, 4, AccessRO}
)

// SIRM register layout, relative to the SIRM address read from the SBRM.
var (
	SirmInfo                      = Register{0x0000, 4, AccessRO}
	SirmControl                   = Register{0x0004, 4, AccessRW}
	SirmRequiredPayloadSize       = Register{0x0008, 8, AccessRO}
	SirmRequiredLeaderSize        = Register{0x0010, 4, AccessRO}
	SirmRequiredTrailerSize       = Register{0x0014, 4, AccessRO}
	SirmMaximumLeaderSize         = Register{0x0018, 4, AccessRW}
	SirmPayloadTransferSize       = Register{0x001C, 4, AccessRW}
	SirmPayloadTransferCount      = Register{0x0020, 4, AccessRW}
	SirmPayloadFinalTransfer1Size = Register{0x0024, 4, AccessRW}
	SirmPayloadFinalTransfer2Size = Register{0x0028, 4, AccessRW}
	SirmMaximumTrailerSize        = Register{0x002C, 4, AccessRW}
)

// Manifest table layout. The u64 entry count sits at the table address;
// entries follow on a 128 byte stride.
const (
	manifestEntryOffset = 8
	manifestEntrySize   = 128
)

var (
	manifestEntryFileVersion   = Register{0x0000, 4, AccessRO}
	manifestEntrySchemaVersion = Register{0x0004, 4, AccessRO}
	manifestEntryFileName      = Register{0x0008, 64, AccessRO}
	manifestEntryFileAddress   = Register{0x0048, 8, AccessRO}
	manifestEntryFileSize      = Register{0x0050, 8, AccessRO}
	manifestEntrySha1          = Register{0x0058, 20, AccessRO}
)

const sirmControlStreamEnable uint32 = 1 << 0

// BusSpeed is the negotiated USB bus speed as reported by the device.
type BusSpeed uint32

const (
	BusSpeedUnknown   BusSpeed = 0x0
	BusSpeedLow       BusSpeed = 0x1
	BusSpeedFull      BusSpeed = 0x2
	BusSpeedHigh      BusSpeed = 0x4
	BusSpeedSuper     BusSpeed = 0x8
	BusSpeedSuperPlus BusSpeed = 0x10
)

func (s BusSpeed) String() string {
	switch s {
	case BusSpeedLow:
		return "low-speed"
	case BusSpeedFull:
		return "full-speed"
	case BusSpeedHigh:
		return "high-speed"
	case BusSpeedSuper:
		return "super-speed"
	case BusSpeedSuperPlus:
		return "super-speed-plus"
	default:
		return "unknown"
	}
}

// parseBusSpeed validates a raw current-speed register value.
func parseBusSpeed(raw uint32) (BusSpeed, error) {
	switch s := BusSpeed(raw); s {
	case BusSpeedLow, BusSpeedFull, BusSpeedHigh, BusSpeedSuper, BusSpeedSuperPlus:
		return s, nil
	default:
		return BusSpeedUnknown, controlErrorf(ErrParse, "invalid bus speed 0x%x", raw)
	}
}

// StringEncoding is the encoding the device declares for its string
// registers.
type StringEncoding uint8

const (
	StringEncodingASCII StringEncoding = 0
	StringEncodingUTF8  StringEncoding = 1
)

// DeviceCapability is the ABRM capability bitfield. Each bit gates an
// optional register or protocol feature.
type DeviceCapability uint64

func (c DeviceCapability) isSet(bit uint) bool { return c&(1<<bit) != 0 }

func (c DeviceCapability) IsUserDefinedNameSupported() bool { return c.isSet(0) }
func (c DeviceCapability) IsAccessPrivilegeSupported() bool { return c.isSet(1) }
func (c DeviceCapability) IsMessageChannelSupported() bool  { return c.isSet(2) }
func (c DeviceCapability) IsTimestampSupported() bool       { return c.isSet(3) }

// StringEncoding decodes bits 4..7. Only ASCII and UTF-8 are defined; any
// other value falls back to ASCII.
func (c DeviceCapability) StringEncoding() StringEncoding {
	if (c>>4)&0xf == DeviceCapability(StringEncodingUTF8) {
		return StringEncodingUTF8
	}
	return StringEncodingASCII
}

func (c DeviceCapability) IsFamilyNameSupported() bool { return c.isSet(8) }
func (c DeviceCapability) IsSbrmSupported() bool { return c.isSet(9) }
func (c DeviceCapability) IsEndiannessRegistersSupported() bool { return c.isSet(10) }
func (c DeviceCapability) IsWrittenLengthFieldSupported() bool { return c.isSet(11) }
func (c DeviceCapability) IsMultiEventSupported() bool { return c.isSet(12) }
func (c DeviceCapability) IsStackedCommandsSupported() bool { return c.isSet(13) }
func (c DeviceCapability) IsDeviceSoftwareInterfaceVersionSupported() bool {
	return c.isSet(14)
}

// DeviceConfiguration is the ABRM configuration bitfield. Reserved bits are
// preserved across read-modify-write.
type DeviceConfiguration uint32

func (c DeviceConfiguration) IsHeartbeatDisabled() bool { return c&(1<<0) != 0 }

func (c *DeviceConfiguration) SetHeartbeatDisabled(disabled bool) {
	if disabled {
		*c |= 1 << 0
	} else {
		*c &^= 1 << 0
	}
}

func (c DeviceConfiguration) IsMultiEventEnabled() bool { return c&(1<<1) != 0 }

func (c *DeviceConfiguration) SetMultiEventEnabled(enabled bool) {
	if enabled {
		*c |= 1 << 1
	} else {
		*c &^= 1 << 1
	}
}

// decodeString decodes a fixed-width string register slot. Decoding stops at
// the first zero byte. ASCII slots replace non-ASCII bytes with U+FFFD; UTF-8
// slots must hold valid UTF-8.
func decodeString(raw []byte, enc StringEncoding) (string, error) {
	n := len(raw)
	for i, b := range raw {
		if b == 0 {
			n = i
			break
		}
	}
	raw = raw[:n]
	if enc == StringEncodingUTF8 {
		if !utf8.Valid(raw) {
			return "", controlErrorf(ErrParse, "string register is not valid UTF-8")
		}
		return string(raw), nil
	}
	var sb strings.Builder
	for _, b := range raw {
		if b < 0x80 {
			sb.WriteByte(b)
		} else {
			sb.WriteRune(utf8.RuneError)
		}
	}
	return sb.String(), nil
}

// encodeString encodes s into a width byte slot, zero padded. The encoded
// string must leave room for at least one terminating zero.
func encodeString(s string, width int) ([]byte, error) {
	if len(s) >= width {
		return nil, controlErrorf(ErrInvalidPacket, "string %q does not fit a %d byte register", s, width)
	}
	buf := make([]byte, width)
	copy(buf, s)
	return buf, nil
}

// readRegister fetches one register, honoring its access privilege.
func readRegister(ctrl DeviceControl, base uint64, reg Register) ([]byte, error) {
	if reg.Access == AccessWO {
		return nil, controlErrorf(ErrNotSupported, "register 0x%04x is write-only", reg.Address)
	}
	buf := make([]byte, reg.Len)
	if err := ctrl.Read(base+reg.Address, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeRegister stores one whole register, honoring its access privilege and
// natural width.
func writeRegister(ctrl DeviceControl, base uint64, reg Register, data []byte) error {
	if reg.Access == AccessRO {
		return controlErrorf(ErrNotSupported, "register 0x%04x is read-only", reg.Address)
	}
	if len(data) != int(reg.Len) {
		return controlErrorf(ErrInvalidPacket, "register 0x%04x takes %d bytes, got %d", reg.Address, reg.Len, len(data))
	}
	return ctrl.Write(base+reg.Address, data)
}

func readU32(ctrl DeviceControl, base uint64, reg Register) (uint32, error) {
	raw, err := readRegister(ctrl, base, reg)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func readU64(ctrl DeviceControl, base uint64, reg Register) (uint64, error) {
	raw, err := readRegister(ctrl, base, reg)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func writeU32(ctrl DeviceControl, base uint64, reg Register, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return writeRegister(ctrl, base, reg, buf)
}

// Abrm is a typed view of the Advertised Bootstrap Register Map. It works
// through any DeviceControl, so plain and shared handles get the same
// accessors.
type Abrm struct {
	ctrl DeviceControl

	capability *DeviceCapability
}

// NewAbrm wraps ctrl with typed ABRM accessors.
func NewAbrm(ctrl DeviceControl) *Abrm {
	return &Abrm{ctrl: ctrl}
}

// GenCPVersion returns the GenCP protocol version as (major, minor).
func (a *Abrm) GenCPVersion() (uint16, uint16, error) {
	raw, err := readU32(a.ctrl, 0, AbrmGenCPVersion)
	if err != nil {
		return 0, 0, err
	}
	return uint16(raw >> 16), uint16(raw), nil
}

// DeviceCapability returns the capability bitfield. The value is immutable
// per device and cached after the first read.
func (a *Abrm) DeviceCapability() (DeviceCapability, error) {
	if a.capability != nil {
		return *a.capability, nil
	}
	raw, err := readU64(a.ctrl, 0, AbrmDeviceCapability)
	if err != nil {
		return 0, err
	}
	caps := DeviceCapability(raw)
	a.capability = &caps
	return caps, nil
}

func (a *Abrm) stringEncoding() (StringEncoding, error) {
	caps, err := a.DeviceCapability()
	if err != nil {
		return StringEncodingASCII, err
	}
	return caps.StringEncoding(), nil
}

func (a *Abrm) readString(reg Register) (string, error) {
	enc, err := a.stringEncoding()
	if err != nil {
		return "", err
	}
	raw, err := readRegister(a.ctrl, 0, reg)
	if err != nil {
		return "", err
	}
	return decodeString(raw, enc)
}

func (a *Abrm) ManufacturerName() (string, error) { return a.readString(AbrmManufacturerName) }
func (a *Abrm) ModelName() (string, error)        { return a.readString(AbrmModelName) }
func (a *Abrm) DeviceVersion() (string, error)    { return a.readString(AbrmDeviceVersion) }
func (a *Abrm) ManufacturerInfo() (string, error) { return a.readString(AbrmManufacturerInfo) }
func (a *Abrm) SerialNumber() (string, error)     { return a.readString(AbrmSerialNumber) }

// FamilyName reads the family name register. Gated by the family name
// capability bit.
func (a *Abrm) FamilyName() (string, error) {
	caps, err := a.DeviceCapability()
	if err != nil {
		return "", err
	}
	if !caps.IsFamilyNameSupported() {
		return "", controlErrorf(ErrNotSupported, "family name not supported by device")
	}
	return a.readString(AbrmFamilyName)
}

// UserDefinedName reads the user-defined name register. Gated by the
// user-defined name capability bit.
func (a *Abrm) UserDefinedName() (string, error) {
	caps, err := a.DeviceCapability()
	if err != nil {
		return "", err
	}
	if !caps.IsUserDefinedNameSupported() {
		return "", controlErrorf(ErrNotSupported, "user-defined name not supported by device")
	}
	return a.readString(AbrmUserDefinedName)
}

// SetUserDefinedName stores name in the user-defined name register, zero
// padded to the slot width. Gated by the user-defined name capability bit.
func (a *Abrm) SetUserDefinedName(name string) error {
	caps, err := a.DeviceCapability()
	if err != nil {
		return err
	}
	if !caps.IsUserDefinedNameSupported() {
		return controlErrorf(ErrNotSupported, "user-defined name not supported by device")
	}
	buf, err := encodeString(name, int(AbrmUserDefinedName.Len))
	if err != nil {
		return err
	}
	return writeRegister(a.ctrl, 0, AbrmUserDefinedName, buf)
}

// MaximumDeviceResponseTime returns the worst-case response time the device
// advertises for any single command.
func (a *Abrm) MaximumDeviceResponseTime() (time.Duration, error) {
	raw, err := readU32(a.ctrl, 0, AbrmMaximumDeviceResponseTime)
	if err != nil {
		return 0, err
	}
	return time.Duration(raw) * time.Millisecond, nil
}

func (a *Abrm) ManifestTableAddress() (uint64, error) {
	return readU64(a.ctrl, 0, AbrmManifestTableAddress)
}

func (a *Abrm) SbrmAddress() (uint64, error) {
	return readU64(a.ctrl, 0, AbrmSbrmAddress)
}

// DeviceConfiguration reads the configuration bitfield.
func (a *Abrm) DeviceConfiguration() (DeviceConfiguration, error) {
	raw, err := readU32(a.ctrl, 0, AbrmDeviceConfiguration)
	if err != nil {
		return 0, err
	}
	return DeviceConfiguration(raw), nil
}

// SetDeviceConfiguration stores the whole configuration bitfield, reserved
// bits included.
func (a *Abrm) SetDeviceConfiguration(cfg DeviceConfiguration) error {
	return writeU32(a.ctrl, 0, AbrmDeviceConfiguration, uint32(cfg))
}

// SetHeartbeatDisabled flips the heartbeat bit with a read-modify-write of
// the whole register. Wrap in SharedControl.WithTransaction when the handle
// is shared.
func (a *Abrm) SetHeartbeatDisabled(disabled bool) error {
	cfg, err := a.DeviceConfiguration()
	if err != nil {
		return err
	}
	cfg.SetHeartbeatDisabled(disabled)
	return a.SetDeviceConfiguration(cfg)
}

// SetMultiEventEnabled flips the multi-event bit with a read-modify-write of
// the whole register. Gated by the multi-event capability bit.
func (a *Abrm) SetMultiEventEnabled(enabled bool) error {
	caps, err := a.DeviceCapability()
	if err != nil {
		return err
	}
	if !caps.IsMultiEventSupported() {
		return controlErrorf(ErrNotSupported, "multi-event not supported by device")
	}
	cfg, err := a.DeviceConfiguration()
	if err != nil {
		return err
	}
	cfg.SetMultiEventEnabled(enabled)
	return a.SetDeviceConfiguration(cfg)
}

// Timestamp reads the latched device timestamp. Gated by the timestamp
// capability bit.
func (a *Abrm) Timestamp() (uint64, error) {
	caps, err := a.DeviceCapability()
	if err != nil {
		return 0, err
	}
	if !caps.IsTimestampSupported() {
		return 0, controlErrorf(ErrNotSupported, "timestamp not supported by device")
	}
	return readU64(a.ctrl, 0, AbrmTimestamp)
}

// LatchTimestamp asks the device to latch its current timestamp into the
// timestamp register.
func (a *Abrm) LatchTimestamp() error {
	caps, err := a.DeviceCapability()
	if err != nil {
		return err
	}
	if !caps.IsTimestampSupported() {
		return controlErrorf(ErrNotSupported, "timestamp not supported by device")
	}
	return writeU32(a.ctrl, 0, AbrmTimestampLatch, 1)
}

func (a *Abrm) TimestampIncrement() (uint64, error) {
	return readU64(a.ctrl, 0, AbrmTimestampIncrement)
}

// AccessPrivilege reads the access privilege register. Gated by the access
// privilege capability bit.
func (a *Abrm) AccessPrivilege() (uint32, error) {
	caps, err := a.DeviceCapability()
	if err != nil {
		return 0, err
	}
	if !caps.IsAccessPrivilegeSupported() {
		return 0, controlErrorf(ErrNotSupported, "access privilege not supported by device")
	}
	return readU32(a.ctrl, 0, AbrmAccessPrivilege)
}

// ProtocolEndianness reads the protocol endianness register. Gated by the
// endianness registers capability bit.
func (a *Abrm) ProtocolEndianness() (uint32, error) {
	caps, err := a.DeviceCapability()
	if err != nil {
		return 0, err
	}
	if !caps.IsEndiannessRegistersSupported() {
		return 0, controlErrorf(ErrNotSupported, "endianness registers not supported by device")
	}
	return readU32(a.ctrl, 0, AbrmProtocolEndianness)
}

// ImplementationEndianness reads the implementation endianness register.
// Gated by the endianness registers capability bit.
func (a *Abrm) ImplementationEndianness() (uint32, error) {
	caps, err := a.DeviceCapability()
	if err != nil {
		return 0, err
	}
	if !caps.IsEndiannessRegistersSupported() {
		return 0, controlErrorf(ErrNotSupported, "endianness registers not supported by device")
	}
	return readU32(a.ctrl, 0, AbrmImplementationEndianness)
}

// DeviceSoftwareInterfaceVersion reads the software interface version
// string. Gated by its capability bit.
func (a *Abrm) DeviceSoftwareInterfaceVersion() (string, error) {
	caps, err := a.DeviceCapability()
	if err != nil {
		return "", err
	}
	if !caps.IsDeviceSoftwareInterfaceVersionSupported() {
		return "", controlErrorf(ErrNotSupported, "device software interface version not supported by device")
	}
	return a.readString(AbrmDeviceSoftwareInterfaceVersion)
}

// Sbrm resolves the SBRM pointer into a typed SBRM view.
func (a *Abrm) Sbrm() (*Sbrm, error) {
	addr, err := a.SbrmAddress()
	if err != nil {
		return nil, err
	}
	return &Sbrm{ctrl: a.ctrl, base: addr}, nil
}

// ManifestTable resolves the manifest pointer into a typed table view.
func (a *Abrm) ManifestTable() (*ManifestTable, error) {
	addr, err := a.ManifestTableAddress()
	if err != nil {
		return nil, err
	}
	return &ManifestTable{ctrl: a.ctrl, base: addr}, nil
}

// Sbrm is a typed view of the Streaming Bootstrap Register Map.
type Sbrm struct {
	ctrl DeviceControl
	base uint64
}

// Base returns the absolute address the SBRM view is anchored at.
func (s *Sbrm) Base() uint64 { return s.base }

// U3VVersion returns the U3V standard version as (major, minor).
func (s *Sbrm) U3VVersion() (uint16, uint16, error) {
	raw, err := readU32(s.ctrl, s.base, SbrmU3VVersion)
	if err != nil {
		return 0, 0, err
	}
	return uint16(raw >> 16), uint16(raw), nil
}

func (s *Sbrm) U3VCPCapability() (uint64, error) {
	return readU64(s.ctrl, s.base, SbrmU3VCPCapability)
}

func (s *Sbrm) U3VCPConfiguration() (uint64, error) {
	return readU64(s.ctrl, s.base, SbrmU3VCPConfiguration)
}

func (s *Sbrm) SetU3VCPConfiguration(v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return writeRegister(s.ctrl, s.base, SbrmU3VCPConfiguration, buf)
}

func (s *Sbrm) MaximumCommandTransferLength() (uint32, error) {
	return readU32(s.ctrl, s.base, SbrmMaximumCommandTransferLength)
}

func (s *Sbrm) MaximumAcknowledgeTransferLength() (uint32, error) {
	return readU32(s.ctrl, s.base, SbrmMaximumAcknowledgeTransferLength)
}

func (s *Sbrm) NumberOfStreamChannels() (uint32, error) {
	return readU32(s.ctrl, s.base, SbrmNumberOfStreamChannels)
}

// SirmAddress returns the SIRM pointer; zero means the device has no
// streaming interface.
func (s *Sbrm) SirmAddress() (uint64, error) {
	return readU64(s.ctrl, s.base, SbrmSirmAddress)
}

func (s *Sbrm) SirmLength() (uint32, error) {
	return readU32(s.ctrl, s.base, SbrmSirmLength)
}

func (s *Sbrm) EirmAddress() (uint64, error) {
	return readU64(s.ctrl, s.base, SbrmEirmAddress)
}

func (s *Sbrm) EirmLength() (uint32, error) {
	return readU32(s.ctrl, s.base, SbrmEirmLength)
}

func (s *Sbrm) IIDC2Address() (uint64, error) {
	return readU64(s.ctrl, s.base, SbrmIIDC2Address)
}

// CurrentSpeed returns the negotiated bus speed, rejecting values outside
// the defined enumeration.
func (s *Sbrm) CurrentSpeed() (BusSpeed, error) {
	raw, err := readU32(s.ctrl, s.base, SbrmCurrentSpeed)
	if err != nil {
		return BusSpeedUnknown, err
	}
	return parseBusSpeed(raw)
}

// Sirm resolves the SIRM pointer into a typed SIRM view. Fails with
// ErrNotSupported when the device advertises no streaming interface.
func (s *Sbrm) Sirm() (*Sirm, error) {
	addr, err := s.SirmAddress()
	if err != nil {
		return nil, err
	}
	if addr == 0 {
		return nil, controlErrorf(ErrNotSupported, "device has no streaming interface")
	}
	return &Sirm{ctrl: s.ctrl, base: addr}, nil
}

// Sirm is a typed view of the Streaming Interface Register Map. The stream
// engine reads it to size leader, trailer and payload buffers.
type Sirm struct {
	ctrl DeviceControl
	base uint64
}

// Base returns the absolute address the SIRM view is anchored at.
func (s *Sirm) Base() uint64 { return s.base }

func (s *Sirm) Info() (uint32, error) {
	return readU32(s.ctrl, s.base, SirmInfo)
}

// PayloadAlignment returns the alignment every payload transfer size must
// honor. Encoded as a power of two in the top byte of SI Info.
func (s *Sirm) PayloadAlignment() (uint32, error) {
	info, err := s.Info()
	if err != nil {
		return 0, err
	}
	return 1 << (info >> 24), nil
}

// IsStreamEnabled reads the stream enable bit of SI Control.
func (s *Sirm) IsStreamEnabled() (bool, error) {
	ctl, err := readU32(s.ctrl, s.base, SirmControl)
	if err != nil {
		return false, err
	}
	return ctl&sirmControlStreamEnable != 0, nil
}

// SetStreamEnable flips the stream enable bit with a read-modify-write of SI
// Control.
func (s *Sirm) SetStreamEnable(enable bool) error {
	ctl, err := readU32(s.ctrl, s.base, SirmControl)
	if err != nil {
		return err
	}
	if enable {
		ctl |= sirmControlStreamEnable
	} else {
		ctl &^= sirmControlStreamEnable
	}
	return writeU32(s.ctrl, s.base, SirmControl, ctl)
}

func (s *Sirm) RequiredPayloadSize() (uint64, error) {
	return readU64(s.ctrl, s.base, SirmRequiredPayloadSize)
}

func (s *Sirm) RequiredLeaderSize() (uint32, error) {
	return readU32(s.ctrl, s.base, SirmRequiredLeaderSize)
}

func (s *Sirm) RequiredTrailerSize() (uint32, error) {
	return readU32(s.ctrl, s.base, SirmRequiredTrailerSize)
}

func (s *Sirm) MaximumLeaderSize() (uint32, error) {
	return readU32(s.ctrl, s.base, SirmMaximumLeaderSize)
}

func (s *Sirm) SetMaximumLeaderSize(size uint32) error {
	return writeU32(s.ctrl, s.base, SirmMaximumLeaderSize, size)
}

func (s *Sirm) PayloadTransferSize() (uint32, error) {
	return readU32(s.ctrl, s.base, SirmPayloadTransferSize)
}

func (s *Sirm) SetPayloadTransferSize(size uint32) error {
	return writeU32(s.ctrl, s.base, SirmPayloadTransferSize, size)
}

func (s *Sirm) PayloadTransferCount() (uint32, error) {
	return readU32(s.ctrl, s.base, SirmPayloadTransferCount)
}

func (s *Sirm) SetPayloadTransferCount(count uint32) error {
	return writeU32(s.ctrl, s.base, SirmPayloadTransferCount, count)
}

func (s *Sirm) PayloadFinalTransfer1Size() (uint32, error) {
	return readU32(s.ctrl, s.base, SirmPayloadFinalTransfer1Size)
}

func (s *Sirm) SetPayloadFinalTransfer1Size(size uint32) error {
	return writeU32(s.ctrl, s.base, SirmPayloadFinalTransfer1Size, size)
}

func (s *Sirm) PayloadFinalTransfer2Size() (uint32, error) {
	return readU32(s.ctrl, s.base, SirmPayloadFinalTransfer2Size)
}

func (s *Sirm) SetPayloadFinalTransfer2Size(size uint32) error {
	return writeU32(s.ctrl, s.base, SirmPayloadFinalTransfer2Size, size)
}

func (s *Sirm) MaximumTrailerSize() (uint32, error) {
	return readU32(s.ctrl, s.base, SirmMaximumTrailerSize)
}

func (s *Sirm) SetMaximumTrailerSize(size uint32) error {
	return writeU32(s.ctrl, s.base, SirmMaximumTrailerSize, size)
}

// ManifestTable is a typed view of the device's manifest: the table of
// embedded files, notably the GenICam XML.
type ManifestTable struct {
	ctrl DeviceControl
	base uint64
}

// Base returns the absolute address the table is anchored at.
func (m *ManifestTable) Base() uint64 { return m.base }

// EntryCount reads the number of manifest entries.
func (m *ManifestTable) EntryCount() (uint64, error) {
	buf := make([]byte, 8)
	if err := m.ctrl.Read(m.base, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Entries reads and decodes every manifest entry.
func (m *ManifestTable) Entries() ([]*ManifestEntry, error) {
	count, err := m.EntryCount()
	if err != nil {
		return nil, err
	}
	entries := make([]*ManifestEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		base := m.base + manifestEntryOffset + i*manifestEntrySize
		entry, err := parseManifestEntry(m.ctrl, base)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ManifestEntry describes one embedded file.
type ManifestEntry struct {
	FileVersion   FileVersion
	SchemaVersion FileVersion
	FileName      string
	FileAddress   uint64
	FileSize      uint64
	Sha1          [20]byte

	ctrl DeviceControl
}

// FileVersion is a packed manifest version: major and minor in the top two
// bytes, subminor in the bottom half.
type FileVersion uint32

func (v FileVersion) Major() uint8     { return uint8(v >> 24) }
func (v FileVersion) Minor() uint8     { return uint8(v >> 16) }
func (v FileVersion) Subminor() uint16 { return uint16(v) }

func (v FileVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Subminor())
}

func parseManifestEntry(ctrl DeviceControl, base uint64) (*ManifestEntry, error) {
	fileVersion, err := readU32(ctrl, base, manifestEntryFileVersion)
	if err != nil {
		return nil, err
	}
	schemaVersion, err := readU32(ctrl, base, manifestEntrySchemaVersion)
	if err != nil {
		return nil, err
	}
	rawName, err := readRegister(ctrl, base, manifestEntryFileName)
	if err != nil {
		return nil, err
	}
	// File names are plain ASCII regardless of the device string encoding.
	name, err := decodeString(rawName, StringEncodingASCII)
	if err != nil {
		return nil, err
	}
	address, err := readU64(ctrl, base, manifestEntryFileAddress)
	if err != nil {
		return nil, err
	}
	size, err := readU64(ctrl, base, manifestEntryFileSize)
	if err != nil {
		return nil, err
	}
	rawSha, err := readRegister(ctrl, base, manifestEntrySha1)
	if err != nil {
		return nil, err
	}
	entry := &ManifestEntry{
		FileVersion:   FileVersion(fileVersion),
		SchemaVersion: FileVersion(schemaVersion),
		FileName:      name,
		FileAddress:   address,
		FileSize:      size,
		ctrl:          ctrl,
	}
	copy(entry.Sha1[:], rawSha)
	return entry, nil
}

// ReadFile fetches the entry's raw bytes from device memory.
func (e *ManifestEntry) ReadFile() ([]byte, error) {
	buf := make([]byte, e.FileSize)
	if err := e.ctrl.Read(e.FileAddress, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// IsZipped reports whether the file is a zip archive per its name.
func (e *ManifestEntry) IsZipped() bool {
	return strings.HasSuffix(strings.ToLower(e.FileName), ".zip")
}
