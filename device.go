package u3v

import (
	"fmt"
	"sort"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
	"github.com/sirupsen/logrus"
)

// DeviceInfo is the identity of a discovered device. Immutable after
// enumeration and cheap to copy around.
type DeviceInfo struct {
	VendorID      uint16
	ProductID     uint16
	BusNumber     int
	DeviceAddress int

	// VendorName is resolved from the USB ID database; the remaining strings
	// come from the device's string descriptors.
	VendorName       string
	ModelName        string
	SerialNumber     string
	ManufacturerName string

	Speed BusSpeed
}

func (i *DeviceInfo) String() string {
	return fmt.Sprintf("%04x:%04x %s %s (bus %d, addr %d)",
		i.VendorID, i.ProductID, i.ModelName, i.SerialNumber, i.BusNumber, i.DeviceAddress)
}

// Camera bundles the identity of one U3V device with its control channel.
// The handle starts unopened.
type Camera struct {
	Info *DeviceInfo
	Ctrl *ControlHandle
}

// Context owns the USB facility. All cameras enumerated through one Context
// share its underlying libusb context; close it only after every handle is
// closed.
type Context struct {
	usb *gousb.Context
}

// NewContext initializes the USB facility.
func NewContext() *Context {
	return &Context{usb: gousb.NewContext()}
}

// Close releases the USB facility.
func (c *Context) Close() error {
	return c.usb.Close()
}

// Enumerate returns all connected U3V devices, ordered by bus number and
// address. Devices whose descriptors cannot be read are skipped.
func (c *Context) Enumerate() ([]*Camera, error) {
	devs, err := c.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := findControlInterface(desc)
		return ok
	})
	if err != nil {
		// Devices that cannot be opened (permissions, other drivers) are
		// skipped, not surfaced.
		logrus.Debugf("u3v: enumeration skipped unopenable devices: %v", err)
	}

	var cameras []*Camera
	for _, dev := range devs {
		info, ierr := newDeviceInfo(dev)
		dev.Close()
		if ierr != nil {
			logrus.Debugf("u3v: skipping device %s: %v", dev.String(), ierr)
			continue
		}
		cameras = append(cameras, &Camera{
			Info: info,
			Ctrl: newControlHandle(c, info),
		})
	}
	sort.Slice(cameras, func(i, j int) bool {
		a, b := cameras[i].Info, cameras[j].Info
		if a.BusNumber != b.BusNumber {
			return a.BusNumber < b.BusNumber
		}
		return a.DeviceAddress < b.DeviceAddress
	})
	return cameras, nil
}

// newDeviceInfo assembles a DeviceInfo from an opened device's descriptors.
func newDeviceInfo(dev *gousb.Device) (*DeviceInfo, error) {
	desc := dev.Desc
	manufacturer, err := dev.Manufacturer()
	if err != nil {
		return nil, fmt.Errorf("read manufacturer descriptor: %w", err)
	}
	model, err := dev.Product()
	if err != nil {
		return nil, fmt.Errorf("read product descriptor: %w", err)
	}
	// A missing serial number descriptor is legal.
	serial, err := dev.SerialNumber()
	if err != nil {
		serial = ""
	}
	vendor := manufacturer
	if v, ok := usbid.Vendors[desc.Vendor]; ok {
		vendor = v.Name
	}
	return &DeviceInfo{
		VendorID:         uint16(desc.Vendor),
		ProductID:        uint16(desc.Product),
		BusNumber:        desc.Bus,
		DeviceAddress:    desc.Address,
		VendorName:       vendor,
		ModelName:        model,
		SerialNumber:     serial,
		ManufacturerName: manufacturer,
		Speed:            busSpeedFromUSB(desc.Speed),
	}, nil
}

func busSpeedFromUSB(s gousb.Speed) BusSpeed {
	switch s {
	case gousb.SpeedLow:
		return BusSpeedLow
	case gousb.SpeedFull:
		return BusSpeedFull
	case gousb.SpeedHigh:
		return BusSpeedHigh
	case gousb.SpeedSuper:
		return BusSpeedSuper
	default:
		return BusSpeedUnknown
	}
}

// dial reopens the device described by info and claims its control
// interface.
func (c *Context) dial(info *DeviceInfo) (transport, error) {
	devs, err := c.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == info.BusNumber &&
			desc.Address == info.DeviceAddress &&
			uint16(desc.Vendor) == info.VendorID &&
			uint16(desc.Product) == info.ProductID
	})
	if err != nil && len(devs) == 0 {
		return nil, usbError(err, "open device")
	}
	if len(devs) == 0 {
		return nil, controlErrorf(ErrInvalidDevice, "device %s not found", info)
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}
	ci, ok := findControlInterface(dev.Desc)
	if !ok {
		dev.Close()
		return nil, controlErrorf(ErrInvalidDevice, "device %s has no U3V control interface", info)
	}
	return openSession(dev, ci)
}
