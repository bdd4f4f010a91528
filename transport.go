package u3v

import (
	"context"
	"time"

	"github.com/google/gousb"
)

// transport is the byte pipe a ControlHandle drives: the claimed bulk
// endpoint pair of one device's control interface. The gousb session is the
// production implementation; tests substitute an emulated device.
type transport interface {
	bulkWrite(p []byte, timeout time.Duration) (int, error)
	bulkRead(p []byte, timeout time.Duration) (int, error)
	close() error
}

// The U3V control interface is identified by the Miscellaneous class with
// the U3V sub-class and control protocol codes.
const (
	u3vInterfaceClass    = gousb.Class(0xef)
	u3vInterfaceSubClass = gousb.Class(0x02)
	u3vInterfaceProtocol = gousb.Protocol(0x01)
)

// controlInterface identifies the U3V control interface and its bulk endpoint
// pair inside a device descriptor. findControlInterface locates it; its ok
// result is false when the device carries no such interface.
type controlInterface struct {
	config    int
	number    int
	alternate int
	epIn      int
	epOut     int
}

func findControlInterface(desc *gousb.DeviceDesc) (controlInterface, bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != u3vInterfaceClass ||
					alt.SubClass != u3vInterfaceSubClass ||
					alt.Protocol != u3vInterfaceProtocol {
					continue
				}
				in, out := -1, -1
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					switch ep.Direction {
					case gousb.EndpointDirectionIn:
						in = ep.Number
					case gousb.EndpointDirectionOut:
						out = ep.Number
					}
				}
				if in < 0 || out < 0 {
					continue
				}
				return controlInterface{
					config:    cfg.Number,
					number:    alt.Number,
					alternate: alt.Alternate,
					epIn:      in,
					epOut:     out,
				}, true
			}
		}
	}
	return controlInterface{}, false
}

// usbSession owns the claimed control interface of one opened device.
type usbSession struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// openSession claims the control interface described by ci on dev and
// resolves its endpoint pair. Takes ownership of dev; on failure dev is
// closed.
func openSession(dev *gousb.Device, ci controlInterface) (*usbSession, error) {
	s := &usbSession{dev: dev}

	failed := true
	defer func() {
		if failed {
			s.close()
		}
	}()

	if err := dev.SetAutoDetach(true); err != nil {
		return nil, usbError(err, "set auto detach")
	}
	var err error
	s.cfg, err = dev.Config(ci.config)
	if err != nil {
		return nil, usbError(err, "claim config")
	}
	s.intf, err = s.cfg.Interface(ci.number, ci.alternate)
	if err != nil {
		return nil, usbError(err, "claim control interface")
	}
	s.in, err = s.intf.InEndpoint(ci.epIn)
	if err != nil {
		return nil, usbError(err, "open control-in endpoint")
	}
	s.out, err = s.intf.OutEndpoint(ci.epOut)
	if err != nil {
		return nil, usbError(err, "open control-out endpoint")
	}
	failed = false
	return s, nil
}

func (s *usbSession) bulkWrite(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := s.out.WriteContext(ctx, p)
	if err != nil {
		return n, usbError(err, "bulk write")
	}
	if n != len(p) {
		return n, controlErrorf(ErrIo, "short bulk write: %d of %d bytes", n, len(p))
	}
	return n, nil
}

func (s *usbSession) bulkRead(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := s.in.ReadContext(ctx, p)
	if err != nil {
		return n, usbError(err, "bulk read")
	}
	return n, nil
}

// close releases the endpoints, interface, configuration and device. Safe on
// a partially opened session.
func (s *usbSession) close() error {
	if s.intf != nil {
		s.intf.Close()
		s.intf = nil
	}
	var err error
	if s.cfg != nil {
		err = s.cfg.Close()
		s.cfg = nil
	}
	if s.dev != nil {
		if cerr := s.dev.Close(); err == nil {
			err = cerr
		}
		s.dev = nil
	}
	if err != nil {
		return usbError(err, "release interface")
	}
	return nil
}
