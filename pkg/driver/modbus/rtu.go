package modbus

import (
	"fmt"

	"github.com/goburrow/modbus"

	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/driver"
)

// RTUType is the protocol-type tag for Modbus RTU.
const RTUType = "modbus-rtu"

// RTUFactory creates Modbus RTU drivers.
type RTUFactory struct{}

func (RTUFactory) Type() string { return RTUType }

func (RTUFactory) Create(cfg config.ChannelConfig) (driver.Driver, error) {
	if cfg.Transport.Device == "" {
		return nil, fmt.Errorf("modbus-rtu channel %d: serial device is required", cfg.ID)
	}

	points, err := driver.BuildPoints(cfg)
	if err != nil {
		return nil, err
	}

	h := modbus.NewRTUClientHandler(cfg.Transport.Device)
	h.BaudRate = cfg.Transport.BaudRate
	if h.BaudRate == 0 {
		h.BaudRate = 9600
	}
	h.DataBits = cfg.Transport.DataBits
	if h.DataBits == 0 {
		h.DataBits = 8
	}
	h.Parity = cfg.Transport.Parity
	if h.Parity == "" {
		h.Parity = "N"
	}
	h.StopBits = cfg.Transport.StopBits
	if h.StopBits == 0 {
		h.StopBits = 1
	}
	h.SlaveId = cfg.Transport.UnitID
	if h.SlaveId == 0 {
		h.SlaveId = 1
	}
	h.Timeout = cfg.Timeout()

	d := &RTU{base: newBase(points, cfg.Timeout())}
	d.handler = h
	d.client = modbus.NewClient(h)
	return d, nil
}

// RTU is the Modbus RTU driver.
type RTU struct {
	base
}
